//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package loader reads template files in the accepted on-disk formats:
// JSON, pure YAML, and Markdown with YAML front-matter.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cursor-prompt/promptwizard-go/errs"
	"github.com/cursor-prompt/promptwizard-go/template"
)

const frontMatterDelim = "---"

// Load reads and parses the template file at path, dispatching on the
// file extension.
func Load(path string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CategoryFilesystem, errs.CodeTemplateNotFound,
				errs.SeverityMedium, fmt.Sprintf("template file not found: %s", path),
				errs.WithEntity(path))
		}
		return nil, errs.New(errs.CategoryFilesystem, errs.CodeTemplateProcessing,
			errs.SeverityMedium, fmt.Sprintf("read template file %s", path), errs.WithCause(err))
	}

	var tpl *template.Template
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		tpl, err = ParseJSON(data)
	case ".yaml", ".yml":
		tpl, err = ParseYAML(data)
	case ".md", ".markdown":
		tpl, err = ParseMarkdown(data)
	default:
		return nil, errs.Validation(errs.CodeInvalidVariableType,
			fmt.Sprintf("unsupported template format %q", filepath.Ext(path)),
			errs.WithEntity(path))
	}
	if err != nil {
		return nil, err
	}
	fillDefaults(tpl, path)
	return tpl, nil
}

// ParseJSON parses a JSON template document.
func ParseJSON(data []byte) (*template.Template, error) {
	var tpl template.Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, malformed("JSON", err)
	}
	return &tpl, nil
}

// ParseYAML parses a pure YAML template document.
func ParseYAML(data []byte) (*template.Template, error) {
	var tpl template.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, malformed("YAML", err)
	}
	return &tpl, nil
}

// ParseMarkdown parses a Markdown document whose YAML front-matter
// carries the template fields and whose body is the content. A file
// without front-matter is all content.
func ParseMarkdown(data []byte) (*template.Template, error) {
	meta, body := splitFrontMatter(string(data))
	var tpl template.Template
	if meta != "" {
		if err := yaml.Unmarshal([]byte(meta), &tpl); err != nil {
			return nil, malformed("front-matter", err)
		}
	}
	if tpl.Content == "" {
		tpl.Content = body
	}
	return &tpl, nil
}

// splitFrontMatter returns the YAML block between leading "---" lines
// and the remaining body. No front-matter yields ("", whole document).
func splitFrontMatter(doc string) (meta, body string) {
	normalized := strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(normalized, frontMatterDelim+"\n") {
		return "", doc
	}
	rest := normalized[len(frontMatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return "", doc
	}
	meta = rest[:end]
	body = rest[end+len(frontMatterDelim)+1:]
	body = strings.TrimPrefix(body, "\n")
	return meta, body
}

func fillDefaults(tpl *template.Template, path string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if tpl.Name == "" {
		tpl.Name = base
	}
	if tpl.ID == "" {
		tpl.ID = base
	}
	if tpl.Version == "" {
		tpl.Version = "1.0.0"
	}
}

func malformed(format string, cause error) error {
	return errs.Template(errs.CodeTemplateProcessing,
		fmt.Sprintf("malformed %s template", format), errs.WithCause(cause))
}
