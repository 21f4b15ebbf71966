//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// Fingerprint derives a stable 128-bit hex key from the template
// content and the request options that affect the optimized output.
// Options that do not change the output must not be passed in.
func Fingerprint(content string, options map[string]any) string {
	h := fnv.New128a()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write(canonicalize(options))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize renders options in a key-order-independent form so that
// logically equal option sets always hash identically.
func canonicalize(options map[string]any) []byte {
	if len(options) == 0 {
		return nil
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf []byte
	for _, k := range keys {
		data, err := json.Marshal(options[k])
		if err != nil {
			data = []byte(fmt.Sprintf("%v", options[k]))
		}
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, data...)
		buf = append(buf, ';')
	}
	return buf
}
