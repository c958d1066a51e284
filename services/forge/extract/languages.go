// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extract

import "strings"

// extensionByLanguage maps fence language tags (and their common aliases) to
// file extensions without the dot.
var extensionByLanguage = map[string]string{
	"python":     "py",
	"python3":    "py",
	"py":         "py",
	"go":         "go",
	"golang":     "go",
	"javascript": "js",
	"js":         "js",
	"node":       "js",
	"typescript": "ts",
	"ts":         "ts",
	"bash":       "sh",
	"sh":         "sh",
	"shell":      "sh",
	"zsh":        "sh",
	"rust":       "rs",
	"c":          "c",
	"cpp":        "cpp",
	"c++":        "cpp",
	"java":       "java",
	"ruby":       "rb",
	"rb":         "rb",
	"r":          "r",
	"julia":      "jl",
	"sql":        "sql",
	"yaml":       "yaml",
	"yml":        "yaml",
	"json":       "json",
	"toml":       "toml",
	"html":       "html",
	"css":        "css",
	"dockerfile": "dockerfile",
	"makefile":   "mk",
	"text":       "txt",
	"txt":        "txt",
}

// ExtensionFor returns the file extension (without dot) for a fence language
// tag. Unknown tags fall back to "txt" so generated filenames stay valid.
//
// Inputs:
//
//	language - The fence tag, any case.
//
// Outputs:
//
//	string - Extension such as "py" or "go"; "txt" for unknown tags.
func ExtensionFor(language string) string {
	if ext, ok := extensionByLanguage[strings.ToLower(strings.TrimSpace(language))]; ok {
		return ext
	}
	return "txt"
}
