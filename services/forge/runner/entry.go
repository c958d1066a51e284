// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"fmt"
	"path/filepath"
	"strings"
)

// runnableExts maps file extensions to the command that runs them. Compiled
// languages the extractor can save (rust, c, java) are not directly
// runnable and are absent.
var runnableExts = map[string]bool{
	"py":  true,
	"go":  true,
	"js":  true,
	"mjs": true,
	"sh":  true,
	"rb":  true,
}

// FindEntry picks the file to execute from a staged file list.
//
// Description:
//
//	Priority order: an exact "main.<ext>" for a runnable extension, then
//	any runnable file whose name contains "main", then the first runnable
//	file that is not test-, util-, or init-like, then the first runnable
//	file at all. Ties within a priority level resolve in input order.
//
// Inputs:
//
//	files - Paths relative to the staging root, in a stable order.
//
// Outputs:
//
//	string - The chosen entry file.
//	error - Non-nil when no runnable file exists.
func FindEntry(files []string) (string, error) {
	var containsMain, plain, anyRunnable string

	for _, f := range files {
		if !isRunnable(f) {
			continue
		}
		base := filepath.Base(f)
		stem := strings.TrimSuffix(base, filepath.Ext(base))

		if stem == "main" {
			return f, nil
		}
		if containsMain == "" && strings.Contains(strings.ToLower(stem), "main") {
			containsMain = f
		}
		if plain == "" && !isTestLike(stem) && !isUtilLike(stem) && !isInitLike(base) {
			plain = f
		}
		if anyRunnable == "" {
			anyRunnable = f
		}
	}

	switch {
	case containsMain != "":
		return containsMain, nil
	case plain != "":
		return plain, nil
	case anyRunnable != "":
		return anyRunnable, nil
	}
	return "", fmt.Errorf("no runnable file among %d staged files", len(files))
}

func isRunnable(path string) bool {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	return runnableExts[strings.ToLower(ext)]
}

func isTestLike(stem string) bool {
	s := strings.ToLower(stem)
	return strings.Contains(s, "test")
}

func isUtilLike(stem string) bool {
	s := strings.ToLower(stem)
	return strings.Contains(s, "util") || strings.Contains(s, "helper")
}

func isInitLike(base string) bool {
	s := strings.ToLower(base)
	return s == "__init__.py" || strings.TrimSuffix(s, filepath.Ext(s)) == "init" || s == "setup.py"
}
