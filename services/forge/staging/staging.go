// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package staging manages the directory where generated code is
// materialized before execution.
//
// One Area owns one root. The root is fully cleared and recreated at run
// start, every saved path is sanitized so it cannot escape the root, and
// package-root markers (go.mod, __init__.py) are created when artifacts
// use a directory-style layout. Two concurrent runs must never share a
// root; ForRun derives a run-unique root for callers that serve multiple
// runs from one base directory.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/module"

	"github.com/AleutianAI/AleutianForge/services/forge/extract"
)

const (
	// defaultDirPerm is the mode for created directories.
	defaultDirPerm = 0o755

	// defaultFilePerm is the mode for saved artifacts.
	defaultFilePerm = 0o644

	// goModuleName names the throwaway module written into Go staging
	// roots so directory-layout imports resolve. The name must pass
	// module path validation or `go run` refuses the tree.
	goModuleName = "forge.local/staged"
)

// disallowedChars matches filename bytes that are replaced during
// sanitization. Path separators are handled structurally, not here.
var disallowedChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Area is one run's staging root.
//
// Thread Safety: Area methods are not safe for concurrent use. One run
// owns one Area and touches it from a single goroutine.
type Area struct {
	root string
}

// New creates an Area rooted at the given directory.
//
// Inputs:
//
//	root - Absolute or relative path; cleaned but not created. Reset
//	       creates it.
//
// Outputs:
//
//	*Area - The staging area.
//	error - Non-nil when root is empty or degenerate.
func New(root string) (*Area, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("staging root must not be empty")
	}
	clean := filepath.Clean(root)
	if clean == "/" || clean == "." || clean == ".." {
		return nil, fmt.Errorf("refusing staging root %q", clean)
	}
	return &Area{root: clean}, nil
}

// ForRun derives a run-unique staging root under base.
//
// Concurrent runs sharing one root corrupt each other; suffixing the
// run ID gives each run a private tree.
func ForRun(base, runID string) string {
	return filepath.Join(base, "run-"+sanitizeSegment(runID))
}

// Root returns the area's root directory.
func (a *Area) Root() string {
	return a.root
}

// Reset clears and recreates the root.
//
// Description:
//
//	Removes the entire tree under the root and recreates it empty. Called
//	at run start and again on a tier-3 escalation, which discards all
//	previously staged code.
func (a *Area) Reset() error {
	if err := os.RemoveAll(a.root); err != nil {
		return fmt.Errorf("clearing staging root %s: %w", a.root, err)
	}
	if err := os.MkdirAll(a.root, defaultDirPerm); err != nil {
		return fmt.Errorf("creating staging root %s: %w", a.root, err)
	}
	return nil
}

// SavedFile describes one artifact written into the root.
type SavedFile struct {
	// Path is the sanitized path relative to the root.
	Path string

	// AbsPath is the absolute on-disk location.
	AbsPath string

	// Language is the artifact's fence language tag.
	Language string
}

// SaveAll writes a batch of extracted artifacts into the root.
//
// Description:
//
//	Each path is sanitized and written, then package markers are created
//	from the shape of the whole batch: a minimal validated go.mod when Go
//	files form a multi-file or directory layout, and __init__.py for
//	every Python package directory.
//
// Inputs:
//
//	artifacts - Extracted code regions; Filename and Code must be set.
//
// Outputs:
//
//	[]SavedFile - One entry per artifact, in input order.
//	error - Non-nil on the first sanitization or I/O failure.
func (a *Area) SaveAll(artifacts []extract.Artifact) ([]SavedFile, error) {
	saved := make([]SavedFile, 0, len(artifacts))
	for _, art := range artifacts {
		f, err := a.save(art.Filename, art.Code, art.Language)
		if err != nil {
			return nil, err
		}
		saved = append(saved, f)
	}
	if err := a.ensureMarkers(saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// save writes one artifact to a sanitized path inside the root.
func (a *Area) save(relPath, code, language string) (SavedFile, error) {
	clean, err := SanitizePath(relPath)
	if err != nil {
		return SavedFile{}, err
	}

	abs := filepath.Join(a.root, clean)
	if !strings.HasPrefix(abs, a.root+string(filepath.Separator)) {
		return SavedFile{}, fmt.Errorf("sanitized path %q escapes staging root", relPath)
	}

	if dir := filepath.Dir(abs); dir != a.root {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return SavedFile{}, fmt.Errorf("creating artifact directory: %w", err)
		}
	}
	if err := os.WriteFile(abs, []byte(code), defaultFilePerm); err != nil {
		return SavedFile{}, fmt.Errorf("writing artifact %s: %w", clean, err)
	}
	return SavedFile{Path: clean, AbsPath: abs, Language: language}, nil
}

// SanitizePath normalizes an artifact path to a safe root-relative form.
//
// Description:
//
//	Backslashes become slashes, the path is cleaned, traversal and
//	absolute segments are stripped, and remaining disallowed characters
//	are replaced with underscores. An empty result is an error rather
//	than a silent default.
func SanitizePath(p string) (string, error) {
	s := strings.ReplaceAll(p, "\\", "/")
	s = filepath.ToSlash(filepath.Clean(s))
	s = strings.TrimPrefix(s, "/")

	var kept []string
	for _, seg := range strings.Split(s, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		kept = append(kept, sanitizeSegment(seg))
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("path %q is empty after sanitization", p)
	}
	return filepath.Join(kept...), nil
}

func sanitizeSegment(seg string) string {
	return disallowedChars.ReplaceAllString(seg, "_")
}

// ensureMarkers creates package-root markers implied by the batch layout.
func (a *Area) ensureMarkers(saved []SavedFile) error {
	goFiles := 0
	goInSubdir := false
	for _, f := range saved {
		switch filepath.Ext(f.Path) {
		case ".go":
			goFiles++
			if filepath.Dir(f.Path) != "." {
				goInSubdir = true
			}
		case ".py":
			if err := a.ensurePythonPackages(f.Path); err != nil {
				return err
			}
		}
	}

	// A lone root-level Go file runs without a module; anything bigger
	// needs go.mod for `go run .` and cross-directory imports.
	if goFiles >= 2 || goInSubdir {
		return a.ensureGoModule()
	}
	return nil
}

// ensureGoModule writes a minimal go.mod at the root when none exists.
func (a *Area) ensureGoModule() error {
	if err := module.CheckPath(goModuleName); err != nil {
		return fmt.Errorf("staging module name %q invalid: %w", goModuleName, err)
	}

	path := filepath.Join(a.root, "go.mod")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking go.mod: %w", err)
	}

	content := fmt.Sprintf("module %s\n\ngo 1.22\n", goModuleName)
	if err := os.WriteFile(path, []byte(content), defaultFilePerm); err != nil {
		return fmt.Errorf("writing go.mod marker: %w", err)
	}
	return nil
}

// ensurePythonPackages drops __init__.py into every directory between the
// root and the saved file so package imports resolve.
func (a *Area) ensurePythonPackages(relPath string) error {
	dir := filepath.Dir(relPath)
	for dir != "." && dir != "/" {
		marker := filepath.Join(a.root, dir, "__init__.py")
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			if werr := os.WriteFile(marker, nil, defaultFilePerm); werr != nil {
				return fmt.Errorf("writing package marker %s: %w", marker, werr)
			}
		} else if err != nil {
			return fmt.Errorf("checking package marker: %w", err)
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// List returns the relative paths of all regular files under the root in
// walk order.
func (a *Area) List() ([]string, error) {
	var files []string
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(a.root, path)
		if rerr != nil {
			return rerr
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing staging root: %w", err)
	}
	return files, nil
}
