// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import "regexp"

// Hidden-error patterns. Generated programs frequently wrap risky sections in
// a broad try/except (or recover) and print the failure instead of raising,
// so a clean exit code proves nothing. Any match in stdout reclassifies the
// attempt as a failure with the full stdout as diagnostic.
//
// The set is intentionally loose: a false positive costs one extra repair
// round, a false negative ships broken code.
var hiddenErrorPatterns = []*regexp.Regexp{
	// Python stack-trace header, with or without the frames following it.
	regexp.MustCompile(`Traceback \(most recent call last\)`),

	// Named exception classes printed by a catch-and-print handler:
	// "ValueError: ...", "RuntimeError: ...", "CUDAException: ...".
	regexp.MustCompile(`(?m)^\s*[A-Z]\w*(?:Error|Exception)\s*:`),

	// Go runtime panics.
	regexp.MustCompile(`(?m)^panic: `),

	// Common failure phrasings that survive a swallowed exception.
	regexp.MustCompile(`(?i)has no attribute`),
	regexp.MustCompile(`(?i)cannot be broadcast`),
	regexp.MustCompile(`(?i)\btraining failed\b`),
	regexp.MustCompile(`(?i)\ban error occurred\b`),
	regexp.MustCompile(`(?i)\berror occurred\b`),
	regexp.MustCompile(`(?i)segmentation fault`),
	regexp.MustCompile(`(?i)\bout of memory\b`),
	regexp.MustCompile(`(?i)assertion (?:failed|error)`),
	regexp.MustCompile(`(?m)\bFAILED\b`),
}

// scanHiddenErrors returns the pattern string of the first hidden-error match
// in out, or "" when out is clean.
func scanHiddenErrors(out string) string {
	for _, p := range hiddenErrorPatterns {
		if p.MatchString(out) {
			return p.String()
		}
	}
	return ""
}
