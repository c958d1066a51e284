// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package personas

import "errors"

var (
	// ErrUnknownRole indicates a role name outside the five personas.
	ErrUnknownRole = errors.New("unknown persona role")

	// ErrInvalidModelMap indicates a role bound to an empty model name.
	ErrInvalidModelMap = errors.New("invalid model map")
)
