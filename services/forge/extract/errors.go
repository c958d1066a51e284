// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extract

import "errors"

// ErrInputTooLarge indicates the agent turn exceeds the configured size cap.
var ErrInputTooLarge = errors.New("input exceeds maximum size")

// ErrInvalidContent indicates the agent turn is not valid UTF-8.
var ErrInvalidContent = errors.New("input is not valid UTF-8")

// ErrParseFailed indicates the markdown parser could not produce a tree.
var ErrParseFailed = errors.New("markdown parse failed")
