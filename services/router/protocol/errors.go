// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import "errors"

var (
	// ErrFrameTooLarge is returned when a frame exceeds its size limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")

	// ErrInvalidMessage is returned when a frame payload fails to decode.
	ErrInvalidMessage = errors.New("invalid message payload")
)
