// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "errors"

// Sentinel errors identifying the error kinds this package reports.
// Call sites wrap these with fmt.Errorf("...: %w", ErrX) to add
// context, the same way the rest of this codebase wraps plain errors
// -- there is no exception hierarchy here, just these four sentinels
// to classify failures for callers that care (e.g. to decide an exit
// code).
var (
	ErrConfig    = errors.New("invalid build configuration")
	ErrIO        = errors.New("i/o error")
	ErrFormat    = errors.New("malformed input")
	ErrInvariant = errors.New("internal invariant violated")
)
