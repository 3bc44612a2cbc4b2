// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated reference types for the identifiers
// that flow through Conclave: identity fingerprints, group IDs,
// invitation IDs, and key versions.
//
// Each type validates on construction and implements
// encoding.TextMarshaler / encoding.TextUnmarshaler, so references can
// be embedded directly in JSON and CBOR envelopes and in SQLite rows
// without separate validation at every boundary. Zero values are
// invalid and detectable via IsZero.
package ref
