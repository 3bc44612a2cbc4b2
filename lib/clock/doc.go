// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance it deterministically.
//
// Invitation expiry is a pure function of (now, expires_at, status)
// evaluated on access, so the access controller needs Now; the optional
// expiry sweep loop needs After. Nothing in Conclave calls the time
// package directly for either.
package clock
