// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytes_ZeroesSource(t *testing.T) {
	source := []byte("group key material")
	want := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("Bytes() = %q, want %q", buffer.Bytes(), want)
	}

	// The caller's slice must no longer hold the secret.
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d = %d, want 0", index, value)
		}
	}
}

func TestNewFromBytes_Empty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) should fail")
	}
	if _, err := NewFromBytes([]byte{}); err == nil {
		t.Error("NewFromBytes(empty) should fail")
	}
}

func TestRandom(t *testing.T) {
	first, err := Random(32)
	if err != nil {
		t.Fatalf("Random() error: %v", err)
	}
	defer first.Close()
	second, err := Random(32)
	if err != nil {
		t.Fatalf("Random() error: %v", err)
	}
	defer second.Close()

	if first.Len() != 32 || second.Len() != 32 {
		t.Fatalf("lengths = %d, %d, want 32", first.Len(), second.Len())
	}
	if bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("two random buffers hold identical bytes")
	}

	allZero := true
	for _, value := range first.Bytes() {
		if value != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("Random() produced all-zero bytes")
	}
}

func TestClose_Idempotent(t *testing.T) {
	buffer, err := NewFromBytes([]byte("secret"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestBytes_PanicsAfterClose(t *testing.T) {
	buffer, err := NewFromBytes([]byte("secret"))
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close should panic")
		}
	}()
	buffer.Bytes()
}

func TestNew_InvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) should fail")
	}
	if _, err := New(-1); err == nil {
		t.Error("New(-1) should fail")
	}
}
