// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Conclave's standard CBOR encoding. Envelopes
// exchanged over the transport are framed with it; nothing else in the
// repository imports fxamacker/cbor directly.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): the same envelope
// always produces identical bytes, which keeps signatures over encoded
// payloads stable. Decoding ignores unknown fields so old parties can
// read envelopes from newer ones.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// ref types (Fingerprint, GroupID, InvitationID) implement
	// encoding.TextMarshaler and must serialize as CBOR text strings.
	// Their data is unexported, so without this they would encode as
	// empty maps.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Envelope map keys are always strings; any-typed targets
		// decode to map[string]any rather than the CBOR default of
		// map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Mirror of the TextMarshaler setting above, for round-trip
		// correctness of ref types.
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of an
// envelope body until its type is known.
type RawMessage = cbor.RawMessage
