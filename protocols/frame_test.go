// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package protocols

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameRoundTrip(t *testing.T) {
	assert := assert.New(t)

	frames := []*Frame{
		{Type: TypeCreateTask, Correlation: 1, Payload: []byte(`{"id":"task"}`)},
		{Type: TypeWait, Flags: FlagResponse, Correlation: 42, Payload: []byte(`{"exitCode":0}`)},
		{Type: TypeIOData, Stream: 7, Payload: []byte("stdout bytes")},
		{Type: TypeIOClose, Stream: 7},
		{Type: TypeShutdown, Correlation: 3, Payload: []byte(`{}`)},
	}

	for _, want := range frames {
		var buf bytes.Buffer
		err := WriteFrame(&buf, want)
		assert.NoError(err)

		got, err := ReadFrame(&buf)
		assert.NoError(err)
		assert.Equal(want.Type, got.Type)
		assert.Equal(want.Flags, got.Flags)
		assert.Equal(want.Correlation, got.Correlation)
		assert.Equal(want.Stream, got.Stream)
		assert.Equal(want.Payload, got.Payload)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	err := WriteFrame(&buf, &Frame{Type: TypeIOClose, Stream: 9})
	assert.NoError(err)

	got, err := ReadFrame(&buf)
	assert.NoError(err)
	assert.Equal(TypeIOClose, got.Type)
	assert.Equal(uint32(9), got.Stream)
	assert.Nil(got.Payload)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	err := WriteFrame(&buf, &Frame{
		Type:    TypeIOData,
		Payload: make([]byte, maxPayloadSize+1),
	})
	assert.Error(err)
	assert.Zero(buf.Len())
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	err := WriteFrame(&buf, &Frame{Type: TypeEvent})
	assert.NoError(err)

	// Corrupt the type byte, right after the length prefix.
	raw := buf.Bytes()
	raw[4] = 0xff

	_, err = ReadFrame(bytes.NewReader(raw))
	assert.Error(err)
}

func TestReadFrameRejectsShortLength(t *testing.T) {
	assert := assert.New(t)

	// A length below the fixed header size is malformed.
	raw := []byte{0, 0, 0, frameHeaderSize - 1}
	_, err := ReadFrame(bytes.NewReader(raw))
	assert.Error(err)
}

func TestTypeValid(t *testing.T) {
	assert := assert.New(t)

	for _, typ := range []Type{
		TypeCreateTask, TypeStartProcess, TypeSignal, TypeWait,
		TypeIOData, TypeIOClose, TypeShutdown, TypeEvent,
	} {
		assert.True(typ.Valid(), typ.String())
		assert.NotEqual("Unknown", typ.String())
	}

	assert.False(Type(0).Valid())
	assert.False(typeMax.Valid())
	assert.Equal("Unknown", Type(0).String())
}
