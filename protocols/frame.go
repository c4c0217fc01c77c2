// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package protocols

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Wire layout of a frame, all integers big endian:
//
//	length      uint32  size of everything after this field
//	type        uint8
//	flags       uint8
//	correlation uint64
//	stream      uint32
//	payload     [length-14]byte
const (
	frameHeaderSize = 14

	// maxPayloadSize bounds a single frame. Stdio is chunked below this by
	// the stream writers; a frame above it is a protocol violation.
	maxPayloadSize = 4 << 20
)

// Frame is the unit exchanged over the virtual socket.
type Frame struct {
	Type        Type
	Flags       uint8
	Correlation uint64
	Stream      uint32
	Payload     []byte
}

// IsResponse tells whether the frame replies to a pending request.
func (f *Frame) IsResponse() bool {
	return f.Flags&FlagResponse != 0
}

// IsError tells whether a response frame carries an ErrorResponse payload.
func (f *Frame) IsError() bool {
	return f.Flags&FlagError != 0
}

// WriteFrame marshals f to w as a single length-prefixed frame. The caller
// must serialize concurrent writes; the connection layer owns that lock.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > maxPayloadSize {
		return errors.Errorf("frame payload %d bytes exceeds limit %d", len(f.Payload), maxPayloadSize)
	}

	hdr := make([]byte, 4+frameHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(frameHeaderSize+len(f.Payload)))
	hdr[4] = byte(f.Type)
	hdr[5] = f.Flags
	binary.BigEndian.PutUint64(hdr[6:14], f.Correlation)
	binary.BigEndian.PutUint32(hdr[14:18], f.Stream)

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < frameHeaderSize {
		return nil, errors.Errorf("frame length %d shorter than header", length)
	}
	if length > frameHeaderSize+maxPayloadSize {
		return nil, errors.Errorf("frame length %d exceeds limit", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	f := &Frame{
		Type:        Type(buf[0]),
		Flags:       buf[1],
		Correlation: binary.BigEndian.Uint64(buf[2:10]),
		Stream:      binary.BigEndian.Uint32(buf[10:14]),
	}
	if !f.Type.Valid() {
		return nil, errors.Errorf("unknown frame type %#x", buf[0])
	}
	if length > frameHeaderSize {
		f.Payload = buf[frameHeaderSize:]
	}
	return f, nil
}
