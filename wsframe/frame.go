// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

// Package wsframe implements the legacy draft-00 (hixie-76) WebSocket sub-framing
// used to tunnel STOMP frames through a browser WebSocket.
//
// Three frame kinds exist on the wire:
//
//	Close   80 FF
//	Text    00 <payload> FF
//	Binary  80 <5-byte length prefix> <payload>
//
// The binary length prefix is always five bytes wide: four continuation bytes
// (high bit set) carrying bits 28, 21, 14 and 7 of the length, followed by a
// terminator byte (high bit clear) carrying the low seven bits.
package wsframe

import (
	"errors"
	"fmt"
)

// Kind tags the variant carried by a Frame.
type Kind int

const (
	Close Kind = iota
	Text
	Binary
)

func (k Kind) String() string {
	switch k {
	case Close:
		return "close"
	case Text:
		return "text"
	case Binary:
		return "binary"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const (
	textStart   byte = 0x00
	textEnd     byte = 0xFF
	binaryStart byte = 0x80
	closeSecond byte = 0xFF

	lengthPrefixSize = 5
	continuationBit  = 0x80
	groupMask        = 0x7F
)

// MaxBinaryLength is the largest payload that can be encoded in a binary frame.
// A length whose top 7-bit group is 0x7F would produce the byte sequence 80 FF,
// which is indistinguishable from a close frame.
const MaxBinaryLength = int64(groupMask)<<28 - 1

var (
	ErrProtocolViolation  = errors.New("wsframe: invalid leading frame byte")
	ErrInvalidTextPayload = errors.New("wsframe: text payload contains 0xFF")
	ErrFrameTooLarge      = errors.New("wsframe: frame payload too large")
	ErrMalformedLength    = errors.New("wsframe: malformed binary length prefix")
)

// Frame is one decoded or to-be-encoded WebSocket frame. Frames are values;
// encoders never modify the payload they are given.
type Frame struct {
	Kind    Kind
	Payload []byte
}

func NewCloseFrame() Frame {
	return Frame{Kind: Close}
}

func NewTextFrame(payload []byte) Frame {
	return Frame{Kind: Text, Payload: payload}
}

func NewBinaryFrame(payload []byte) Frame {
	return Frame{Kind: Binary, Payload: payload}
}

// Equal reports whether two frames carry the same kind and payload bytes.
// A nil payload and an empty payload compare equal.
func (f Frame) Equal(o Frame) bool {
	if f.Kind != o.Kind || len(f.Payload) != len(o.Payload) {
		return false
	}
	for i := range f.Payload {
		if f.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

func (f Frame) String() string {
	return fmt.Sprintf("[%s frame, %d bytes]", f.Kind, len(f.Payload))
}
