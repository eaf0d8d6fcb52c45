// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package wsframe

import (
	"bytes"
	"fmt"
)

// Encode returns the wire bytes for f.
func Encode(f Frame) ([]byte, error) {
	return AppendEncode(nil, f)
}

// EncodedLen returns the number of wire bytes f occupies once encoded.
func EncodedLen(f Frame) int {
	switch f.Kind {
	case Close:
		return 2
	case Text:
		return len(f.Payload) + 2
	case Binary:
		return 1 + lengthPrefixSize + len(f.Payload)
	}
	return 0
}

// AppendEncode appends the wire bytes for f to dst and returns the extended slice.
func AppendEncode(dst []byte, f Frame) ([]byte, error) {
	switch f.Kind {
	case Close:
		return append(dst, binaryStart, closeSecond), nil

	case Text:
		if bytes.IndexByte(f.Payload, textEnd) >= 0 {
			return dst, ErrInvalidTextPayload
		}
		dst = append(dst, textStart)
		dst = append(dst, f.Payload...)
		return append(dst, textEnd), nil

	case Binary:
		n := int64(len(f.Payload))
		if n > MaxBinaryLength {
			return dst, ErrFrameTooLarge
		}
		dst = append(dst, binaryStart,
			byte(n>>28&groupMask|continuationBit),
			byte(n>>21&groupMask|continuationBit),
			byte(n>>14&groupMask|continuationBit),
			byte(n>>7&groupMask|continuationBit),
			byte(n&groupMask))
		return append(dst, f.Payload...), nil
	}

	return dst, fmt.Errorf("wsframe: cannot encode %s", f.Kind)
}

// Decoder decodes frames from an accumulating byte buffer.
type Decoder struct {
	// MaxPayload bounds the payload of a single frame. Zero means no limit.
	MaxPayload int
}

// Decode decodes a frame from buf using a Decoder with no payload limit.
func Decode(buf []byte) (Frame, int, error) {
	return Decoder{}.Decode(buf)
}

// Decode parses one frame from the start of buf. It returns the frame and the
// number of bytes consumed. If buf holds only part of a frame, it returns
// n == 0 and a nil error; the caller should retry once more bytes arrive.
// The returned payload never aliases buf.
func (d Decoder) Decode(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, nil
	}

	switch buf[0] {
	case textStart:
		end := bytes.IndexByte(buf[1:], textEnd)
		if end < 0 {
			if d.MaxPayload > 0 && len(buf)-1 > d.MaxPayload {
				return Frame{}, 0, ErrFrameTooLarge
			}
			return Frame{}, 0, nil
		}
		if d.MaxPayload > 0 && end > d.MaxPayload {
			return Frame{}, 0, ErrFrameTooLarge
		}
		payload := make([]byte, end)
		copy(payload, buf[1:1+end])
		return NewTextFrame(payload), end + 2, nil

	case binaryStart:
		if len(buf) < 2 {
			return Frame{}, 0, nil
		}
		if buf[1] == closeSecond {
			return NewCloseFrame(), 2, nil
		}
		return d.decodeBinary(buf)
	}

	return Frame{}, 0, ErrProtocolViolation
}

func (d Decoder) decodeBinary(buf []byte) (Frame, int, error) {
	var length int64
	offset := 1
	for {
		if offset > lengthPrefixSize {
			return Frame{}, 0, ErrMalformedLength
		}
		if offset >= len(buf) {
			return Frame{}, 0, nil
		}
		b := buf[offset]
		offset++
		length = length<<7 | int64(b&groupMask)
		if b&continuationBit == 0 {
			break
		}
	}

	if length > MaxBinaryLength || (d.MaxPayload > 0 && length > int64(d.MaxPayload)) {
		return Frame{}, 0, ErrFrameTooLarge
	}

	total := offset + int(length)
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:total])
	return NewBinaryFrame(payload), total, nil
}
