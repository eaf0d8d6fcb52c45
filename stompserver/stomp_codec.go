// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/vmware/stomp-conduit/pipeline"
)

// heartBeat is written outbound to emit a STOMP heart-beat EOL.
type heartBeat struct{}

var contentLengthPrefix = []byte(frame.ContentLength + ":")

// splitFrame finds the first complete STOMP frame in buf. Heart-beat EOLs in
// front of it are skipped. advance is the number of bytes consumed, chunk the
// frame bytes including the NUL terminator, or nil if no complete frame is
// available yet.
func splitFrame(buf []byte, maxFrameSize int) (advance int, chunk []byte, err error) {
	start := 0
	for start < len(buf) {
		if buf[start] == '\n' {
			start++
		} else if buf[start] == '\r' && start+1 < len(buf) && buf[start+1] == '\n' {
			start += 2
		} else {
			break
		}
	}

	incomplete := func() (int, []byte, error) {
		if maxFrameSize > 0 && len(buf)-start > maxFrameSize {
			return 0, nil, frameTooLargeError
		}
		return start, nil, nil
	}

	pos := start
	contentLength := -1
	for first := true; ; first = false {
		i := bytes.IndexByte(buf[pos:], '\n')
		if i < 0 {
			return incomplete()
		}
		line := bytes.TrimSuffix(buf[pos:pos+i], []byte{'\r'})
		pos += i + 1
		if first {
			continue
		}
		if len(line) == 0 {
			break
		}
		if contentLength < 0 && bytes.HasPrefix(line, contentLengthPrefix) {
			n, perr := strconv.Atoi(string(line[len(contentLengthPrefix):]))
			if perr != nil || n < 0 {
				return 0, nil, invalidHeaderError
			}
			contentLength = n
		}
	}

	var end int
	if contentLength >= 0 {
		if maxFrameSize > 0 && pos-start+contentLength+1 > maxFrameSize {
			return 0, nil, frameTooLargeError
		}
		if len(buf) < pos+contentLength+1 {
			return start, nil, nil
		}
		if buf[pos+contentLength] != 0 {
			return 0, nil, invalidFrameError
		}
		end = pos + contentLength + 1
	} else {
		i := bytes.IndexByte(buf[pos:], 0)
		if i < 0 {
			return incomplete()
		}
		end = pos + i + 1
	}

	if maxFrameSize > 0 && end-start > maxFrameSize {
		return 0, nil, frameTooLargeError
	}
	return end, buf[start:end], nil
}

// stompFrameCodec turns inbound bytes into *frame.Frame values and encodes
// outbound frames and heart-beats.
type stompFrameCodec struct {
	maxFrameSize int
	buf          []byte
}

func newStompFrameCodec(maxFrameSize int) *stompFrameCodec {
	return &stompFrameCodec{maxFrameSize: maxFrameSize}
}

func (c *stompFrameCodec) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireInbound(msg)
	}
	c.buf = append(c.buf, data...)

	for len(c.buf) > 0 {
		advance, chunk, err := splitFrame(c.buf, c.maxFrameSize)
		if err != nil {
			return err
		}
		if advance == 0 {
			break
		}
		if chunk == nil {
			c.buf = c.buf[advance:]
			continue
		}

		f, err := frame.NewReader(bytes.NewReader(chunk)).Read()
		c.buf = c.buf[advance:]
		if err != nil {
			return fmt.Errorf("%w: %v", invalidFrameError, err)
		}
		if f == nil {
			continue
		}
		if err := ctx.FireInbound(f); err != nil {
			return err
		}
	}

	if len(c.buf) == 0 {
		c.buf = nil
	} else {
		c.buf = append([]byte(nil), c.buf...)
	}
	return nil
}

func (c *stompFrameCodec) HandleOutbound(ctx *pipeline.Context, msg interface{}) (interface{}, error) {
	switch m := msg.(type) {
	case *frame.Frame:
		var buf bytes.Buffer
		if err := frame.NewWriter(&buf).Write(m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case heartBeat:
		return []byte{'\n'}, nil
	}
	return msg, nil
}
