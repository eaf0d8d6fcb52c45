// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/pipeline"
)

// ProtocolDetector is the only stage of a freshly accepted connection. It
// buffers input until the first non-empty line is complete, classifies the
// connection from that line, replaces itself with the chain for the selected
// transport and replays everything it buffered into the new chain.
type ProtocolDetector struct {
	cctx     *ConnectionContext
	maxBytes int
	assemble func(Transport) []pipeline.Stage
	buf      []byte
}

func NewProtocolDetector(cctx *ConnectionContext, opts AssemblyOptions) *ProtocolDetector {
	return &ProtocolDetector{
		cctx:     cctx,
		maxBytes: cctx.Config().MaxDetectBytes(),
		assemble: func(t Transport) []pipeline.Stage {
			return Assemble(t, cctx, opts)
		},
	}
}

// Classify maps the first line of a connection to its transport.
func Classify(line string) Transport {
	if strings.HasPrefix(line, "CONNECT") || strings.HasPrefix(line, "STOMP") {
		return TransportStomp
	}
	return TransportWebSocket
}

// firstLine returns the first line of buf that is not a bare EOL, without its
// line terminator. ok is false until that line is complete.
func firstLine(buf []byte) (line []byte, ok bool) {
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
	i := bytes.IndexByte(buf[start:], '\n')
	if i < 0 {
		return nil, false
	}
	return bytes.TrimSuffix(buf[start:start+i], []byte{'\r'}), true
}

func (d *ProtocolDetector) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireInbound(msg)
	}
	d.buf = append(d.buf, data...)

	line, found := firstLine(d.buf)
	if !found {
		if d.maxBytes > 0 && len(d.buf) > d.maxBytes {
			d.cctx.metrics.detectionFailed()
			return &ClassificationError{Reason: fmt.Sprintf("no line terminator in the first %d bytes", d.maxBytes)}
		}
		return nil
	}
	if !utf8.Valid(line) {
		d.cctx.metrics.detectionFailed()
		return &ClassificationError{Reason: "first line is not valid UTF-8 text"}
	}

	transport := Classify(string(line))
	block := d.buf
	d.buf = nil

	if err := ctx.Pipeline().Replace(d.assemble(transport)); err != nil {
		return err
	}
	d.cctx.setTransport(transport)
	log.Log.Fields(logrus.Fields{
		"conn":      d.cctx.ID(),
		"transport": transport.String(),
	}).Debug("transport detected")

	return ctx.Pipeline().FireInbound(block)
}
