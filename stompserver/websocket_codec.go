// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"bytes"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/pipeline"
	"github.com/vmware/stomp-conduit/wsframe"
)

// webSocketFrameCodec unwraps draft-00 WebSocket frames into their payload
// bytes and wraps every outbound byte slice into one frame.
type webSocketFrameCodec struct {
	decoder       wsframe.Decoder
	buf           []byte
	closeReceived int32
}

func newWebSocketFrameCodec(maxPayload int) *webSocketFrameCodec {
	return &webSocketFrameCodec{decoder: wsframe.Decoder{MaxPayload: maxPayload}}
}

func (c *webSocketFrameCodec) closedCleanly() bool {
	return atomic.LoadInt32(&c.closeReceived) == 1
}

func (c *webSocketFrameCodec) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	data, ok := msg.([]byte)
	if !ok {
		return ctx.FireInbound(msg)
	}
	if c.closedCleanly() {
		return nil
	}
	c.buf = append(c.buf, data...)

	for len(c.buf) > 0 {
		f, n, err := c.decoder.Decode(c.buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		c.buf = c.buf[n:]

		switch f.Kind {
		case wsframe.Text, wsframe.Binary:
			if err := ctx.FireInbound(f.Payload); err != nil {
				return err
			}
		case wsframe.Close:
			atomic.StoreInt32(&c.closeReceived, 1)
			c.buf = nil
			reply, _ := wsframe.Encode(wsframe.NewCloseFrame())
			ctx.Write(reply)
			return ctx.Close()
		}
	}

	if len(c.buf) == 0 {
		c.buf = nil
	} else {
		c.buf = append([]byte(nil), c.buf...)
	}
	return nil
}

func (c *webSocketFrameCodec) HandleOutbound(ctx *pipeline.Context, msg interface{}) (interface{}, error) {
	switch m := msg.(type) {
	case []byte:
		f := wsframe.NewTextFrame(m)
		if bytes.IndexByte(m, 0xFF) >= 0 {
			f = wsframe.NewBinaryFrame(m)
		}
		return wsframe.Encode(f)
	case wsframe.Frame:
		return wsframe.Encode(m)
	}
	return msg, nil
}

// webSocketDisorderlyClose notices WebSocket connections that went away
// without a close frame.
type webSocketDisorderlyClose struct {
	cctx  *ConnectionContext
	codec *webSocketFrameCodec
}

func (h *webSocketDisorderlyClose) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	return ctx.FireInbound(msg)
}

func (h *webSocketDisorderlyClose) HandleClosed(ctx *pipeline.Context) {
	if h.codec.closedCleanly() {
		return
	}
	log.Log.Fields(logrus.Fields{"conn": h.cctx.ID()}).Debug("websocket closed without a close frame")
	h.cctx.release()
}
