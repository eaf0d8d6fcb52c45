// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vmware/stomp-conduit/log"
	"github.com/vmware/stomp-conduit/pipeline"
)

const (
	maxHandshakeBytes = 16 * 1024
	hixie76KeySize    = 8

	headerKey1     = "Sec-WebSocket-Key1"
	headerKey2     = "Sec-WebSocket-Key2"
	headerProtocol = "Sec-WebSocket-Protocol"
	headerOrigin   = "Sec-WebSocket-Origin"
	headerLocation = "Sec-WebSocket-Location"
)

var stompSubProtocols = []string{"v12.stomp", "v11.stomp", "v10.stomp", "stomp"}

// handshakeRequest is the parsed upgrade request plus the eight key bytes a
// draft-00 client sends after the headers.
type handshakeRequest struct {
	Request *http.Request
	Key3    []byte
}

type handshakeResponse struct {
	Status string
	Header http.Header
	Body   []byte
}

func (r *handshakeResponse) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 " + r.Status + "\r\n")
	r.Header.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// httpCodec decodes the HTTP upgrade request and encodes the handshake
// response. Once the request has been decoded it passes bytes through
// unchanged in both directions.
type httpCodec struct {
	buf      []byte
	upgraded bool
}

func newHTTPCodec() *httpCodec {
	return &httpCodec{}
}

func (c *httpCodec) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	data, ok := msg.([]byte)
	if !ok || c.upgraded {
		return ctx.FireInbound(msg)
	}
	c.buf = append(c.buf, data...)

	end := bytes.Index(c.buf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(c.buf) > maxHandshakeBytes {
			return &ClassificationError{Reason: "http request header too large"}
		}
		return nil
	}
	end += 4

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(c.buf[:end])))
	if err != nil {
		return &ClassificationError{Reason: "invalid http request: " + err.Error()}
	}
	keyLen := 0
	if req.Header.Get(headerKey1) != "" {
		keyLen = hixie76KeySize
	}
	if len(c.buf) < end+keyLen {
		return nil
	}

	key3 := append([]byte(nil), c.buf[end:end+keyLen]...)
	rest := c.buf[end+keyLen:]
	c.buf = nil
	c.upgraded = true

	if err := ctx.FireInbound(&handshakeRequest{Request: req, Key3: key3}); err != nil {
		return err
	}
	if len(rest) > 0 {
		return ctx.FireInbound(rest)
	}
	return nil
}

func (c *httpCodec) HandleOutbound(ctx *pipeline.Context, msg interface{}) (interface{}, error) {
	if r, ok := msg.(*handshakeResponse); ok {
		return r.encode(), nil
	}
	return msg, nil
}

// webSocketHandshake answers a draft-00 (hixie-76) upgrade request.
type webSocketHandshake struct {
	allowedOrigins []string
}

func (h *webSocketHandshake) HandleInbound(ctx *pipeline.Context, msg interface{}) error {
	hr, ok := msg.(*handshakeRequest)
	if !ok {
		return ctx.FireInbound(msg)
	}

	resp, err := h.respond(hr)
	if err != nil {
		return err
	}
	log.Log.Fields(logrus.Fields{
		"path":   hr.Request.URL.Path,
		"origin": hr.Request.Header.Get("Origin"),
	}).Debug("websocket handshake accepted")
	return ctx.Write(resp)
}

func (h *webSocketHandshake) respond(hr *handshakeRequest) (*handshakeResponse, error) {
	req := hr.Request
	if req.Method != http.MethodGet {
		return nil, &ClassificationError{Reason: "websocket upgrade must use GET, got " + req.Method}
	}
	if !headerContainsToken(req.Header, "Upgrade", "websocket") ||
		!headerContainsToken(req.Header, "Connection", "upgrade") {
		return nil, &ClassificationError{Reason: "not a websocket upgrade request"}
	}
	key1, key2 := req.Header.Get(headerKey1), req.Header.Get(headerKey2)
	if key1 == "" || key2 == "" {
		return nil, &ClassificationError{Reason: "unsupported websocket handshake: draft-00 keys missing"}
	}

	origin := req.Header.Get("Origin")
	if !originAllowed(origin, req.Host, h.allowedOrigins) {
		return nil, &ClassificationError{Reason: "origin not allowed: " + origin}
	}

	challenge, err := hixie76Challenge(key1, key2, hr.Key3)
	if err != nil {
		return nil, &ClassificationError{Reason: err.Error()}
	}

	header := http.Header{}
	header["Upgrade"] = []string{"WebSocket"}
	header["Connection"] = []string{"Upgrade"}
	header[headerOrigin] = []string{origin}
	header[headerLocation] = []string{"ws://" + req.Host + req.URL.RequestURI()}
	if protocol := negotiateSubProtocol(req.Header.Get(headerProtocol)); protocol != "" {
		header[headerProtocol] = []string{protocol}
	}

	return &handshakeResponse{
		Status: "101 WebSocket Protocol Handshake",
		Header: header,
		Body:   challenge,
	}, nil
}

// negotiateSubProtocol picks the first requested protocol that names a STOMP
// version.
func negotiateSubProtocol(requested string) string {
	for _, p := range strings.Split(requested, ",") {
		p = strings.TrimSpace(p)
		for _, supported := range stompSubProtocols {
			if strings.EqualFold(p, supported) {
				return supported
			}
		}
	}
	return ""
}

// hixie76KeyNumber divides the digits of a draft-00 key by its number of spaces.
func hixie76KeyNumber(key string) (uint32, error) {
	var digits uint64
	spaces := uint64(0)
	for _, r := range key {
		switch {
		case r >= '0' && r <= '9':
			digits = digits*10 + uint64(r-'0')
			if digits > 1<<53 {
				return 0, fmt.Errorf("websocket key %q out of range", key)
			}
		case r == ' ':
			spaces++
		}
	}
	if spaces == 0 || digits%spaces != 0 {
		return 0, fmt.Errorf("invalid websocket key %q", key)
	}
	n := digits / spaces
	if n > 0xFFFFFFFF {
		return 0, fmt.Errorf("websocket key %q out of range", key)
	}
	return uint32(n), nil
}

// hixie76Challenge computes the 16 byte response to a draft-00 handshake.
func hixie76Challenge(key1, key2 string, key3 []byte) ([]byte, error) {
	if len(key3) != hixie76KeySize {
		return nil, fmt.Errorf("websocket key3 must be %d bytes, got %d", hixie76KeySize, len(key3))
	}
	n1, err := hixie76KeyNumber(key1)
	if err != nil {
		return nil, err
	}
	n2, err := hixie76KeyNumber(key2)
	if err != nil {
		return nil, err
	}
	challenge := make([]byte, 16)
	binary.BigEndian.PutUint32(challenge[0:4], n1)
	binary.BigEndian.PutUint32(challenge[4:8], n2)
	copy(challenge[8:], key3)
	sum := md5.Sum(challenge)
	return sum[:], nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}

// originAllowed reports whether a browser at origin may connect to host. An
// empty allow list or a request without an origin is always allowed, as is a
// same-host origin.
func originAllowed(origin string, host string, allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	for _, allowed := range allowedOrigins {
		if strings.EqualFold(u.Host, allowed) {
			return true
		}
	}
	return false
}
