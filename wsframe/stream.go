// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package wsframe

import (
	"io"
)

const defaultReadSize = 4096

// Reader reads frames from a blocking byte stream.
type Reader struct {
	r       io.Reader
	decoder Decoder
	buf     []byte
	chunk   []byte
}

func NewReader(r io.Reader) *Reader {
	return NewReaderLimit(r, 0)
}

// NewReaderLimit returns a Reader that rejects frames whose payload exceeds maxPayload.
func NewReaderLimit(r io.Reader, maxPayload int) *Reader {
	return &Reader{
		r:       r,
		decoder: Decoder{MaxPayload: maxPayload},
		chunk:   make([]byte, defaultReadSize),
	}
}

// Read blocks until one complete frame is available.
func (fr *Reader) Read() (Frame, error) {
	for {
		f, n, err := fr.decoder.Decode(fr.buf)
		if err != nil {
			return Frame{}, err
		}
		if n > 0 {
			fr.buf = fr.buf[n:]
			return f, nil
		}

		read, err := fr.r.Read(fr.chunk)
		if read > 0 {
			fr.buf = append(fr.buf, fr.chunk[:read]...)
			continue
		}
		if err != nil {
			if err == io.EOF && len(fr.buf) > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}

// Writer writes encoded frames to a byte stream.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (fw *Writer) Write(f Frame) error {
	var err error
	fw.buf, err = AppendEncode(fw.buf[:0], f)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(fw.buf)
	return err
}
