// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package frames

import (
	"bytes"
	"encoding/binary"

	"github.com/golang-auth/go-amqp-sasl/common"
)

// constructors for the type subset SASL frames use
const (
	ctorDescribed  = 0x00
	ctorNull       = 0x40
	ctorULong0     = 0x44
	ctorList0      = 0x45
	ctorUByte      = 0x50
	ctorSmallULong = 0x53
	ctorULong      = 0x80
	ctorVbin8      = 0xa0
	ctorStr8       = 0xa1
	ctorSym8       = 0xa3
	ctorVbin32     = 0xb0
	ctorStr32      = 0xb1
	ctorSym32      = 0xb3
	ctorList8      = 0xc0
	ctorList32     = 0xd0
	ctorArray8     = 0xe0
	ctorArray32    = 0xf0
)

// A Writer renders bodies into SASL frames, splitting payloads that do
// not fit the max frame size across several frames. Rendered frames
// accumulate until Drain is called.
//
// Every non-final frame of a split body is exactly max bytes long and
// the final one is strictly shorter; that length rule is how the peer's
// Reader tells continuations from complete bodies, so both ends of a
// connection must agree on the max frame size.
type Writer struct {
	max uint32
	out bytes.Buffer
}

func NewWriter(max uint32) *Writer {
	if max < MinMaxFrameSize {
		max = MinMaxFrameSize
	}

	return &Writer{max: max}
}

func (w *Writer) SetMaxFrameSize(max uint32) {
	if max >= MinMaxFrameSize {
		w.max = max
	}
}

// Drain returns the frames rendered since the last call, or nil.
func (w *Writer) Drain() []byte {
	if w.out.Len() == 0 {
		return nil
	}

	out := make([]byte, w.out.Len())
	copy(out, w.out.Bytes())
	w.out.Reset()

	return out
}

func (w *Writer) WriteFrame(b Body) error {
	body := encodeBody(b, false)
	if uint32(frameHeaderSize+len(body)) < w.max {
		writeFrame(&w.out, body)
		return nil
	}

	return w.writeFragmented(b)
}

func (w *Writer) writeFragmented(b Body) error {
	p, ok := payload(b)
	if !ok {
		return common.ProtoErrorf(b.Name(), "body cannot be split across frames")
	}

	// Per-frame payload capacity, measured by rendering an empty chunk
	// through the wide encodings non-final frames use. Wide encodings
	// have a fixed overhead, so capacity does not shift as the chunk
	// grows.
	capFirst := int(w.max) - frameHeaderSize - len(encodeBody(fragment(b, true, []byte{}), true))
	capNext := int(w.max) - frameHeaderSize - len(encodeBody(fragment(b, false, []byte{}), true))
	if capFirst < 0 || capNext < 1 {
		return common.ProtoErrorf(b.Name(), "fields too large for max frame size %d", w.max)
	}

	if err := w.writeFull(fragment(b, true, p[:capFirst])); err != nil {
		return err
	}
	rem := p[capFirst:]

	for len(rem) >= capNext {
		if err := w.writeFull(fragment(b, false, rem[:capNext])); err != nil {
			return err
		}
		rem = rem[capNext:]
	}

	// The final frame is under max even when rem is empty; a peer sees
	// the short frame and knows the body is complete.
	writeFrame(&w.out, encodeBody(fragment(b, false, rem), false))

	return nil
}

// writeFull emits one non-final frame, which must come out at exactly
// the max frame size.
func (w *Writer) writeFull(b Body) error {
	body := encodeBody(b, true)
	if uint32(frameHeaderSize+len(body)) != w.max {
		return common.ProtoErrorf(b.Name(), "continuation frame is %d bytes, want %d", frameHeaderSize+len(body), w.max)
	}
	writeFrame(&w.out, body)

	return nil
}

// writeFrame wraps one encoded body in the 8 octet frame header.
func writeFrame(dst *bytes.Buffer, body []byte) {
	writeUint32(dst, uint32(frameHeaderSize+len(body)))
	dst.WriteByte(2) // doff: no extended header
	dst.WriteByte(saslFrameType)
	dst.WriteByte(0)
	dst.WriteByte(0)
	dst.Write(body)
}

// encodeBody renders a performative as a described list. Wide mode
// forces 32 bit length encodings so that frame sizes depend only on
// the payload length.
func encodeBody(b Body, wide bool) []byte {
	var elems bytes.Buffer
	var count int

	switch b := b.(type) {
	case *Mechanisms:
		writeSymbols(&elems, b.Mechanisms)
		count = 1
	case *Init:
		writeSymbol(&elems, b.Mechanism, wide)
		count = 1
		if b.InitialResponse != nil || b.Hostname != "" {
			writeBinary(&elems, b.InitialResponse, wide)
			count = 2
		}
		if b.Hostname != "" {
			writeString(&elems, b.Hostname, wide)
			count = 3
		}
	case *Challenge:
		writeBinary(&elems, notNull(b.Challenge), wide)
		count = 1
	case *Response:
		writeBinary(&elems, notNull(b.Response), wide)
		count = 1
	case *Outcome:
		writeUbyte(&elems, byte(b.Code))
		count = 1
		if b.AdditionalData != nil {
			writeBinary(&elems, b.AdditionalData, wide)
			count = 2
		}
	}

	var body bytes.Buffer
	body.WriteByte(ctorDescribed)
	body.WriteByte(ctorSmallULong)
	body.WriteByte(byte(b.descriptor()))
	writeList(&body, count, elems.Bytes(), wide)

	return body.Bytes()
}

// the challenge and response fields are mandatory; render a missing
// one as a zero-length binary rather than null
func notNull(p []byte) []byte {
	if p == nil {
		return []byte{}
	}

	return p
}

func writeList(dst *bytes.Buffer, count int, elems []byte, wide bool) {
	switch {
	case count == 0 && !wide:
		dst.WriteByte(ctorList0)
	case !wide && len(elems)+1 < 256:
		dst.WriteByte(ctorList8)
		dst.WriteByte(byte(len(elems) + 1))
		dst.WriteByte(byte(count))
	default:
		dst.WriteByte(ctorList32)
		writeUint32(dst, uint32(len(elems)+4))
		writeUint32(dst, uint32(count))
	}
	dst.Write(elems)
}

func writeBinary(dst *bytes.Buffer, p []byte, wide bool) {
	if p == nil {
		dst.WriteByte(ctorNull)
		return
	}

	if !wide && len(p) < 256 {
		dst.WriteByte(ctorVbin8)
		dst.WriteByte(byte(len(p)))
	} else {
		dst.WriteByte(ctorVbin32)
		writeUint32(dst, uint32(len(p)))
	}
	dst.Write(p)
}

func writeString(dst *bytes.Buffer, s string, wide bool) {
	if !wide && len(s) < 256 {
		dst.WriteByte(ctorStr8)
		dst.WriteByte(byte(len(s)))
	} else {
		dst.WriteByte(ctorStr32)
		writeUint32(dst, uint32(len(s)))
	}
	dst.WriteString(s)
}

func writeSymbol(dst *bytes.Buffer, s string, wide bool) {
	if !wide && len(s) < 256 {
		dst.WriteByte(ctorSym8)
		dst.WriteByte(byte(len(s)))
	} else {
		dst.WriteByte(ctorSym32)
		writeUint32(dst, uint32(len(s)))
	}
	dst.WriteString(s)
}

// writeSymbols renders a multiple=true symbol field: a lone value is a
// bare symbol, anything else an array of symbols.
func writeSymbols(dst *bytes.Buffer, names []string) {
	if len(names) == 1 {
		writeSymbol(dst, names[0], false)
		return
	}

	elemWide := false
	for _, n := range names {
		if len(n) > 255 {
			elemWide = true
		}
	}

	var elems bytes.Buffer
	if elemWide {
		elems.WriteByte(ctorSym32)
		for _, n := range names {
			writeUint32(&elems, uint32(len(n)))
			elems.WriteString(n)
		}
	} else {
		elems.WriteByte(ctorSym8)
		for _, n := range names {
			elems.WriteByte(byte(len(n)))
			elems.WriteString(n)
		}
	}

	// the array size field covers the count field and the element
	// constructor as well as the elements
	if elems.Len()+1 < 256 && len(names) < 256 {
		dst.WriteByte(ctorArray8)
		dst.WriteByte(byte(elems.Len() + 1))
		dst.WriteByte(byte(len(names)))
	} else {
		dst.WriteByte(ctorArray32)
		writeUint32(dst, uint32(elems.Len()+4))
		writeUint32(dst, uint32(len(names)))
	}
	dst.Write(elems.Bytes())
}

func writeUbyte(dst *bytes.Buffer, v byte) {
	dst.WriteByte(ctorUByte)
	dst.WriteByte(v)
}

func writeUint32(dst *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	dst.Write(b[:])
}
