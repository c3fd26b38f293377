// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package frames

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang-auth/go-amqp-sasl/common"
)

// A Reader turns a raw byte stream back into logical bodies. Bytes are
// handed in with Feed in whatever chunks the connection produced; Next
// consumes the protocol header and then yields one complete body at a
// time, reassembling bodies that were split across frames.
type Reader struct {
	max        uint32
	in         bytes.Buffer
	headerSeen bool

	frag    Body // first frame of an in-progress split body
	fragBuf bytes.Buffer
}

func NewReader(max uint32) *Reader {
	if max < MinMaxFrameSize {
		max = MinMaxFrameSize
	}

	return &Reader{max: max}
}

func (r *Reader) SetMaxFrameSize(max uint32) {
	if max >= MinMaxFrameSize {
		r.max = max
	}
}

// Feed appends connection bytes. Any chunking is acceptable, down to a
// byte at a time.
func (r *Reader) Feed(p []byte) {
	r.in.Write(p)
}

// Next returns the next complete body, or nil when more bytes are
// needed. Partial frames and partially reassembled bodies are retained
// and never surfaced.
func (r *Reader) Next() (Body, error) {
	if !r.headerSeen {
		if r.in.Len() < len(ProtocolHeader) {
			return nil, nil
		}

		var hdr [8]byte
		r.in.Read(hdr[:])
		if hdr != ProtocolHeader {
			return nil, common.ProtoErrorf("", "bad protocol header %x", hdr[:])
		}
		r.headerSeen = true
	}

	for {
		if r.in.Len() < 4 {
			return nil, nil
		}

		size := binary.BigEndian.Uint32(r.in.Bytes()[:4])
		if size < frameHeaderSize {
			return nil, common.ProtoErrorf("", "frame size %d below minimum", size)
		}
		if size > r.max {
			return nil, common.ProtoErrorf("", "frame size %d exceeds max frame size %d", size, r.max)
		}
		if uint32(r.in.Len()) < size {
			return nil, nil
		}

		frame := make([]byte, size)
		r.in.Read(frame)

		body, err := decodeFrame(frame)
		if err != nil {
			return nil, err
		}

		// A frame filling the max frame size exactly is a non-final
		// slice of its body; anything shorter completes one.
		full := size == r.max

		if r.frag != nil {
			body, err = r.continueSplit(body, full)
			if err != nil {
				return nil, err
			}
			if body == nil {
				continue
			}
			return body, nil
		}

		if full {
			if err := r.startSplit(body); err != nil {
				return nil, err
			}
			continue
		}

		return body, nil
	}
}

func (r *Reader) startSplit(b Body) error {
	chunk, ok := payload(b)
	if !ok {
		return common.ProtoErrorf(b.Name(), "body cannot be split across frames")
	}

	r.frag = b
	r.fragBuf.Reset()
	r.fragBuf.Write(chunk)

	return nil
}

func (r *Reader) continueSplit(b Body, full bool) (Body, error) {
	if b.Name() != r.frag.Name() {
		return nil, common.ProtoErrorf(b.Name(), "interleaved with a split %s", r.frag.Name())
	}

	chunk, _ := payload(b)
	r.fragBuf.Write(chunk)
	if full {
		return nil, nil
	}

	// final slice: rebuild the body around the first frame's fields
	merged := make([]byte, r.fragBuf.Len())
	copy(merged, r.fragBuf.Bytes())
	body := fragment(r.frag, true, merged)
	r.frag = nil
	r.fragBuf.Reset()

	return body, nil
}

func decodeFrame(frame []byte) (Body, error) {
	doff := int(frame[4])
	switch {
	case doff < 2:
		return nil, common.ProtoErrorf("", "data offset %d below minimum", doff)
	case doff*4 > len(frame):
		return nil, common.ProtoErrorf("", "data offset %d beyond frame end", doff)
	}
	if frame[5] != saslFrameType {
		return nil, common.ProtoErrorf("", "unexpected frame type 0x%02x", frame[5])
	}

	// bytes 6 and 7 are ignored for SASL frames

	body := frame[doff*4:]
	if len(body) == 0 {
		return nil, common.ProtoErrorf("", "empty frame body")
	}

	return decodeBody(body)
}

func decodeBody(buf []byte) (Body, error) {
	d := &decoder{buf: buf}

	desc, err := d.readDescriptor()
	if err != nil {
		return nil, common.ProtoErrorf("", "%v", err)
	}

	var name string
	var parse func(*decoder, int) (Body, error)
	switch desc {
	case mechanismsDescriptor:
		name, parse = "sasl-mechanisms", parseMechanisms
	case initDescriptor:
		name, parse = "sasl-init", parseInit
	case challengeDescriptor:
		name, parse = "sasl-challenge", parseChallenge
	case responseDescriptor:
		name, parse = "sasl-response", parseResponse
	case outcomeDescriptor:
		name, parse = "sasl-outcome", parseOutcome
	default:
		return nil, common.ProtoErrorf("", "unknown descriptor 0x%02x", desc)
	}

	fields, count, err := d.readList()
	if err != nil {
		return nil, common.ProtoErrorf(name, "%v", err)
	}

	body, err := parse(fields, count)
	if err != nil {
		return nil, common.ProtoErrorf(name, "%v", err)
	}

	return body, nil
}

func parseMechanisms(d *decoder, count int) (Body, error) {
	if count < 1 {
		return nil, errors.New("sasl-server-mechanisms field is mandatory")
	}

	names, err := d.readSymbols()
	if err != nil {
		return nil, err
	}
	if names == nil {
		return nil, errors.New("sasl-server-mechanisms field may not be null")
	}
	if err := d.skipFields(count - 1); err != nil {
		return nil, err
	}

	return &Mechanisms{Mechanisms: names}, nil
}

func parseInit(d *decoder, count int) (Body, error) {
	if count < 1 {
		return nil, errors.New("mechanism field is mandatory")
	}

	mech, ok, err := d.readSymbol()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("mechanism field may not be null")
	}

	init := &Init{Mechanism: mech}
	if count >= 2 {
		if init.InitialResponse, err = d.readBinary(); err != nil {
			return nil, err
		}
	}
	if count >= 3 {
		if init.Hostname, _, err = d.readString(); err != nil {
			return nil, err
		}
	}
	if err := d.skipFields(count - 3); err != nil {
		return nil, err
	}

	return init, nil
}

func parseChallenge(d *decoder, count int) (Body, error) {
	if count < 1 {
		return nil, errors.New("challenge field is mandatory")
	}

	p, err := d.readBinary()
	if err != nil {
		return nil, err
	}
	if err := d.skipFields(count - 1); err != nil {
		return nil, err
	}

	return &Challenge{Challenge: p}, nil
}

func parseResponse(d *decoder, count int) (Body, error) {
	if count < 1 {
		return nil, errors.New("response field is mandatory")
	}

	p, err := d.readBinary()
	if err != nil {
		return nil, err
	}
	if err := d.skipFields(count - 1); err != nil {
		return nil, err
	}

	return &Response{Response: p}, nil
}

func parseOutcome(d *decoder, count int) (Body, error) {
	if count < 1 {
		return nil, errors.New("code field is mandatory")
	}

	code, ok, err := d.readUbyte()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("code field may not be null")
	}

	outcome := &Outcome{Code: Code(code)}
	if count >= 2 {
		if outcome.AdditionalData, err = d.readBinary(); err != nil {
			return nil, err
		}
	}
	if err := d.skipFields(count - 2); err != nil {
		return nil, err
	}

	return outcome, nil
}

var errTruncated = errors.New("truncated encoding")

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) readByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, errTruncated
	}
	b := d.buf[d.pos]
	d.pos++

	return b, nil
}

func (d *decoder) read(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, errTruncated
	}
	p := d.buf[d.pos : d.pos+n]
	d.pos += n

	return p, nil
}

func (d *decoder) readUint32() (uint32, error) {
	p, err := d.read(4)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(p), nil
}

func (d *decoder) readDescriptor() (uint64, error) {
	ctor, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if ctor != ctorDescribed {
		return 0, fmt.Errorf("expected a described type, got constructor 0x%02x", ctor)
	}

	ctor, err = d.readByte()
	if err != nil {
		return 0, err
	}
	switch ctor {
	case ctorULong0:
		return 0, nil
	case ctorSmallULong:
		b, err := d.readByte()
		return uint64(b), err
	case ctorULong:
		p, err := d.read(8)
		if err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(p), nil
	}

	return 0, fmt.Errorf("unsupported descriptor constructor 0x%02x", ctor)
}

// readList consumes a list header and returns a decoder over the
// element bytes plus the element count.
func (d *decoder) readList() (*decoder, int, error) {
	ctor, err := d.readByte()
	if err != nil {
		return nil, 0, err
	}

	var size, count int
	switch ctor {
	case ctorList0:
		return &decoder{}, 0, nil
	case ctorList8:
		s, err := d.readByte()
		if err != nil {
			return nil, 0, err
		}
		c, err := d.readByte()
		if err != nil {
			return nil, 0, err
		}
		size, count = int(s)-1, int(c)
	case ctorList32:
		s, err := d.readUint32()
		if err != nil {
			return nil, 0, err
		}
		c, err := d.readUint32()
		if err != nil {
			return nil, 0, err
		}
		size, count = int(s)-4, int(c)
	default:
		return nil, 0, fmt.Errorf("expected a list, got constructor 0x%02x", ctor)
	}

	region, err := d.read(size)
	if err != nil {
		return nil, 0, err
	}
	// every element takes at least one byte
	if count > len(region) {
		return nil, 0, errTruncated
	}

	return &decoder{buf: region}, count, nil
}

func (d *decoder) readBinary() ([]byte, error) {
	ctor, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch ctor {
	case ctorNull:
		return nil, nil
	case ctorVbin8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.read(int(n))
	case ctorVbin32:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.read(int(n))
	}

	return nil, fmt.Errorf("expected binary, got constructor 0x%02x", ctor)
}

func (d *decoder) readString() (string, bool, error) {
	ctor, err := d.readByte()
	if err != nil {
		return "", false, err
	}

	var n int
	switch ctor {
	case ctorNull:
		return "", false, nil
	case ctorStr8:
		b, err := d.readByte()
		if err != nil {
			return "", false, err
		}
		n = int(b)
	case ctorStr32:
		u, err := d.readUint32()
		if err != nil {
			return "", false, err
		}
		n = int(u)
	default:
		return "", false, fmt.Errorf("expected string, got constructor 0x%02x", ctor)
	}

	p, err := d.read(n)
	if err != nil {
		return "", false, err
	}

	return string(p), true, nil
}

func (d *decoder) readSymbol() (string, bool, error) {
	ctor, err := d.readByte()
	if err != nil {
		return "", false, err
	}

	var n int
	switch ctor {
	case ctorNull:
		return "", false, nil
	case ctorSym8:
		b, err := d.readByte()
		if err != nil {
			return "", false, err
		}
		n = int(b)
	case ctorSym32:
		u, err := d.readUint32()
		if err != nil {
			return "", false, err
		}
		n = int(u)
	default:
		return "", false, fmt.Errorf("expected symbol, got constructor 0x%02x", ctor)
	}

	p, err := d.read(n)
	if err != nil {
		return "", false, err
	}

	return string(p), true, nil
}

func (d *decoder) readUbyte() (byte, bool, error) {
	ctor, err := d.readByte()
	if err != nil {
		return 0, false, err
	}

	switch ctor {
	case ctorNull:
		return 0, false, nil
	case ctorUByte:
		b, err := d.readByte()
		return b, true, err
	}

	return 0, false, fmt.Errorf("expected ubyte, got constructor 0x%02x", ctor)
}

// readSymbols reads a multiple=true symbol field: either a bare symbol
// or an array of symbols. A null field decodes as nil.
func (d *decoder) readSymbols() ([]string, error) {
	ctor, err := d.readByte()
	if err != nil {
		return nil, err
	}

	var size, count int
	switch ctor {
	case ctorNull:
		return nil, nil
	case ctorSym8:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		p, err := d.read(int(n))
		if err != nil {
			return nil, err
		}
		return []string{string(p)}, nil
	case ctorSym32:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		p, err := d.read(int(n))
		if err != nil {
			return nil, err
		}
		return []string{string(p)}, nil
	case ctorArray8:
		s, err := d.readByte()
		if err != nil {
			return nil, err
		}
		c, err := d.readByte()
		if err != nil {
			return nil, err
		}
		size, count = int(s)-1, int(c)
	case ctorArray32:
		s, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		c, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		size, count = int(s)-4, int(c)
	default:
		return nil, fmt.Errorf("expected symbol or symbol array, got constructor 0x%02x", ctor)
	}

	region, err := d.read(size)
	if err != nil {
		return nil, err
	}
	sub := &decoder{buf: region}

	elem, err := sub.readByte()
	if err != nil {
		return nil, err
	}
	if elem != ctorSym8 && elem != ctorSym32 {
		return nil, fmt.Errorf("expected symbol array elements, got constructor 0x%02x", elem)
	}
	if count > sub.remaining() {
		return nil, errTruncated
	}

	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var n int
		if elem == ctorSym8 {
			b, err := sub.readByte()
			if err != nil {
				return nil, err
			}
			n = int(b)
		} else {
			u, err := sub.readUint32()
			if err != nil {
				return nil, err
			}
			n = int(u)
		}
		p, err := sub.read(n)
		if err != nil {
			return nil, err
		}
		names = append(names, string(p))
	}

	return names, nil
}

// skipFields discards n values the parser has no use for, so that a
// peer sending a longer field list than we know about is tolerated.
func (d *decoder) skipFields(n int) error {
	for i := 0; i < n; i++ {
		if err := d.skipValue(); err != nil {
			return err
		}
	}

	return nil
}

func (d *decoder) skipValue() error {
	ctor, err := d.readByte()
	if err != nil {
		return err
	}

	if ctor == ctorDescribed {
		if err := d.skipValue(); err != nil {
			return err
		}
		return d.skipValue()
	}

	switch ctor >> 4 {
	case 0x4: // fixed width zero
		return nil
	case 0x5:
		_, err = d.read(1)
	case 0x6:
		_, err = d.read(2)
	case 0x7:
		_, err = d.read(4)
	case 0x8:
		_, err = d.read(8)
	case 0x9:
		_, err = d.read(16)
	case 0xa, 0xc, 0xe:
		n, e := d.readByte()
		if e != nil {
			return e
		}
		_, err = d.read(int(n))
	case 0xb, 0xd, 0xf:
		n, e := d.readUint32()
		if e != nil {
			return e
		}
		_, err = d.read(int(n))
	default:
		return fmt.Errorf("unknown constructor 0x%02x", ctor)
	}

	return err
}
