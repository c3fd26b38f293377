// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

// Package frames encodes and decodes the five SASL performatives of
// AMQP 1.0 (§5.3.3) together with the frame envelope and protocol
// header that carry them. A Writer splits over-size payloads across
// several frames and a Reader reassembles them, so the layer above
// only ever sees complete logical bodies.
package frames

// ProtocolHeader announces the SASL protocol layer. Each peer sends
// it before any frame and expects to receive the same eight octets.
var ProtocolHeader = [8]byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}

// MinMaxFrameSize is the frame size every AMQP 1.0 peer must accept.
// It is the default and lower bound for the negotiation layer's max
// frame size.
const MinMaxFrameSize = 512

const (
	frameHeaderSize = 8
	saslFrameType   = 0x01
)

// performative descriptor codes (§5.3.3)
const (
	mechanismsDescriptor uint64 = 0x40
	initDescriptor       uint64 = 0x41
	challengeDescriptor  uint64 = 0x42
	responseDescriptor   uint64 = 0x43
	outcomeDescriptor    uint64 = 0x44
)

// Code is the wire value of the sasl-outcome code field.
type Code uint8

const (
	CodeOK      Code = iota // authentication succeeded
	CodeAuth                // failed due to bad credentials
	CodeSys                 // failed due to a system error
	CodeSysPerm             // failed due to an unrecoverable system error
	CodeSysTemp             // failed due to a transient system error
)

// Body is one decoded SASL performative.
type Body interface {
	// Name returns the performative name, eg. "sasl-init".
	Name() string

	descriptor() uint64
}

// Mechanisms advertises the server's mechanism names.
type Mechanisms struct {
	Mechanisms []string
}

// Init selects a mechanism and optionally opens the exchange with an
// initial response. A nil InitialResponse means the field is absent;
// an empty one travels as a zero-length binary. An empty Hostname is
// not transmitted.
type Init struct {
	Mechanism       string
	InitialResponse []byte
	Hostname        string
}

// Challenge carries server challenge bytes.
type Challenge struct {
	Challenge []byte
}

// Response carries client response bytes.
type Response struct {
	Response []byte
}

// Outcome terminates the negotiation. AdditionalData follows the same
// nil/empty distinction as Init.InitialResponse.
type Outcome struct {
	Code           Code
	AdditionalData []byte
}

func (*Mechanisms) Name() string { return "sasl-mechanisms" }
func (*Init) Name() string       { return "sasl-init" }
func (*Challenge) Name() string  { return "sasl-challenge" }
func (*Response) Name() string   { return "sasl-response" }
func (*Outcome) Name() string    { return "sasl-outcome" }

func (*Mechanisms) descriptor() uint64 { return mechanismsDescriptor }
func (*Init) descriptor() uint64       { return initDescriptor }
func (*Challenge) descriptor() uint64  { return challengeDescriptor }
func (*Response) descriptor() uint64   { return responseDescriptor }
func (*Outcome) descriptor() uint64    { return outcomeDescriptor }

// payload returns the field of b that may be split across frames.
// Bodies without such a field report false and must fit one frame.
func payload(b Body) ([]byte, bool) {
	switch b := b.(type) {
	case *Init:
		return b.InitialResponse, true
	case *Challenge:
		return b.Challenge, true
	case *Response:
		return b.Response, true
	case *Outcome:
		return b.AdditionalData, true
	}

	return nil, false
}

// fragment builds the frame body used for one slice of b's payload.
// Optional fields travel only on the first frame; mandatory ones are
// repeated so every frame remains a well formed performative.
func fragment(b Body, first bool, chunk []byte) Body {
	switch b := b.(type) {
	case *Init:
		frag := &Init{Mechanism: b.Mechanism, InitialResponse: chunk}
		if first {
			frag.Hostname = b.Hostname
		}
		return frag
	case *Challenge:
		return &Challenge{Challenge: chunk}
	case *Response:
		return &Response{Response: chunk}
	case *Outcome:
		return &Outcome{Code: b.Code, AdditionalData: chunk}
	}

	return nil
}
