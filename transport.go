// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package amqpsasl

import (
	"fmt"
	"log"

	"github.com/golang-auth/go-amqp-sasl/common"
	"github.com/golang-auth/go-amqp-sasl/frames"
	"github.com/golang-auth/go-amqp-sasl/pkg/loggable"
)

type TransportOption func(*Transport) error

// Dir says which way a traced frame travelled.
type Dir uint8

const (
	DirSent Dir = iota
	DirReceived
)

func (d Dir) String() string {
	if d == DirSent {
		return "sent"
	}

	return "received"
}

// FrameTracer observes each logical frame body the transport sends or
// receives. Bodies split across several frames are traced once, whole.
type FrameTracer func(d Dir, body frames.Body)

// Transport is the byte boundary of a negotiation. Bytes for the peer
// are collected with Output and bytes from the peer are delivered with
// Input, in whatever chunks the carrier produced. The transport
// performs the protocol header exchange, renders and reassembles
// frames, and drives the Sasl state machine; it never touches a
// socket itself.
type Transport struct {
	loggable.Loggable

	sasl *Sasl
	max  uint32

	w *frames.Writer
	r *frames.Reader

	headerSent bool
	inputSeen  bool
	failed     error
	tracer     FrameTracer
}

func NewTransport(opts ...TransportOption) (*Transport, error) {
	t := &Transport{
		sasl: newSasl(),
		max:  frames.MinMaxFrameSize,
	}
	t.w = frames.NewWriter(t.max)
	t.r = frames.NewReader(t.max)

	for _, o := range opts {
		if err := o(t); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Sasl returns the negotiation state machine bound to this transport.
func (t *Transport) Sasl() *Sasl {
	return t.sasl
}

// SetMaxFrameSize raises the frame size ceiling from the default of
// frames.MinMaxFrameSize. Both peers of a connection must use the same
// value, and it can only change before any bytes have been produced
// or consumed.
func (t *Transport) SetMaxFrameSize(size uint32) error {
	if size < frames.MinMaxFrameSize {
		return fmt.Errorf("max frame size %d is below the AMQP minimum of %d", size, frames.MinMaxFrameSize)
	}
	if t.headerSent || t.inputSeen {
		return common.ErrStarted
	}

	t.max = size
	t.w.SetMaxFrameSize(size)
	t.r.SetMaxFrameSize(size)

	return nil
}

// Output returns bytes to be carried to the peer: the protocol header
// on the first call, then frames for whatever the state machine is
// ready to emit. It returns nil when nothing is pending.
func (t *Transport) Output() ([]byte, error) {
	var out []byte

	if !t.headerSent {
		out = append(out, frames.ProtocolHeader[:]...)
		t.headerSent = true
		t.Debugf("sasl header sent")
	}

	for _, body := range t.sasl.pendingFrames() {
		if t.tracer != nil {
			t.tracer(DirSent, body)
		}
		if err := t.w.WriteFrame(body); err != nil {
			t.Errorf("could not encode %s: %v", body.Name(), err)
			return nil, err
		}
		t.Debugf("frame sent: %s", body.Name())
	}

	return append(out, t.w.Drain()...), nil
}

// Input consumes bytes received from the peer; any chunking is
// acceptable. The first protocol error is sticky: the offending bytes
// are rejected and every later call fails the same way.
func (t *Transport) Input(p []byte) error {
	if t.failed != nil {
		return t.failed
	}

	t.inputSeen = true
	t.r.Feed(p)

	for {
		body, err := t.r.Next()
		if err != nil {
			return t.fail(err)
		}
		if body == nil {
			return nil
		}

		if t.tracer != nil {
			t.tracer(DirReceived, body)
		}
		if err := t.sasl.handleFrame(body); err != nil {
			return t.fail(err)
		}
	}
}

func (t *Transport) fail(err error) error {
	t.failed = err
	t.Errorf("sasl input failed: %v", err)

	return err
}

func WithMaxFrameSize(size uint32) TransportOption {
	return func(t *Transport) error {
		return t.SetMaxFrameSize(size)
	}
}

func WithFrameTracer(fn FrameTracer) TransportOption {
	return func(t *Transport) error {
		t.tracer = fn
		return nil
	}
}

func WithDebugLogger(l *log.Logger) TransportOption {
	return func(t *Transport) error {
		if err := loggable.WithDebugLogger(l)(&t.Loggable); err != nil {
			return err
		}
		return loggable.WithDebugLogger(l)(&t.sasl.Loggable)
	}
}
func WithInfoLogger(l *log.Logger) TransportOption {
	return func(t *Transport) error {
		if err := loggable.WithInfoLogger(l)(&t.Loggable); err != nil {
			return err
		}
		return loggable.WithInfoLogger(l)(&t.sasl.Loggable)
	}
}
func WithWarnLogger(l *log.Logger) TransportOption {
	return func(t *Transport) error {
		if err := loggable.WithWarnLogger(l)(&t.Loggable); err != nil {
			return err
		}
		return loggable.WithWarnLogger(l)(&t.sasl.Loggable)
	}
}
func WithErrorLogger(l *log.Logger) TransportOption {
	return func(t *Transport) error {
		if err := loggable.WithErrorLogger(l)(&t.Loggable); err != nil {
			return err
		}
		return loggable.WithErrorLogger(l)(&t.sasl.Loggable)
	}
}
