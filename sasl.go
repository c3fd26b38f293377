// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

// Package amqpsasl implements the SASL negotiation layer of AMQP 1.0
// (§5.3): a mechanism-agnostic state machine that moves opaque
// challenge and response bytes between two peers and reports the
// terminal outcome. Mechanism byte handling itself is pluggable; see
// the registry and mech packages.
package amqpsasl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/golang-auth/go-amqp-sasl/common"
	"github.com/golang-auth/go-amqp-sasl/frames"
	"github.com/golang-auth/go-amqp-sasl/pkg/loggable"
)

type role uint8

const (
	roleNone role = iota
	roleClient
	roleServer
)

func (r role) String() string {
	switch r {
	case roleClient:
		return "client"
	case roleServer:
		return "server"
	}

	return "unassigned"
}

// See RFC 4422 § 3.1
var saslMechRegexp = regexp.MustCompile(`^[A-Z0-9-_]{1,20}$`)

var validHostnameRegex = regexp.MustCompile(`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)

// Sasl is the negotiation state machine for one connection. It is
// obtained from a Transport and owned by a single goroutine; the
// caller moves negotiation bytes with Send and Recv while the
// transport turns the machine's state into frames and feeds the
// peer's frames back in.
//
// A Sasl acts as exactly one of client or server. Operations that only
// make sense for the other role fail with common.ErrClientOnly or
// common.ErrServerOnly.
type Sasl struct {
	loggable.Loggable

	role role

	localMechs  []string
	remoteMechs []string

	// client: hostname to disclose in sasl-init
	// server: hostname disclosed by the peer
	hostname string

	outbound       bytes.Buffer
	outboundQueued bool
	inbound        bytes.Buffer

	outcome Outcome

	mechsSeen   bool // client: peer advertisement processed
	mechsSent   bool // server: advertisement emitted
	initSent    bool // client
	initSeen    bool // server
	outcomeSent bool // server
}

func newSasl() *Sasl {
	return &Sasl{outcome: OutcomeNone}
}

// Client assigns the client role. Assigning the same role twice is
// harmless; switching roles is not possible.
func (s *Sasl) Client() error {
	return s.assignRole(roleClient)
}

// Server assigns the server role.
func (s *Sasl) Server() error {
	return s.assignRole(roleServer)
}

func (s *Sasl) assignRole(r role) error {
	if s.role == r {
		return nil
	}
	if s.role != roleNone {
		return common.ErrRoleAssigned
	}

	s.role = r
	s.Debugf("acting as sasl %s", r)

	return nil
}

// checkRole is the single place role preconditions are enforced.
func (s *Sasl) checkRole(want role) error {
	switch {
	case s.role == roleNone:
		return common.ErrNoRole
	case want == roleClient && s.role != roleClient:
		return common.ErrClientOnly
	case want == roleServer && s.role != roleServer:
		return common.ErrServerOnly
	}

	return nil
}

func (s *Sasl) checkAssigned() error {
	if s.role == roleNone {
		return common.ErrNoRole
	}

	return nil
}

// SetMechanisms configures the local mechanism names: the list a
// server will advertise, or the single mechanism a client selects.
// Names must satisfy RFC 4422 § 3.1 and may be configured once.
func (s *Sasl) SetMechanisms(names ...string) error {
	if err := s.checkAssigned(); err != nil {
		return err
	}
	if s.Complete() {
		return common.ErrComplete
	}
	if len(s.localMechs) > 0 {
		return common.ErrMechanismsSet
	}
	if len(names) == 0 {
		return common.ErrNoMechanisms
	}
	if s.role == roleClient && len(names) != 1 {
		return errors.New("the client role selects exactly one mechanism")
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !saslMechRegexp.MatchString(name) {
			return fmt.Errorf("bad mech name: %s", name)
		}
		if seen[name] {
			return fmt.Errorf("mech %s appears more than once", name)
		}
		seen[name] = true
	}

	// a server's advertisement is never split across frames, so it has
	// to fit a frame at the smallest legal frame size
	if s.role == roleServer {
		w := frames.NewWriter(frames.MinMaxFrameSize)
		if err := w.WriteFrame(&frames.Mechanisms{Mechanisms: names}); err != nil {
			return errors.New("mech list is too long to advertise in one frame")
		}
	}

	s.localMechs = append([]string(nil), names...)
	s.Debugf("local mechs: %v", s.localMechs)

	return nil
}

// RemoteMechanisms returns the peer's mechanism names: for a client
// the advertised list, for a server the single name the client
// selected. It is empty until the relevant frame has been processed.
func (s *Sasl) RemoteMechanisms() []string {
	return append([]string(nil), s.remoteMechs...)
}

// SetRemoteHostname records the hostname a client discloses in its
// sasl-init frame. It may be changed up until that frame is emitted;
// later values are retained but never travel.
func (s *Sasl) SetRemoteHostname(hostname string) error {
	if err := s.checkRole(roleClient); err != nil {
		return err
	}
	if hostname != "" {
		if len(hostname) > 255 || !validHostnameRegex.MatchString(hostname) {
			return errors.New("bad hostname")
		}
	}

	s.hostname = hostname

	return nil
}

// Hostname returns the hostname the client disclosed, or "" before
// the sasl-init frame has been processed.
func (s *Sasl) Hostname() (string, error) {
	if err := s.checkRole(roleServer); err != nil {
		return "", err
	}

	return s.hostname, nil
}

// Send queues negotiation bytes for the peer. What they become depends
// on role and timing: a client's bytes travel as the initial response
// if queued before sasl-init is emitted and as a sasl-response after;
// a server's bytes travel as a sasl-challenge, or as the outcome's
// additional data when Done is called before the next emission.
//
// Queueing no bytes at all and queueing a zero-length chunk are
// distinct: the latter still marks the field present on the wire.
func (s *Sasl) Send(p []byte) error {
	if err := s.checkAssigned(); err != nil {
		return err
	}
	if len(s.localMechs) == 0 {
		return common.ErrNoMechanisms
	}
	if s.Complete() {
		return common.ErrComplete
	}

	s.outbound.Write(p)
	s.outboundQueued = true

	return nil
}

// Pending reports how many negotiation bytes are waiting to be read
// with Recv.
func (s *Sasl) Pending() int {
	return s.inbound.Len()
}

// Recv copies up to len(p) pending bytes into p. It returns 0 and no
// error when nothing is pending; bytes left unread stay queued for the
// next call. Reading remains valid after completion so that outcome
// additional data can be consumed.
func (s *Sasl) Recv(p []byte) (int, error) {
	if err := s.checkAssigned(); err != nil {
		return 0, err
	}

	n, err := s.inbound.Read(p)
	if err == io.EOF {
		return 0, nil
	}

	return n, err
}

// Done declares the outcome of the negotiation. Bytes queued with Send
// and not yet emitted become the outcome's additional data, visible to
// the peer together with the code. The outcome may be declared once,
// and even before any sasl-init has arrived.
func (s *Sasl) Done(o Outcome) error {
	if err := s.checkRole(roleServer); err != nil {
		return err
	}
	if s.Complete() {
		return common.ErrOutcomeDeclared
	}
	if o < OutcomeOK || o > OutcomeSysTemp {
		return fmt.Errorf("%s is not a valid outcome", o)
	}

	s.outcome = o
	s.Debugf("outcome declared: %s", o)

	return nil
}

// Outcome returns the negotiation result, OutcomeNone while it is
// still in progress.
func (s *Sasl) Outcome() Outcome {
	return s.outcome
}

// Complete reports whether a terminal outcome has been reached: for a
// server once Done has been called, for a client once the sasl-outcome
// frame has been processed.
func (s *Sasl) Complete() bool {
	return s.outcome != OutcomeNone
}

// drainOutbound empties the outbound queue. It returns nil when
// nothing was ever queued, and a zero-length slice when an empty chunk
// was: the wire keeps that distinction.
func (s *Sasl) drainOutbound() []byte {
	if !s.outboundQueued {
		return nil
	}

	p := make([]byte, s.outbound.Len())
	copy(p, s.outbound.Bytes())
	s.outbound.Reset()
	s.outboundQueued = false

	return p
}

// pendingFrames returns the frame bodies the state machine is ready to
// emit, in order, marking them as emitted. The transport calls this
// when producing output.
func (s *Sasl) pendingFrames() []frames.Body {
	var out []frames.Body

	switch s.role {
	case roleServer:
		if len(s.localMechs) > 0 && !s.mechsSent {
			out = append(out, &frames.Mechanisms{Mechanisms: append([]string(nil), s.localMechs...)})
			s.mechsSent = true
		}

		switch {
		case s.Complete() && !s.outcomeSent:
			out = append(out, &frames.Outcome{Code: frames.Code(s.outcome), AdditionalData: s.drainOutbound()})
			s.outcomeSent = true
		case s.outboundQueued && s.initSeen && !s.Complete():
			out = append(out, &frames.Challenge{Challenge: s.drainOutbound()})
		}

	case roleClient:
		switch {
		case len(s.localMechs) == 1 && !s.initSent && !s.Complete():
			init := &frames.Init{
				Mechanism:       s.localMechs[0],
				InitialResponse: s.drainOutbound(),
				Hostname:        s.hostname,
			}
			out = append(out, init)
			s.initSent = true
		case s.outboundQueued && s.initSent && !s.Complete():
			out = append(out, &frames.Response{Response: s.drainOutbound()})
		}
	}

	return out
}

// handleFrame applies one complete frame body from the peer, enforcing
// the frame sequencing rules. Errors are protocol errors; the engine
// state is left unchanged by a rejected frame.
func (s *Sasl) handleFrame(body frames.Body) error {
	switch b := body.(type) {
	case *frames.Mechanisms:
		return s.handleMechanisms(b)
	case *frames.Init:
		return s.handleInit(b)
	case *frames.Challenge:
		return s.handleChallenge(b)
	case *frames.Response:
		return s.handleResponse(b)
	case *frames.Outcome:
		return s.handleOutcome(b)
	}

	return common.ProtoErrorf(body.Name(), "unexpected frame")
}

func (s *Sasl) handleMechanisms(b *frames.Mechanisms) error {
	switch {
	case s.role != roleClient:
		return common.ProtoErrorf(b.Name(), "only a client may receive a mechanism advertisement")
	case s.Complete():
		return common.ProtoErrorf(b.Name(), "arrived after the outcome")
	case s.mechsSeen:
		return common.ProtoErrorf(b.Name(), "repeated frame")
	}

	s.remoteMechs = append([]string(nil), b.Mechanisms...)
	s.mechsSeen = true
	s.Debugf("peer mechs: %v", s.remoteMechs)

	return nil
}

func (s *Sasl) handleInit(b *frames.Init) error {
	switch {
	case s.role != roleServer:
		return common.ProtoErrorf(b.Name(), "only a server may receive sasl-init")
	case s.outcomeSent:
		return common.ProtoErrorf(b.Name(), "arrived after the outcome")
	case s.initSeen:
		return common.ProtoErrorf(b.Name(), "repeated frame")
	case b.Mechanism == "":
		return common.ProtoErrorf(b.Name(), "empty mechanism name")
	}

	s.remoteMechs = []string{b.Mechanism}
	s.hostname = b.Hostname
	s.initSeen = true
	s.inbound.Write(b.InitialResponse)
	s.Debugf("peer selected mech %s (%d byte initial response)", b.Mechanism, len(b.InitialResponse))

	return nil
}

func (s *Sasl) handleChallenge(b *frames.Challenge) error {
	switch {
	case s.role != roleClient:
		return common.ProtoErrorf(b.Name(), "only a client may receive a challenge")
	case s.Complete():
		return common.ProtoErrorf(b.Name(), "arrived after the outcome")
	case !s.initSent:
		return common.ProtoErrorf(b.Name(), "arrived before sasl-init was sent")
	}

	s.inbound.Write(b.Challenge)
	s.Debugf("challenge received (%d bytes)", len(b.Challenge))

	return nil
}

func (s *Sasl) handleResponse(b *frames.Response) error {
	switch {
	case s.role != roleServer:
		return common.ProtoErrorf(b.Name(), "only a server may receive a response")
	case s.outcomeSent:
		return common.ProtoErrorf(b.Name(), "arrived after the outcome")
	case !s.initSeen:
		return common.ProtoErrorf(b.Name(), "arrived before sasl-init")
	}

	s.inbound.Write(b.Response)
	s.Debugf("response received (%d bytes)", len(b.Response))

	return nil
}

func (s *Sasl) handleOutcome(b *frames.Outcome) error {
	switch {
	case s.role != roleClient:
		return common.ProtoErrorf(b.Name(), "only a client may receive an outcome")
	case s.Complete():
		return common.ProtoErrorf(b.Name(), "repeated frame")
	case b.Code > frames.CodeSysTemp:
		return common.ProtoErrorf(b.Name(), "unknown outcome code %d", b.Code)
	}

	// the code and any additional data become visible together
	s.outcome = Outcome(b.Code)
	s.inbound.Write(b.AdditionalData)
	s.Debugf("outcome received: %s (%d bytes additional data)", s.outcome, len(b.AdditionalData))

	return nil
}

