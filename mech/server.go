// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

package mech

import (
	"slices"

	sasl "github.com/emersion/go-sasl"

	amqpsasl "github.com/golang-auth/go-amqp-sasl"
	"github.com/golang-auth/go-amqp-sasl/common"
	"github.com/golang-auth/go-amqp-sasl/registry"
)

type ServerOption func(*Server) error

// Server drives the server half of a negotiation. It advertises
// mechanisms, feeds the client's messages to the mechanism
// implementation and declares the outcome. A message the mechanism
// returns together with done travels as the outcome's additional
// data.
type Server struct {
	sasl       *amqpsasl.Sasl
	cfg        common.Config
	advertised []string

	impl     sasl.Server
	started  bool
	identity string
}

// NewServer assigns the server role on s and prepares a runner that
// validates clients against the callbacks in cfg. By default every
// registered mechanism the callbacks can support is advertised.
func NewServer(s *amqpsasl.Sasl, cfg common.Config, opts ...ServerOption) (*Server, error) {
	if err := s.Server(); err != nil {
		return nil, err
	}

	sr := &Server{sasl: s}
	sr.cfg = sr.recording(cfg)
	for _, opt := range opts {
		if err := opt(sr); err != nil {
			return nil, err
		}
	}

	if len(sr.advertised) == 0 {
		for _, name := range registry.Mechs() {
			if registry.NewServer(name, sr.cfg) != nil {
				sr.advertised = append(sr.advertised, name)
			}
		}
	}
	if err := s.SetMechanisms(sr.advertised...); err != nil {
		return nil, err
	}

	return sr, nil
}

// WithAdvertisedMechs overrides the advertised mechanism list.
func WithAdvertisedMechs(mechs []string) ServerOption {
	return func(sr *Server) error {
		sr.advertised = append([]string(nil), mechs...)
		return nil
	}
}

// Identity returns the authenticated identity after a successful
// negotiation, and "" otherwise.
func (sr *Server) Identity() string {
	if sr.sasl.Outcome() == amqpsasl.OutcomeOK {
		return sr.identity
	}
	return ""
}

// recording wraps the config callbacks so the identity they accept is
// remembered for Identity.
func (sr *Server) recording(cfg common.Config) common.Config {
	if auth := cfg.Authenticate; auth != nil {
		cfg.Authenticate = func(identity, username, password string) error {
			err := auth(identity, username, password)
			if err == nil {
				sr.identity = username
				if identity != "" {
					sr.identity = identity
				}
			}
			return err
		}
	}
	if allow := cfg.AllowAnonymous; allow != nil {
		cfg.AllowAnonymous = func(trace string) error {
			err := allow(trace)
			if err == nil {
				sr.identity = "anonymous"
			}
			return err
		}
	}
	if allow := cfg.AllowExternal; allow != nil {
		cfg.AllowExternal = func(identity string) error {
			err := allow(identity)
			if err == nil {
				sr.identity = identity
			}
			return err
		}
	}
	if lookup := cfg.LookupPassword; lookup != nil {
		cfg.LookupPassword = func(username string) (string, error) {
			password, err := lookup(username)
			if err == nil {
				sr.identity = username
			}
			return password, err
		}
	}

	return cfg
}

// Advance reacts to whatever the transport has delivered since the
// last call. An unusable mechanism selection fails authentication
// rather than erroring: the peer learns the outcome, not the reason.
func (sr *Server) Advance() error {
	s := sr.sasl

	if s.Complete() {
		return nil
	}

	remote := s.RemoteMechanisms()
	if len(remote) == 0 {
		return nil
	}

	if sr.impl == nil {
		name := remote[0]
		if !slices.Contains(sr.advertised, name) {
			s.Debugf("client selected unadvertised mech %s", name)
			return s.Done(amqpsasl.OutcomeAuth)
		}
		if sr.impl = registry.NewServer(name, sr.cfg); sr.impl == nil {
			s.Debugf("mech %s is not available", name)
			return s.Done(amqpsasl.OutcomeAuth)
		}
		s.Debugf("client selected mech %s", name)
	}

	var resp []byte
	if s.Pending() > 0 {
		resp = make([]byte, s.Pending())
		n, err := s.Recv(resp)
		if err != nil {
			return err
		}
		resp = resp[:n]
	} else if sr.started {
		return nil
	}

	challenge, done, err := sr.impl.Next(resp)
	sr.started = true
	if err != nil {
		s.Debugf("mech failed: %v", err)
		return s.Done(amqpsasl.OutcomeAuth)
	}

	if done {
		if len(challenge) > 0 {
			if err := s.Send(challenge); err != nil {
				return err
			}
		}
		return s.Done(amqpsasl.OutcomeOK)
	}

	return s.Send(challenge)
}
