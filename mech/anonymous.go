// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

package mech

import (
	sasl "github.com/emersion/go-sasl"

	"github.com/golang-auth/go-amqp-sasl/common"
)

// Anonymous is the RFC 4505 mechanism name.
const Anonymous = "ANONYMOUS"

// anonymousClient sends the optional trace string as its only message.
type anonymousClient struct {
	trace string
}

func newAnonymousClient(cfg common.Config) sasl.Client {
	return &anonymousClient{cfg.Trace}
}

func (c *anonymousClient) Start() (mech string, ir []byte, err error) {
	mech = Anonymous
	ir = []byte(c.trace)
	return
}

func (c *anonymousClient) Next(challenge []byte) (response []byte, err error) {
	return nil, sasl.ErrUnexpectedServerChallenge
}

type anonymousServer struct {
	done  bool
	allow func(trace string) error
}

func newAnonymousServer(cfg common.Config) sasl.Server {
	if cfg.AllowAnonymous == nil {
		return nil
	}

	return &anonymousServer{allow: cfg.AllowAnonymous}
}

func (s *anonymousServer) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
	s.done = true

	// the trace string may legitimately be empty
	return nil, true, s.allow(string(response))
}
