// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

package mech

import (
	"errors"
	"slices"

	sasl "github.com/emersion/go-sasl"

	amqpsasl "github.com/golang-auth/go-amqp-sasl"
	"github.com/golang-auth/go-amqp-sasl/common"
	"github.com/golang-auth/go-amqp-sasl/registry"
)

type ClientOption func(*Client) error

// Client drives the client half of a negotiation. It waits for the
// server's advertisement, picks a mechanism, opens the exchange and
// answers challenges until the outcome arrives. Call Advance between
// transport pumps; it does nothing when nothing new has arrived.
//
// Log output follows the engine's loggers, configured through the
// Transport options.
type Client struct {
	sasl   *amqpsasl.Sasl
	cfg    common.Config
	prefer []string

	impl sasl.Client
	mech string
}

// NewClient assigns the client role on s and prepares a runner that
// authenticates with the credentials in cfg.
func NewClient(s *amqpsasl.Sasl, cfg common.Config, opts ...ClientOption) (*Client, error) {
	if err := s.Client(); err != nil {
		return nil, err
	}

	c := &Client{sasl: s, cfg: cfg}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// WithMechList restricts mechanism selection to the given names, in
// preference order. The default is to consider whatever the server
// advertises, in the server's order.
func WithMechList(mechs []string) ClientOption {
	return func(c *Client) error {
		c.prefer = append([]string(nil), mechs...)
		return nil
	}
}

// WithHostname records the vhost or server name to announce when the
// exchange opens.
func WithHostname(hostname string) ClientOption {
	return func(c *Client) error {
		return c.sasl.SetRemoteHostname(hostname)
	}
}

// Mech returns the selected mechanism name, or "" before selection.
func (c *Client) Mech() string {
	return c.mech
}

// Advance reacts to whatever the transport has delivered since the
// last call: the advertisement triggers mechanism selection, a
// challenge produces a response, and data arriving with the outcome
// is handed to the mechanism for verification.
func (c *Client) Advance() error {
	s := c.sasl

	if c.impl == nil {
		remote := s.RemoteMechanisms()
		if len(remote) == 0 {
			return nil
		}
		return c.start(remote)
	}

	if s.Pending() == 0 {
		return nil
	}

	buf := make([]byte, s.Pending())
	n, err := s.Recv(buf)
	if err != nil {
		return err
	}

	if s.Complete() {
		// additional data carried by the outcome, eg. a SCRAM
		// server-final message: the mechanism verifies it and must
		// have nothing more to say
		resp, err := c.impl.Next(buf[:n])
		if err != nil {
			return err
		}
		if len(resp) > 0 {
			return errors.New("mech produced data after the outcome")
		}
		return nil
	}

	resp, err := c.impl.Next(buf[:n])
	if err != nil {
		return err
	}
	if resp != nil {
		return s.Send(resp)
	}

	return nil
}

func (c *Client) start(remote []string) error {
	s := c.sasl

	candidates := c.prefer
	if len(candidates) == 0 {
		candidates = remote
	}

	var impl sasl.Client
	for _, name := range candidates {
		s.Debugf("trying mech %s", name)

		if !slices.Contains(remote, name) {
			s.Debugf("mech %s was not advertised by the peer", name)
			continue
		}
		if impl = registry.NewClient(name, c.cfg); impl == nil {
			s.Debugf("mech %s is not available", name)
			continue
		}
		break
	}
	if impl == nil {
		return common.ErrNoMech
	}

	name, ir, err := impl.Start()
	if err != nil {
		return err
	}

	if err := s.SetMechanisms(name); err != nil {
		return err
	}
	if ir != nil {
		if err := s.Send(ir); err != nil {
			return err
		}
	}

	c.impl = impl
	c.mech = name
	s.Debugf("selected mech %s", name)

	return nil
}
