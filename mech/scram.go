// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

package mech

import (
	"crypto/rand"
	"errors"

	sasl "github.com/emersion/go-sasl"
	"github.com/xdg-go/scram"

	"github.com/golang-auth/go-amqp-sasl/common"
)

// SCRAM mechanism names from RFC 5802 / RFC 7677.
const (
	ScramSHA1   = "SCRAM-SHA-1"
	ScramSHA256 = "SCRAM-SHA-256"
)

// RFC 5802 requires an iteration count of at least 4096.
const scramIterations = 4096

// scramClient adapts an xdg-go/scram conversation to the go-sasl
// client interface. The server-final message rides on the outcome, so
// the last Next call only verifies the server signature and returns
// nothing to send.
type scramClient struct {
	name string
	conv *scram.ClientConversation
	err  error
}

func newScramClient(name string, hgf scram.HashGeneratorFcn, cfg common.Config) sasl.Client {
	c := &scramClient{name: name}

	client, err := hgf.NewClient(cfg.Username, cfg.Password, cfg.Identity)
	if err != nil {
		c.err = err
		return c
	}
	c.conv = client.NewConversation()

	return c
}

func (c *scramClient) Start() (mech string, ir []byte, err error) {
	if c.err != nil {
		return "", nil, c.err
	}

	first, err := c.conv.Step("")
	if err != nil {
		return "", nil, err
	}

	return c.name, []byte(first), nil
}

func (c *scramClient) Next(challenge []byte) (response []byte, err error) {
	if c.err != nil {
		return nil, c.err
	}

	out, err := c.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	if c.conv.Done() {
		// server signature verified, nothing further to send
		return nil, nil
	}

	return []byte(out), nil
}

type scramServer struct {
	conv *scram.ServerConversation
	err  error
}

func newScramServer(hgf scram.HashGeneratorFcn, cfg common.Config) sasl.Server {
	if cfg.LookupPassword == nil {
		return nil
	}

	lookup := func(username string) (scram.StoredCredentials, error) {
		password, err := cfg.LookupPassword(username)
		if err != nil {
			return scram.StoredCredentials{}, err
		}

		return deriveCredentials(hgf, username, password)
	}

	s := &scramServer{}
	server, err := hgf.NewServer(lookup)
	if err != nil {
		s.err = err
		return s
	}
	s.conv = server.NewConversation()

	return s
}

// deriveCredentials turns a plaintext password into stored SCRAM
// credentials with a fresh salt, for directories that do not keep
// pre-salted keys.
func deriveCredentials(hgf scram.HashGeneratorFcn, username, password string) (scram.StoredCredentials, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return scram.StoredCredentials{}, err
	}

	client, err := hgf.NewClient(username, password, "")
	if err != nil {
		return scram.StoredCredentials{}, err
	}
	kf := scram.KeyFactors{Salt: string(salt), Iters: scramIterations}

	return client.GetStoredCredentials(kf), nil
}

func (s *scramServer) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if response == nil {
		// client-first mechanism: elicit the first message
		return []byte{}, false, nil
	}

	out, err := s.conv.Step(string(response))
	if err != nil {
		return nil, false, err
	}

	if s.conv.Done() {
		if !s.conv.Valid() {
			return nil, false, errors.New("proof did not validate")
		}
		// the server-final message travels with the outcome
		return []byte(out), true, nil
	}

	return []byte(out), false, nil
}

func newScramSHA1Client(cfg common.Config) sasl.Client {
	return newScramClient(ScramSHA1, scram.SHA1, cfg)
}

func newScramSHA1Server(cfg common.Config) sasl.Server {
	return newScramServer(scram.SHA1, cfg)
}

func newScramSHA256Client(cfg common.Config) sasl.Client {
	return newScramClient(ScramSHA256, scram.SHA256, cfg)
}

func newScramSHA256Server(cfg common.Config) sasl.Server {
	return newScramServer(scram.SHA256, cfg)
}
