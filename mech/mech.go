// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.

// Package mech plugs real SASL mechanisms into the negotiation
// engine: PLAIN, LOGIN and EXTERNAL through emersion/go-sasl,
// ANONYMOUS implemented here against the same interfaces, and
// SCRAM-SHA-1 / SCRAM-SHA-256 through xdg-go/scram. Importing the
// package registers all six; the Client and Server runners drive a
// Transport through a complete negotiation.
package mech

import (
	sasl "github.com/emersion/go-sasl"

	"github.com/golang-auth/go-amqp-sasl/common"
	"github.com/golang-auth/go-amqp-sasl/registry"
)

func init() {
	registry.Register(sasl.Plain, newPlainClient, newPlainServer)
	registry.Register(sasl.Login, newLoginClient, newLoginServer)
	registry.Register(sasl.External, newExternalClient, newExternalServer)
	registry.Register(Anonymous, newAnonymousClient, newAnonymousServer)
	registry.Register(ScramSHA1, newScramSHA1Client, newScramSHA1Server)
	registry.Register(ScramSHA256, newScramSHA256Client, newScramSHA256Server)
}

func newPlainClient(cfg common.Config) sasl.Client {
	return sasl.NewPlainClient(cfg.Identity, cfg.Username, cfg.Password)
}

func newPlainServer(cfg common.Config) sasl.Server {
	if cfg.Authenticate == nil {
		return nil
	}

	return sasl.NewPlainServer(cfg.Authenticate)
}

func newLoginClient(cfg common.Config) sasl.Client {
	return sasl.NewLoginClient(cfg.Username, cfg.Password)
}

func newLoginServer(cfg common.Config) sasl.Server {
	if cfg.Authenticate == nil {
		return nil
	}

	return sasl.NewLoginServer(func(username, password string) error {
		return cfg.Authenticate("", username, password)
	})
}

func newExternalClient(cfg common.Config) sasl.Client {
	return sasl.NewExternalClient(cfg.Identity)
}

func newExternalServer(cfg common.Config) sasl.Server {
	if cfg.AllowExternal == nil {
		return nil
	}

	return emptyFirstServer{sasl.NewExternalServer(cfg.AllowExternal)}
}

// emptyFirstServer collapses an absent first response into an empty
// one. An EXTERNAL or ANONYMOUS exchange is already complete with an
// empty message, so there is no use challenging the client to produce
// one.
type emptyFirstServer struct {
	sasl.Server
}

func (s emptyFirstServer) Next(response []byte) ([]byte, bool, error) {
	if response == nil {
		response = []byte{}
	}

	return s.Server.Next(response)
}
