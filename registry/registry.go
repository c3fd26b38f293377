// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package registry

import (
	"regexp"
	"sort"

	sasl "github.com/emersion/go-sasl"

	"github.com/golang-auth/go-amqp-sasl/common"
)

// See RFC 4422 § 3.1
var saslMechRegexp = regexp.MustCompile(`^[A-Z0-9-_]{1,20}$`)

// A ClientFactory builds the client half of a mechanism from the
// caller's credentials. Factories return nil when the configuration
// cannot support the mechanism.
type ClientFactory func(common.Config) sasl.Client

// A ServerFactory builds the server half of a mechanism around the
// caller's verification callbacks.
type ServerFactory func(common.Config) sasl.Server

type mech struct {
	client ClientFactory
	server ServerFactory
}

var mechs map[string]mech

func init() {
	mechs = make(map[string]mech)
}

// Register should be called by mechanism implementations to make a
// mechanism available for negotiation. Either factory may be nil for
// a mechanism only usable on one side.
func Register(name string, c ClientFactory, s ServerFactory) {
	if !saslMechRegexp.Match([]byte(name)) {
		panic("Bad mech name: " + name)
	}

	_, ok := mechs[name]

	// can't register two mechs with the same name
	if ok {
		panic("Cannot have two mechs named " + name)
	}

	mechs[name] = mech{
		client: c,
		server: s,
	}
}

// IsRegistered can be used to find out whether a named
// mechanism is registered or not
func IsRegistered(name string) bool {
	_, ok := mechs[name]

	return ok
}

// NewClient returns a client for the named mechanism, or nil when the
// mechanism is unknown or the configuration cannot support it.
func NewClient(name string, cfg common.Config) sasl.Client {
	m, ok := mechs[name]

	if ok && m.client != nil {
		return m.client(cfg)
	}

	return nil
}

// NewServer returns a server for the named mechanism, or nil when the
// mechanism is unknown or the configuration cannot support it.
func NewServer(name string, cfg common.Config) sasl.Server {
	m, ok := mechs[name]

	if ok && m.server != nil {
		return m.server(cfg)
	}

	return nil
}

// Mechs returns the registered mechanism names, sorted so that a
// server's advertisement comes out in a stable order.
func Mechs() (l []string) {
	l = make([]string, 0, len(mechs))

	for name := range mechs {
		l = append(l, name)
	}
	sort.Strings(l)

	return
}
