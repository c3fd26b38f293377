// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package common

import (
	"errors"
	"fmt"
)

// State errors: the caller used the engine out of order or from the
// wrong role. The engine's state is unchanged when one is returned.
var (
	ErrNoRole          = errors.New("role has not been assigned")
	ErrRoleAssigned    = errors.New("role is already assigned")
	ErrClientOnly      = errors.New("operation requires the client role")
	ErrServerOnly      = errors.New("operation requires the server role")
	ErrNoMechanisms    = errors.New("no mechanisms have been configured")
	ErrMechanismsSet   = errors.New("mechanisms are already configured")
	ErrOutcomeDeclared = errors.New("outcome is already declared")
	ErrComplete        = errors.New("negotiation is already complete")
	ErrStarted         = errors.New("negotiation has already started")
	ErrNoMech          = errors.New("no worthy mechs found")
)

// ProtocolError reports bytes from the peer that are malformed or
// arrive out of sequence. Unlike a failed authentication outcome, a
// protocol error is unrecoverable: the transport refuses further
// input once one has been raised.
type ProtocolError struct {
	Performative string // frame kind, when known
	Reason       string
}

func (e ProtocolError) Error() string {
	if e.Performative != "" {
		return fmt.Sprintf("protocol error in %s: %s", e.Performative, e.Reason)
	}

	return "protocol error: " + e.Reason
}

// ProtoErrorf builds a ProtocolError for the named performative.
func ProtoErrorf(performative, format string, args ...any) error {
	return ProtocolError{
		Performative: performative,
		Reason:       fmt.Sprintf(format, args...),
	}
}
