// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package amqpsasl

import "fmt"

// Outcome is the terminal result of a negotiation. The non-negative
// values are the wire codes of the sasl-outcome frame; OutcomeNone
// means no outcome has been reached yet.
type Outcome int8

const (
	OutcomeNone    Outcome = iota - 1 // negotiation still in progress
	OutcomeOK                         // authentication succeeded
	OutcomeAuth                       // failed due to bad credentials
	OutcomeSys                        // failed due to a system error
	OutcomeSysPerm                    // failed due to an unrecoverable system error
	OutcomeSysTemp                    // failed due to a transient system error
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeOK:
		return "ok"
	case OutcomeAuth:
		return "auth"
	case OutcomeSys:
		return "sys"
	case OutcomeSysPerm:
		return "sys-perm"
	case OutcomeSysTemp:
		return "sys-temp"
	}

	return fmt.Sprintf("outcome(%d)", int8(o))
}
