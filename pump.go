// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package amqpsasl

// Pump moves one batch of pending bytes from one transport into the
// other and reports how many travelled. Two transports wired back to
// back with alternating pumps run a complete negotiation without a
// network in between.
func Pump(from, to *Transport) (int, error) {
	out, err := from.Output()
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}

	if err := to.Input(out); err != nil {
		return len(out), err
	}

	return len(out), nil
}
