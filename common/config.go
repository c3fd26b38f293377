// Copyright 2021 Jake Scott. All rights reserved.
// Use of this source code is governed by the Apache License
// version 2.0 that can be found in the LICENSE file.
package common

// Config carries the credentials and callbacks a mechanism adapter may
// need. Client-side adapters read the credential fields; server-side
// adapters call whichever callback their mechanism uses and treat a
// nil callback as "mechanism not available".
type Config struct {
	// client side
	Identity string // authorization identity; usually empty
	Username string
	Password string
	Trace    string // trace information for ANONYMOUS

	// server side
	Authenticate   func(identity, username, password string) error
	AllowAnonymous func(trace string) error
	AllowExternal  func(identity string) error
	LookupPassword func(username string) (string, error)
}
