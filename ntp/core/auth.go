/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package core

import (
	"fmt"

	"github.com/facebook/ntpd/ntp/protocol"
)

// AuthMode selects how packets exchanged with a source are authenticated.
// It is one of AuthNone, AuthSymmetric or AuthNTS.
type AuthMode interface {
	authMode()
	String() string
}

// AuthNone leaves packets unauthenticated
type AuthNone struct{}

// AuthSymmetric authenticates with a shared key
type AuthSymmetric struct {
	KeyID uint32
}

// AuthNTS authenticates with Network Time Security
type AuthNTS struct {
	Session NTSSession
}

func (AuthNone) authMode()      {}
func (AuthSymmetric) authMode() {}
func (AuthNTS) authMode()       {}

func (AuthNone) String() string        { return "none" }
func (a AuthSymmetric) String() string { return fmt.Sprintf("key %d", a.KeyID) }
func (AuthNTS) String() string         { return "nts" }

// NTSSession is an established NTS association with a server
type NTSSession interface {
	// RequestFields returns extension fields authenticating a request
	RequestFields(header []byte) ([]protocol.ExtensionField, error)
	// CheckResponse verifies the extension fields of a response
	CheckResponse(raw []byte, info *protocol.Info) bool
	// Reset drops cookies and keys
	Reset()
}

// authDelay returns how long authenticating a request takes
func (e *Engine) authDelay() float64 {
	switch a := e.auth.(type) {
	case AuthNone, AuthNTS:
		return 0
	case AuthSymmetric:
		return e.deps.Keys.Delay(a.KeyID)
	default:
		panic(fmt.Sprintf("unknown auth mode %T", a))
	}
}

// authenticateRequest appends authentication data to a serialized request
func (e *Engine) authenticateRequest(b []byte) ([]byte, error) {
	switch a := e.auth.(type) {
	case AuthNone:
		return b, nil
	case AuthSymmetric:
		mac, err := e.deps.Keys.Generate(a.KeyID, b)
		if err != nil {
			return nil, fmt.Errorf("generating MAC with key %d: %w", a.KeyID, err)
		}
		return protocol.AppendMAC(b, a.KeyID, mac), nil
	case AuthNTS:
		fields, err := a.Session.RequestFields(b)
		if err != nil {
			return nil, fmt.Errorf("preparing NTS request: %w", err)
		}
		for _, ef := range fields {
			b = protocol.AppendExtensionField(b, ef)
		}
		return b, nil
	default:
		panic(fmt.Sprintf("unknown auth mode %T", a))
	}
}

// checkResponseAuth verifies authentication of a response
func (e *Engine) checkResponseAuth(raw []byte, info *protocol.Info) bool {
	switch a := e.auth.(type) {
	case AuthNone:
		return len(info.ExtensionFields) == 0
	case AuthSymmetric:
		if info.MAC == nil || info.MAC.CryptoNAK() || info.MAC.KeyID != a.KeyID {
			return false
		}
		return e.deps.Keys.Check(a.KeyID, info.AuthData, info.MAC.Digest)
	case AuthNTS:
		return a.Session.CheckResponse(raw, info)
	default:
		panic(fmt.Sprintf("unknown auth mode %T", a))
	}
}

// resetAuth drops authentication state of the association
func (e *Engine) resetAuth() {
	switch a := e.auth.(type) {
	case AuthNone, AuthSymmetric:
	case AuthNTS:
		a.Session.Reset()
	default:
		panic(fmt.Sprintf("unknown auth mode %T", a))
	}
}
