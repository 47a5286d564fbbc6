// Package auth decides controller access for a handshake.
//
// It holds no sessions; callers pass the client type and presented key.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken validates against a single shared key.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Grant is the access level given to an authenticated client.
type Grant struct {
	APIAccess bool
	Message   string
}

// Policy maps a handshake onto a Grant.
//
// Observers and every client of an open controller (nil Validator) get demo
// access. A control client with a valid key gets full access; any other key is
// rejected.
type Policy struct {
	Validator    Validator
	ObserverType string
}

// NewKeyPolicy builds a Policy around one shared key. An empty key opens the
// controller in demo mode.
func NewKeyPolicy(key, observerType string) Policy {
	p := Policy{ObserverType: observerType}
	if strings.TrimSpace(key) != "" {
		p.Validator = StaticToken{Token: key}
	}
	return p
}

func (p Policy) Authorize(clientType, key string) (Grant, error) {
	if p.Validator == nil {
		return Grant{Message: "Demo mode - No API key configured"}, nil
	}
	if p.ObserverType != "" && clientType == p.ObserverType {
		return Grant{Message: "Demo mode - Visitor mode"}, nil
	}
	if err := p.Validator.Validate(key); err != nil {
		return Grant{}, err
	}
	return Grant{APIAccess: true, Message: "Full access"}, nil
}
