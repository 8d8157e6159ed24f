// Package domain contains core domain types for the pairbot session controller.
package domain

import (
	"time"
)

// Credentials is the durable key/session material that lets a session resume
// without pairing again. Only the credential store persists it and only the
// transport produces new values.
type Credentials struct {
	DeviceID  string            `json:"device_id"`
	Account   string            `json:"account,omitempty"`
	Token     string            `json:"token"`
	Keys      map[string][]byte `json:"keys,omitempty"`
	Counter   uint64            `json:"counter"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Valid reports whether the credentials carry enough material to attempt a resume.
func (c *Credentials) Valid() bool {
	return c != nil && c.DeviceID != "" && c.Token != ""
}

// Clone returns a deep copy so callers never share the key map.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	if c.Keys != nil {
		out.Keys = make(map[string][]byte, len(c.Keys))
		for k, v := range c.Keys {
			out.Keys[k] = append([]byte(nil), v...)
		}
	}
	return &out
}
