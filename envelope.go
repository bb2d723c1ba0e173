package sealbox

import (
	"encoding/json"
	"fmt"
	"time"

	"southwinds.dev/sealbox/internal/crypto"
	"southwinds.dev/sealbox/internal/misc"
)

// ExpiryOptions sets when a value stops being readable. ExpiresIn wins
// over ExpiresAt; leaving both zero means the value never expires.
type ExpiryOptions struct {
	ExpiresIn time.Duration
	ExpiresAt time.Time
}

func (e ExpiryOptions) validate() error {
	if e.ExpiresIn < 0 {
		return fmt.Errorf("%w: expires in %s", ErrInvalidExpiry, e.ExpiresIn)
	}
	return nil
}

// deadline returns the absolute expiry in unix milliseconds, or nil
func (e ExpiryOptions) deadline(now time.Time) *int64 {
	var at time.Time
	switch {
	case e.ExpiresIn > 0:
		at = now.Add(e.ExpiresIn)
	case !e.ExpiresAt.IsZero():
		at = e.ExpiresAt
	default:
		return nil
	}
	ms := at.UnixMilli()
	return &ms
}

// envelope is the JSON document sealed for every stored value
type envelope struct {
	Value      string `json:"value"`
	CreatedAt  int64  `json:"createdAt"`
	ModifiedAt int64  `json:"modifiedAt"`
	Version    int    `json:"version"`
	Compressed bool   `json:"compressed"`
	ExpiresAt  *int64 `json:"expiresAt,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Key        string `json:"key,omitempty"`
}

// envelopeProbe detects missing required fields
type envelopeProbe struct {
	Value   *string `json:"value"`
	Version *int    `json:"version"`
}

// wrap builds the envelope around an already (possibly) compressed value
func wrap(key, value string, compressed bool, expiry ExpiryOptions, now time.Time) envelope {
	ms := now.UnixMilli()
	return envelope{
		Value:      value,
		CreatedAt:  ms,
		ModifiedAt: ms,
		Version:    misc.EnvelopeVersion,
		Compressed: compressed,
		ExpiresAt:  expiry.deadline(now),
		Checksum:   crypto.CalculateChecksum([]byte(value)),
		Key:        key,
	}
}

// unwrap parses a decrypted payload. legacy is true when the payload is
// not an envelope and must be treated as a bare value.
func unwrap(data []byte) (env envelope, legacy bool) {
	var probe envelopeProbe
	if err := json.Unmarshal(data, &probe); err != nil || probe.Value == nil || probe.Version == nil {
		return envelope{}, true
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, true
	}
	return env, false
}

func (e envelope) marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func (e envelope) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.UnixMilli() >= *e.ExpiresAt
}

// checksumValid reports whether the checksum matches; no checksum is valid
func (e envelope) checksumValid() bool {
	return e.Checksum == "" || e.Checksum == crypto.CalculateChecksum([]byte(e.Value))
}
