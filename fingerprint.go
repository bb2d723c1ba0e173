package sealbox

import (
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"southwinds.dev/sealbox/internal/crypto"
	"southwinds.dev/sealbox/internal/misc"
)

// FingerprintSource supplies the password material for key derivation
type FingerprintSource interface {
	Fingerprint() string
}

// Descriptor returns one environment attribute, or "" when unavailable
type Descriptor func() string

// FingerprintProvider hashes an ordered list of environment descriptors
// together with the application id. The value is computed once per process.
type FingerprintProvider struct {
	appID       string
	descriptors []Descriptor

	once  sync.Once
	value string
}

// NewFingerprintProvider uses DefaultDescriptors unless descriptors are given
func NewFingerprintProvider(appID string, descriptors ...Descriptor) *FingerprintProvider {
	if len(descriptors) == 0 {
		descriptors = DefaultDescriptors()
	}
	return &FingerprintProvider{appID: appID, descriptors: descriptors}
}

// Fingerprint returns the hex sha256 of the joined descriptors
func (p *FingerprintProvider) Fingerprint() string {
	p.once.Do(func() {
		parts := make([]string, 0, len(p.descriptors)+1)
		for _, d := range p.descriptors {
			parts = append(parts, describe(d))
		}
		parts = append(parts, p.appID)
		p.value = crypto.HashHex(strings.Join(parts, "|"))
	})
	return p.value
}

// describe never panics and never returns an empty component
func describe(d Descriptor) (value string) {
	defer func() {
		if recover() != nil {
			value = misc.FingerprintFallback
		}
	}()
	if value = strings.TrimSpace(d()); value == "" {
		value = misc.FingerprintFallback
	}
	return value
}

// DefaultDescriptors lists the attributes of the host and user the
// process runs as. The order is part of the fingerprint.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		func() string { return runtime.GOOS },
		func() string { return runtime.GOARCH },
		func() string {
			h, _ := os.Hostname()
			return h
		},
		func() string {
			u, err := user.Current()
			if err != nil {
				return ""
			}
			return u.Username
		},
		func() string {
			h, _ := os.UserHomeDir()
			return h
		},
		func() string { return strconv.Itoa(runtime.NumCPU()) },
		func() string {
			// zone names change with daylight saving, the location does not
			if tz := os.Getenv("TZ"); tz != "" {
				return tz
			}
			return time.Local.String()
		},
		func() string { return os.Getenv("LANG") },
	}
}

// StaticFingerprint is a fixed fingerprint, for tests and for sharing a
// store between hosts
type StaticFingerprint string

func (s StaticFingerprint) Fingerprint() string { return string(s) }
