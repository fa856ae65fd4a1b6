package secrets

import (
	"fmt"
)

// KeyUse identifies which token variant a signing key protects. Each use has
// an independent key so a leaked medical-scope key cannot mint access tokens.
type KeyUse string

const (
	UseAccess  KeyUse = "access"
	UseRefresh KeyUse = "refresh"
	UseMedical KeyUse = "medical"
	UseReset   KeyUse = "reset"
)

// Keys holds the primary signing key for one use plus an optional secondary
// key that is still accepted for verification during a rotation grace window.
// Only the primary ever signs.
type Keys struct {
	Primary   []byte
	Secondary []byte
}

// VerificationKeys returns the keys to try when verifying, primary first.
func (k Keys) VerificationKeys() [][]byte {
	if len(k.Secondary) == 0 {
		return [][]byte{k.Primary}
	}
	return [][]byte{k.Primary, k.Secondary}
}

// Provider supplies signing keys by use.
type Provider interface {
	SigningKeys(use KeyUse) (Keys, error)
}

// StaticProvider serves keys loaded once at startup.
type StaticProvider struct {
	keys map[KeyUse]Keys
}

// NewStaticProvider validates that every use has a non-empty primary key.
// A missing key is a configuration error, surfaced at startup rather than on
// the first request that needs it.
func NewStaticProvider(keys map[KeyUse]Keys) (*StaticProvider, error) {
	for _, use := range []KeyUse{UseAccess, UseRefresh, UseMedical, UseReset} {
		k, ok := keys[use]
		if !ok || len(k.Primary) == 0 {
			return nil, fmt.Errorf("secrets: missing %s signing key", use)
		}
		if len(k.Primary) < 32 {
			return nil, fmt.Errorf("secrets: %s signing key must be at least 32 bytes, got %d", use, len(k.Primary))
		}
	}
	cp := make(map[KeyUse]Keys, len(keys))
	for use, k := range keys {
		cp[use] = k
	}
	return &StaticProvider{keys: cp}, nil
}

func (p *StaticProvider) SigningKeys(use KeyUse) (Keys, error) {
	k, ok := p.keys[use]
	if !ok || len(k.Primary) == 0 {
		return Keys{}, fmt.Errorf("secrets: no signing key for use %q", use)
	}
	return k, nil
}
