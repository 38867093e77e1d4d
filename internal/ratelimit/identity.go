package ratelimit

import (
	"encoding/hex"
	"net"
	"strings"

	"github.com/smallbiznis/licensegate/internal/config"
	"golang.org/x/crypto/blake2b"
)

// Identity is the client a window belongs to.
type Identity struct {
	ClientID      string
	Authenticated bool
}

// IdentityFor keys authenticated clients by a fingerprint of their API key so
// raw credentials never reach the counter store. Anonymous clients are keyed
// by address.
func IdentityFor(apiKey, remoteAddr string) Identity {
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		return Identity{ClientID: "api_key:" + Fingerprint(apiKey), Authenticated: true}
	}
	return Identity{ClientID: "ip:" + normalizeAddr(remoteAddr)}
}

func (i Identity) Tier() string {
	if i.Authenticated {
		return config.TierAuthenticated
	}
	return config.TierAnonymous
}

// Fingerprint is a short, stable digest of a credential.
func Fingerprint(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:16])
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if first, _, found := strings.Cut(addr, ","); found {
		addr = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}
