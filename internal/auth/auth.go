// Package auth resolves API credentials to caller identities. The rest of
// the service never sees raw keys, only the Identity and its trust tier.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"agent-exec-sandbox/internal/security"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the resolved caller of a request.
type Identity struct {
	CallerID string
	Tier     security.Tier
}

// Resolver maps an API key to an identity. Implementations must fail
// closed: any key they do not recognize is ErrUnauthorized.
type Resolver interface {
	Resolve(apiKey string) (Identity, error)
}

// Credential is one configured API key binding.
type Credential struct {
	Key      string `yaml:"key" json:"key"`
	CallerID string `yaml:"caller_id" json:"caller_id"`
	Tier     string `yaml:"tier" json:"tier"`
}

// StaticResolver resolves keys from configuration. Lookups compare in
// constant time so response timing does not narrow the key space.
type StaticResolver struct {
	creds []resolved
}

type resolved struct {
	key      []byte
	identity Identity
}

func NewStaticResolver(creds []Credential) *StaticResolver {
	r := &StaticResolver{}
	for _, c := range creds {
		if c.Key == "" || c.CallerID == "" {
			continue
		}
		r.creds = append(r.creds, resolved{
			key: []byte(c.Key),
			identity: Identity{
				CallerID: c.CallerID,
				Tier:     security.ParseTier(c.Tier),
			},
		})
	}
	return r
}

func (r *StaticResolver) Resolve(apiKey string) (Identity, error) {
	if apiKey == "" {
		return Identity{}, ErrUnauthorized
	}
	key := []byte(apiKey)
	var found *Identity
	for i := range r.creds {
		if subtle.ConstantTimeCompare(r.creds[i].key, key) == 1 {
			found = &r.creds[i].identity
		}
	}
	if found == nil {
		return Identity{}, ErrUnauthorized
	}
	return *found, nil
}

// HashKey fingerprints an API key for audit rows and logs.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
