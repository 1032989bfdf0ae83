package auth

import (
	"errors"
	"testing"

	"agent-exec-sandbox/internal/security"
)

func TestResolve(t *testing.T) {
	r := NewStaticResolver([]Credential{
		{Key: "key-standard", CallerID: "agent-a", Tier: "standard"},
		{Key: "key-priv", CallerID: "ops", Tier: "privileged"},
		{Key: "", CallerID: "ignored"},
		{Key: "orphan-key", CallerID: ""},
	})

	id, err := r.Resolve("key-standard")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.CallerID != "agent-a" || id.Tier != security.TierStandard {
		t.Errorf("identity = %+v", id)
	}

	id, err = r.Resolve("key-priv")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Tier != security.TierPrivileged {
		t.Errorf("tier = %v, want privileged", id.Tier)
	}
}

func TestResolveFailsClosed(t *testing.T) {
	r := NewStaticResolver([]Credential{
		{Key: "key-standard", CallerID: "agent-a", Tier: "standard"},
	})

	for _, key := range []string{"", "wrong", "key-standard ", "orphan-key"} {
		if _, err := r.Resolve(key); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Resolve(%q) err = %v, want ErrUnauthorized", key, err)
		}
	}
}

func TestUnknownTierFailsToStandard(t *testing.T) {
	r := NewStaticResolver([]Credential{
		{Key: "k", CallerID: "agent", Tier: "superuser"},
	})
	id, err := r.Resolve("k")
	if err != nil {
		t.Fatal(err)
	}
	if id.Tier != security.TierStandard {
		t.Errorf("unknown tier resolved to %v, want standard", id.Tier)
	}
}

func TestHashKeyStable(t *testing.T) {
	a := HashKey("secret")
	if a != HashKey("secret") {
		t.Error("hash not deterministic")
	}
	if a == HashKey("secret2") {
		t.Error("distinct keys collide")
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, want 16 hex chars", len(a))
	}
}
