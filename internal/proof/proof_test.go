package proof

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/datamarketnetwork/dmn-server/internal/did"
	"github.com/datamarketnetwork/dmn-server/internal/vault"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()

	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.json"), "test-secret")
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}

	km, err := did.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	id, err := did.FromKey(km.PublicKey)
	if err != nil {
		t.Fatalf("FromKey: %v", err)
	}
	if err := v.Store(id, km.PrivateKey); err != nil {
		t.Fatalf("vault.Store: %v", err)
	}

	return NewEngine(v), id
}

func TestGenerateVerify(t *testing.T) {
	t.Parallel()

	e, id := newTestEngine(t)

	msg := Message("0xAAA", "purchase", time.Now())
	p, err := e.Generate(id, msg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	pub, err := e.PublicKeyFor(id)
	if err != nil {
		t.Fatalf("PublicKeyFor: %v", err)
	}
	if !Verify(p, pub) {
		t.Fatal("valid proof failed verification")
	}
}

func TestTamperedProofRejected(t *testing.T) {
	t.Parallel()

	e, id := newTestEngine(t)

	p, err := e.Generate(id, "0xAAA:access:1700000000")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub, err := e.PublicKeyFor(id)
	if err != nil {
		t.Fatalf("PublicKeyFor: %v", err)
	}

	var parsed Proof
	if err := json.Unmarshal([]byte(p), &parsed); err != nil {
		t.Fatalf("unmarshal proof: %v", err)
	}

	tamper := func(mod func(*Proof)) string {
		cp := parsed
		mod(&cp)
		out, _ := json.Marshal(cp)
		return string(out)
	}

	cases := map[string]string{
		"r":       tamper(func(p *Proof) { p.R = "0x1234" }),
		"s":       tamper(func(p *Proof) { p.S = "0x1234" }),
		"message": tamper(func(p *Proof) { p.Message = "0xBBB:access:1700000000" }),
		"garbage": "not-json",
		"zero-r":  tamper(func(p *Proof) { p.R = "0x0" }),
	}
	for name, bad := range cases {
		if Verify(bad, pub) {
			t.Fatalf("tampered proof (%s) verified", name)
		}
	}
}

func TestWrongPublicKeyRejected(t *testing.T) {
	t.Parallel()

	e, id := newTestEngine(t)
	other, otherID := newTestEngine(t)

	p, err := e.Generate(id, "msg")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	otherPub, err := other.PublicKeyFor(otherID)
	if err != nil {
		t.Fatalf("PublicKeyFor: %v", err)
	}
	if Verify(p, otherPub) {
		t.Fatal("proof verified against an unrelated public key")
	}
}

func TestGenerateUnknownDID(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	if _, err := e.Generate("did:key:zUnknown", "msg"); !errors.Is(err, vault.ErrNoKeyForDID) {
		t.Fatalf("expected ErrNoKeyForDID, got %v", err)
	}
}

func TestVerifyFresh(t *testing.T) {
	t.Parallel()

	e, id := newTestEngine(t)
	now := time.Now()

	fresh, err := e.Generate(id, Message("0xAAA", "purchase", now))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	stale, err := e.Generate(id, Message("0xAAA", "purchase", now.Add(-10*time.Minute)))
	if err != nil {
		t.Fatalf("Generate stale: %v", err)
	}
	future, err := e.Generate(id, Message("0xAAA", "purchase", now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Generate future: %v", err)
	}

	pub, err := e.PublicKeyFor(id)
	if err != nil {
		t.Fatalf("PublicKeyFor: %v", err)
	}

	if !VerifyFresh(fresh, pub, 5*time.Minute, now) {
		t.Fatal("fresh proof rejected")
	}
	if VerifyFresh(stale, pub, 5*time.Minute, now) {
		t.Fatal("stale proof accepted")
	}
	if VerifyFresh(future, pub, 5*time.Minute, now) {
		t.Fatal("future-dated proof accepted")
	}
}

func TestSigningKeyDeterministic(t *testing.T) {
	t.Parallel()

	e, id := newTestEngine(t)

	a, err := e.PublicKeyFor(id)
	if err != nil {
		t.Fatalf("PublicKeyFor: %v", err)
	}
	b, err := e.PublicKeyFor(id)
	if err != nil {
		t.Fatalf("PublicKeyFor: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("cross-curve derivation is not deterministic")
	}
}
