package ids

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	a := NewAt(at)
	b := NewAt(at)
	if !(a < b) {
		t.Fatalf("ids not monotonic: %s >= %s", a, b)
	}
	ts, err := Time(a)
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(at) {
		t.Fatalf("timestamp mismatch: %v != %v", ts, at)
	}
}

func TestPubkeyTextRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	k, err := FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != k {
		t.Fatalf("round trip mismatch: %s != %s", got, k)
	}
	if _, err := Parse("not-base58-0OIl"); err == nil {
		t.Fatal("expected error for invalid base58")
	}
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDeriveSeparatesSeeds(t *testing.T) {
	a := Derive("vault", []byte("ab"), []byte("c"))
	b := Derive("vault", []byte("a"), []byte("bc"))
	c := Derive("pot", []byte("ab"), []byte("c"))
	if a == b || a == c {
		t.Fatal("derived keys collide")
	}
	if a != Derive("vault", []byte("ab"), []byte("c")) {
		t.Fatal("derive not deterministic")
	}
}
