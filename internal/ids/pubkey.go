package ids

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Size is the byte length of identities, mints and derived keys.
const Size = 32

// Pubkey is a 32-byte identity: a user or session public key, a token mint, a post
// id hash or a content-addressed entity key.
type Pubkey [Size]byte

// Zero is the unset key.
var Zero Pubkey

var ErrInvalidKey = errors.New("ids: invalid key")

// Parse decodes a base58 key.
func Parse(s string) (Pubkey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return FromBytes(raw)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Pubkey {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// FromBytes copies a 32-byte slice into a key.
func FromBytes(raw []byte) (Pubkey, error) {
	var k Pubkey
	if len(raw) != Size {
		return Zero, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, Size, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// FromPublicKey converts an ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (Pubkey, error) {
	return FromBytes(pub)
}

func (k Pubkey) String() string { return base58.Encode(k[:]) }

func (k Pubkey) IsZero() bool { return k == Zero }

func (k Pubkey) Bytes() []byte { return append([]byte(nil), k[:]...) }

// PublicKey returns k viewed as an ed25519 public key.
func (k Pubkey) PublicKey() ed25519.PublicKey { return ed25519.PublicKey(k.Bytes()) }

func (k Pubkey) Compare(o Pubkey) int { return bytes.Compare(k[:], o[:]) }

func (k Pubkey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Derive returns the content-addressed key blake2b-256(kind || seeds...). Each seed is
// length-prefixed so that distinct seed lists never collide.
func Derive(kind string, seeds ...[]byte) Pubkey {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{byte(len(kind))})
	h.Write([]byte(kind))
	for _, s := range seeds {
		h.Write([]byte{byte(len(s) >> 8), byte(len(s))})
		h.Write(s)
	}
	var k Pubkey
	copy(k[:], h.Sum(nil))
	return k
}

// Hash returns blake2b-256 of data, used for post id hashes and scope hashes.
func Hash(data []byte) Pubkey {
	return Pubkey(blake2b.Sum256(data))
}
