package market

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"opinions.market/internal/events"
	"opinions.market/internal/ids"
)

// PrivilegeSet is the set of actions a session key may perform. The empty set
// delegates every action.
type PrivilegeSet uint8

const (
	PrivilegePost PrivilegeSet = 1 << iota
	PrivilegeVote
	PrivilegeClaim

	AllPrivileges = PrivilegePost | PrivilegeVote | PrivilegeClaim
)

var privilegeNames = []struct {
	bit  PrivilegeSet
	name string
}{
	{PrivilegePost, "post"},
	{PrivilegeVote, "vote"},
	{PrivilegeClaim, "claim"},
}

// Covers reports whether the set grants need.
func (s PrivilegeSet) Covers(need PrivilegeSet) bool {
	return s == 0 || s&need == need
}

// ScopeHash commits to the set. Full delegation hashes to the zero key.
func (s PrivilegeSet) ScopeHash() ids.Pubkey {
	if s == 0 || s&AllPrivileges == AllPrivileges {
		return ids.Zero
	}
	return ids.Hash(append([]byte("opinions.market/scope/v1"), byte(s)))
}

func (s PrivilegeSet) String() string {
	if s == 0 {
		return "all"
	}
	var names []string
	for _, p := range privilegeNames {
		if s&p.bit != 0 {
			names = append(names, p.name)
		}
	}
	return strings.Join(names, ",")
}

func (s PrivilegeSet) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PrivilegeSet) UnmarshalText(text []byte) error {
	parsed, err := ParsePrivileges(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParsePrivileges parses a comma-separated list such as "vote,claim". "" and "all"
// yield full delegation.
func ParsePrivileges(v string) (PrivilegeSet, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "all" {
		return 0, nil
	}
	var out PrivilegeSet
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		found := false
		for _, p := range privilegeNames {
			if p.name == part {
				out |= p.bit
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("market: unknown privilege %q", part)
		}
	}
	return out, nil
}

// SessionProof is the user's signed consent to delegate to a session key.
type SessionProof struct {
	ExpiresAt  int64        `json:"expires_at"`
	IssuedAt   int64        `json:"issued_at"`
	Privileges PrivilegeSet `json:"privileges"`
	Signature  []byte       `json:"signature"`
}

const (
	sessionDomain = "opinions.market/session/v1"
	// proofClockSkew tolerates proofs issued slightly ahead of the engine clock.
	proofClockSkew = 30
)

// SessionMessage is the byte string a user signs to delegate to key.
func SessionMessage(user, key ids.Pubkey, expiresAt, issuedAt int64, scope ids.Pubkey) []byte {
	msg := make([]byte, 0, len(sessionDomain)+3*ids.Size+16)
	msg = append(msg, sessionDomain...)
	msg = append(msg, user[:]...)
	msg = append(msg, key[:]...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(expiresAt))
	msg = binary.BigEndian.AppendUint64(msg, uint64(issuedAt))
	msg = append(msg, scope[:]...)
	return msg
}

// SignSession builds a proof delegating privileges to key, signed by the user's
// private key.
func SignSession(priv ed25519.PrivateKey, key ids.Pubkey, expiresAt, issuedAt int64, privileges PrivilegeSet) (SessionProof, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return SessionProof{}, errors.New("market: not an ed25519 key")
	}
	user, err := ids.FromPublicKey(pub)
	if err != nil {
		return SessionProof{}, err
	}
	msg := SessionMessage(user, key, expiresAt, issuedAt, privileges.ScopeHash())
	return SessionProof{
		ExpiresAt:  expiresAt,
		IssuedAt:   issuedAt,
		Privileges: privileges,
		Signature:  ed25519.Sign(priv, msg),
	}, nil
}

// Verify checks the proof's signature by user over the delegation to key.
func (p SessionProof) Verify(user, key ids.Pubkey) bool {
	if len(p.Signature) != ed25519.SignatureSize {
		return false
	}
	msg := SessionMessage(user, key, p.ExpiresAt, p.IssuedAt, p.Privileges.ScopeHash())
	return ed25519.Verify(user.PublicKey(), msg, p.Signature)
}

// RegisterSession verifies a fresh proof that user delegates to key and records the
// session. Expiry is clamped to the configured maximum session length.
// Registering the same key again replaces its expiry and scope.
func (e *Engine) RegisterSession(ctx context.Context, payer, user, key ids.Pubkey, proof SessionProof) (Session, error) {
	if key.IsZero() || user.IsZero() {
		return Session{}, ErrInvalidSignatureInstruction
	}
	if !proof.Verify(user, key) {
		return Session{}, ErrInvalidSignatureInstruction
	}
	var out Session
	err := e.update(ctx, "register_session", func(ctx context.Context, t *txn) error {
		cfg, err := loadConfig(ctx, t)
		if err != nil {
			return err
		}
		now := t.unix()
		if proof.IssuedAt > now+proofClockSkew || now-proof.IssuedAt > cfg.ProofMaxAge {
			return fmt.Errorf("%w: stale proof", ErrInvalidSignatureInstruction)
		}
		if proof.ExpiresAt <= now {
			return ErrSessionExpired
		}
		out = Session{
			User:         user,
			Key:          key,
			ExpiresAt:    min(proof.ExpiresAt, now+cfg.MaxSessionDuration),
			Privileges:   proof.Privileges,
			ScopeHash:    proof.Privileges.ScopeHash(),
			RegisteredAt: now,
		}
		if err := t.PutSession(ctx, out); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.SessionRegistered, Actor: payer, Fields: map[string]any{
			"user": user.String(), "key": key.String(), "expires_at": out.ExpiresAt, "privileges": out.Privileges.String(),
		}})
		return nil
	})
	return out, err
}

// RevokeSession expires a session immediately. Only the user may revoke; a
// session key cannot revoke itself or any sibling.
func (e *Engine) RevokeSession(ctx context.Context, auth Auth, key ids.Pubkey) (Session, error) {
	if err := requireOwner(auth); err != nil {
		return Session{}, err
	}
	user := auth.User
	var out Session
	err := e.update(ctx, "revoke_session", func(ctx context.Context, t *txn) error {
		var err error
		out, err = t.Session(ctx, user, key)
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthorizedSigner
		}
		if err != nil {
			return err
		}
		if now := t.unix(); out.ExpiresAt > now {
			out.ExpiresAt = now
		}
		if err := t.PutSession(ctx, out); err != nil {
			return err
		}
		t.emit(events.Event{Type: events.SessionRevoked, Actor: user, Fields: map[string]any{"key": key.String()}})
		return nil
	})
	return out, err
}

// GetSession returns a registered session.
func (e *Engine) GetSession(ctx context.Context, user, key ids.Pubkey) (Session, error) {
	var out Session
	err := e.view(ctx, "get_session", func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Session(ctx, user, key)
		return err
	})
	return out, err
}

// requireOwner accepts only the user's own signature.
func requireOwner(auth Auth) error {
	if auth.User.IsZero() || auth.Signer != auth.User {
		return ErrUnauthorized
	}
	return nil
}

// authorize accepts the user's own signature or a live session key whose scope
// covers need.
func authorize(ctx context.Context, t *txn, auth Auth, need PrivilegeSet) error {
	if auth.User.IsZero() || auth.Signer.IsZero() {
		return ErrUnauthorized
	}
	if auth.Signer == auth.User {
		return nil
	}
	s, err := t.Session(ctx, auth.User, auth.Signer)
	if errors.Is(err, ErrNotFound) {
		return ErrUnauthorizedSigner
	}
	if err != nil {
		return err
	}
	if t.unix() >= s.ExpiresAt {
		return ErrSessionExpired
	}
	if !s.Privileges.Covers(need) {
		return fmt.Errorf("%w: session scope %s lacks %s", ErrUnauthorizedSigner, s.Privileges, need)
	}
	return nil
}
