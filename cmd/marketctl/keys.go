package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"opinions.market/internal/auth"
	"opinions.market/internal/ids"
	"opinions.market/internal/market"
)

type keypair struct {
	Public string `json:"public"`
	Seed   string `json:"seed"`
}

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 market identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			key, err := ids.FromPublicKey(pub)
			if err != nil {
				return err
			}
			return printJSON(cmd, keypair{Public: key.String(), Seed: base58.Encode(priv.Seed())})
		},
	}
}

// loadSeed decodes a base58 ed25519 seed.
func loadSeed(raw string) (ed25519.PrivateKey, error) {
	seed, err := base58.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func tokenCommand() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token signed with $" + auth.SecretEnv,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokens, err := auth.FromEnv()
			if err != nil {
				return err
			}
			who, err := ids.Parse(subject)
			if err != nil {
				return fmt.Errorf("subject: %w", err)
			}
			token, exp, err := tokens.Issue(who, roles, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"token": token, "expires_at": exp})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator market key (base58)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "roles to grant (admin, operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func sessionProofCommand() *cobra.Command {
	var (
		seedEnv    string
		key        string
		ttl        time.Duration
		privileges string
	)
	cmd := &cobra.Command{
		Use:   "session-proof",
		Short: "Sign a delegation to a session key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := os.Getenv(seedEnv)
			if raw == "" {
				return errors.New("user seed missing: set $" + seedEnv)
			}
			priv, err := loadSeed(raw)
			if err != nil {
				return err
			}
			sessionKey, err := ids.Parse(key)
			if err != nil {
				return fmt.Errorf("key: %w", err)
			}
			scope, err := market.ParsePrivileges(privileges)
			if err != nil {
				return err
			}
			now := time.Now().Unix()
			proof, err := market.SignSession(priv, sessionKey, now+int64(ttl/time.Second), now, scope)
			if err != nil {
				return err
			}
			user, _ := ids.FromPublicKey(priv.Public().(ed25519.PublicKey))
			return printJSON(cmd, map[string]any{"user": user, "key": sessionKey, "proof": proof})
		},
	}
	cmd.Flags().StringVar(&seedEnv, "seed-env", "MARKET_USER_SEED", "environment variable holding the user's base58 seed")
	cmd.Flags().StringVar(&key, "key", "", "session key to delegate to (base58)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "requested session lifetime")
	cmd.Flags().StringVar(&privileges, "privileges", "all", "comma-separated privileges: post, vote, claim")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
