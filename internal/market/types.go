package market

import (
	"fmt"
	"strings"
	"time"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
)

// Side is a vote direction and, once settled, a post's winning side.
type Side uint8

const (
	SideNone Side = iota
	SidePump
	SideSmack
)

func (s Side) Valid() bool { return s == SidePump || s == SideSmack }

func (s Side) String() string {
	switch s {
	case SidePump:
		return "pump"
	case SideSmack:
		return "smack"
	}
	return "none"
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSide accepts "pump"/"up" and "smack"/"down".
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pump", "up":
		return SidePump, nil
	case "smack", "down":
		return SideSmack, nil
	case "", "none":
		return SideNone, nil
	}
	return SideNone, fmt.Errorf("%w: %q", ErrInvalidSide, v)
}

// Function is what a post is for.
type Function uint8

const (
	FunctionNormal Function = iota
	FunctionQuestion
	FunctionAnswer
)

func (f Function) String() string {
	switch f {
	case FunctionNormal:
		return "normal"
	case FunctionQuestion:
		return "question"
	case FunctionAnswer:
		return "answer"
	}
	return fmt.Sprintf("function(%d)", uint8(f))
}

func (f Function) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Function) UnmarshalText(text []byte) error {
	switch string(text) {
	case "normal":
		*f = FunctionNormal
	case "question":
		*f = FunctionQuestion
	case "answer":
		*f = FunctionAnswer
	default:
		return fmt.Errorf("%w: function %q", ErrInvalidRelation, text)
	}
	return nil
}

// RelationKind says how a post hangs off another post.
type RelationKind uint8

const (
	RelationRoot RelationKind = iota
	RelationReply
	RelationQuote
	RelationAnswerTo
)

func (k RelationKind) String() string {
	switch k {
	case RelationRoot:
		return "root"
	case RelationReply:
		return "reply"
	case RelationQuote:
		return "quote"
	case RelationAnswerTo:
		return "answer_to"
	}
	return fmt.Sprintf("relation(%d)", uint8(k))
}

func (k RelationKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RelationKind) UnmarshalText(text []byte) error {
	for _, c := range []RelationKind{RelationRoot, RelationReply, RelationQuote, RelationAnswerTo} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("%w: relation %q", ErrInvalidRelation, text)
}

// Relation links a post to its parent, quoted post or question. Target is zero for roots.
type Relation struct {
	Kind   RelationKind `json:"kind"`
	Target ids.Pubkey   `json:"target"`
}

func Root() Relation                   { return Relation{Kind: RelationRoot} }
func Reply(parent ids.Pubkey) Relation { return Relation{Kind: RelationReply, Target: parent} }
func Quote(quoted ids.Pubkey) Relation { return Relation{Kind: RelationQuote, Target: quoted} }
func AnswerTo(q ids.Pubkey) Relation   { return Relation{Kind: RelationAnswerTo, Target: q} }

// IsChild reports whether the post has a target post.
func (r Relation) IsChild() bool { return r.Kind != RelationRoot }

// FeedsParent reports whether settlement pays a mother fee to the target.
// Answers never feed the question's pot.
func (r Relation) FeedsParent() bool {
	return r.Kind == RelationReply || r.Kind == RelationQuote
}

// PostState is Open until settlement, then Settled forever.
type PostState uint8

const (
	PostOpen PostState = iota
	PostSettled
)

func (s PostState) String() string {
	if s == PostSettled {
		return "settled"
	}
	return "open"
}

func (s PostState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PostState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "open":
		*s = PostOpen
	case "settled":
		*s = PostSettled
	default:
		return fmt.Errorf("market: unknown post state %q", text)
	}
	return nil
}

// TiePolicy decides settlement when neither side holds a strict majority.
type TiePolicy string

const (
	// TieReject fails settlement with ErrNoWinner.
	TieReject TiePolicy = "reject"
	// TiePump resolves ties and zero-vote posts to Pump.
	TiePump TiePolicy = "pump"
)

const (
	// InitialSocialScore is assigned to every new user account.
	InitialSocialScore int64 = 10_000
	// DefaultBaseVoteCost prices one vote of a fresh user on a fresh root post.
	DefaultBaseVoteCost uint64 = 1
)

// GlobalConfig is the engine's singleton configuration, written once by Initialize.
// Durations are seconds.
type GlobalConfig struct {
	Admin          ids.Pubkey `json:"admin"`
	PayerAuthority ids.Pubkey `json:"payer_authority"`
	BaseToken      ids.Pubkey `json:"base_token"`

	BaseDuration     int64 `json:"base_duration"`
	MaxDuration      int64 `json:"max_duration"`
	ExtensionPerVote int64 `json:"extension_per_vote"`

	CreatorFeeBps  uint64 `json:"creator_fee_bps"`
	ProtocolFeeBps uint64 `json:"protocol_fee_bps"`
	MotherFeeBps   uint64 `json:"mother_fee_bps"`

	TiePolicy             TiePolicy `json:"tie_policy"`
	BaseVoteCost          uint64    `json:"base_vote_cost"`
	BaseTokenWithdrawable bool      `json:"base_token_withdrawable"`

	MaxSessionDuration int64 `json:"max_session_duration"`
	ProofMaxAge        int64 `json:"proof_max_age"`

	InitializedAt int64 `json:"initialized_at"`
}

// DefaultConfig returns the parameters used when nothing else is configured.
func DefaultConfig(admin, payer, baseToken ids.Pubkey) GlobalConfig {
	return GlobalConfig{
		Admin:                 admin,
		PayerAuthority:        payer,
		BaseToken:             baseToken,
		BaseDuration:          int64((24 * time.Hour).Seconds()),
		MaxDuration:           int64((7 * 24 * time.Hour).Seconds()),
		ExtensionPerVote:      60,
		CreatorFeeBps:         500,
		ProtocolFeeBps:        100,
		MotherFeeBps:          1000,
		TiePolicy:             TieReject,
		BaseVoteCost:          DefaultBaseVoteCost,
		BaseTokenWithdrawable: true,
		MaxSessionDuration:    int64((30 * 24 * time.Hour).Seconds()),
		ProofMaxAge:           300,
	}
}

// Validate checks the invariants of a configuration before it is stored.
func (c GlobalConfig) Validate() error {
	switch {
	case c.Admin.IsZero():
		return fmt.Errorf("%w: admin is required", ErrInvalidConfig)
	case c.BaseToken.IsZero():
		return fmt.Errorf("%w: base token is required", ErrInvalidConfig)
	case c.BaseDuration <= 0 || c.MaxDuration <= 0:
		return fmt.Errorf("%w: durations must be positive", ErrInvalidConfig)
	case c.MaxDuration < c.BaseDuration:
		return fmt.Errorf("%w: max duration below base duration", ErrInvalidConfig)
	case c.ExtensionPerVote < 0:
		return fmt.Errorf("%w: extension per vote must not be negative", ErrInvalidConfig)
	case !c.feesFit():
		return fmt.Errorf("%w: fees exceed 100%%", ErrInvalidConfig)
	case c.BaseVoteCost == 0:
		return fmt.Errorf("%w: base vote cost must be positive", ErrInvalidConfig)
	case c.MaxSessionDuration <= 0 || c.ProofMaxAge <= 0:
		return fmt.Errorf("%w: session limits must be positive", ErrInvalidConfig)
	}
	switch c.TiePolicy {
	case TieReject, TiePump:
	default:
		return fmt.Errorf("%w: unknown tie policy %q", ErrInvalidConfig, c.TiePolicy)
	}
	return nil
}

// feesFit reports whether the fee shares together stay within 100%.
func (c GlobalConfig) feesFit() bool {
	sum, err := ledger.Add(c.CreatorFeeBps, c.ProtocolFeeBps)
	if err == nil {
		sum, err = ledger.Add(sum, c.MotherFeeBps)
	}
	return err == nil && sum <= ledger.BPSDenominator
}

type UserAccount struct {
	Owner       ids.Pubkey `json:"owner"`
	SocialScore int64      `json:"social_score"`
	CreatedAt   int64      `json:"created_at"`
}

// PaymentEntry registers a mint as a way to pay. Price is internal units per token.
type PaymentEntry struct {
	Mint         ids.Pubkey `json:"mint"`
	Price        uint64     `json:"price"`
	Enabled      bool       `json:"enabled"`
	Withdrawable bool       `json:"withdrawable"`
}

// Post is one market. ID is the 32-byte content id hash chosen by the creator.
type Post struct {
	ID            ids.Pubkey `json:"id"`
	Creator       ids.Pubkey `json:"creator"`
	Function      Function   `json:"function"`
	Relation      Relation   `json:"relation"`
	StartTime     int64      `json:"start_time"`
	EndTime       int64      `json:"end_time"`
	State         PostState  `json:"state"`
	Upvotes       uint64     `json:"upvotes"`
	Downvotes     uint64     `json:"downvotes"`
	WinningSide   Side       `json:"winning_side"`
	ForcedOutcome Side       `json:"forced_outcome"`
	SettledAt     int64      `json:"settled_at,omitempty"`
}

// Votes returns the post's tally for side.
func (p Post) Votes(side Side) uint64 {
	if side == SidePump {
		return p.Upvotes
	}
	if side == SideSmack {
		return p.Downvotes
	}
	return 0
}

type Position struct {
	Post      ids.Pubkey `json:"post"`
	Voter     ids.Pubkey `json:"voter"`
	Upvotes   uint64     `json:"upvotes"`
	Downvotes uint64     `json:"downvotes"`
}

func (p Position) Votes(side Side) uint64 {
	if side == SidePump {
		return p.Upvotes
	}
	if side == SideSmack {
		return p.Downvotes
	}
	return 0
}

// Payout is the frozen settlement snapshot of one (post, mint) pot.
type Payout struct {
	Post                 ids.Pubkey `json:"post"`
	Mint                 ids.Pubkey `json:"mint"`
	InitialPot           uint64     `json:"initial_pot"`
	TotalPayout          uint64     `json:"total_payout"`
	PayoutPerWinningVote uint64     `json:"payout_per_winning_vote"`
	CreatorFee           uint64     `json:"creator_fee"`
	ProtocolFee          uint64     `json:"protocol_fee"`
	MotherFee            uint64     `json:"mother_fee"`
	Frozen               bool       `json:"frozen"`
	CreatorDistributed   bool       `json:"creator_distributed"`
	MotherDistributed    bool       `json:"mother_distributed"`
	ProtocolDistributed  bool       `json:"protocol_distributed"`
	CreatedAt            int64      `json:"created_at"`
}

// Claim records whether a user has collected a (post, mint) reward.
type Claim struct {
	User      ids.Pubkey `json:"user"`
	Post      ids.Pubkey `json:"post"`
	Mint      ids.Pubkey `json:"mint"`
	Claimed   bool       `json:"claimed"`
	Amount    uint64     `json:"amount"`
	ClaimedAt int64      `json:"claimed_at,omitempty"`
}

// Session delegates a subset of a user's privileges to another key until ExpiresAt.
type Session struct {
	User         ids.Pubkey   `json:"user"`
	Key          ids.Pubkey   `json:"key"`
	ExpiresAt    int64        `json:"expires_at"`
	Privileges   PrivilegeSet `json:"privileges"`
	ScopeHash    ids.Pubkey   `json:"scope_hash"`
	RegisteredAt int64        `json:"registered_at"`
}

// Auth names the user an operation acts for and the key that signed it.
type Auth struct {
	User   ids.Pubkey
	Signer ids.Pubkey
}

// AsUser is an Auth signed by the user's own key.
func AsUser(user ids.Pubkey) Auth { return Auth{User: user, Signer: user} }

// AsSession is an Auth signed by a delegated session key.
func AsSession(user, key ids.Pubkey) Auth { return Auth{User: user, Signer: key} }
