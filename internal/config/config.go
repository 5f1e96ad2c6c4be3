// Package config loads daemon settings: built-in defaults, then an optional YAML
// file, then MARKET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"opinions.market/internal/ids"
	"opinions.market/internal/market"
)

// FileEnv names the variable holding the YAML config path.
const FileEnv = "MARKET_CONFIG"

type Config struct {
	HTTPAddr    string `yaml:"httpAddr"    envconfig:"HTTP_ADDR"`
	GRPCAddr    string `yaml:"grpcAddr"    envconfig:"GRPC_ADDR"`
	DatabaseURL string `yaml:"databaseUrl" envconfig:"DATABASE_URL"`
	LogLevel    string `yaml:"logLevel"    envconfig:"LOG_LEVEL"`
	// Secret for operator tokens; env only.
	AuthSecret string `yaml:"-" envconfig:"AUTH_SECRET"`

	HTTP   HTTPConfig   `yaml:"http"   envconfig:"HTTP"`
	Keeper KeeperConfig `yaml:"keeper" envconfig:"KEEPER"`
	Engine EngineConfig `yaml:"engine" envconfig:"ENGINE"`
}

type HTTPConfig struct {
	MaxBodyBytes  int64         `yaml:"maxBodyBytes"  envconfig:"MAX_BODY_BYTES"`
	RateBurst     int           `yaml:"rateBurst"     envconfig:"RATE_BURST"`
	RatePerSecond int           `yaml:"ratePerSecond" envconfig:"RATE_PER_SECOND"`
	CORSOrigins   []string      `yaml:"corsOrigins"   envconfig:"CORS_ORIGINS"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace" envconfig:"SHUTDOWN_GRACE"`
}

type KeeperConfig struct {
	Enabled   bool          `yaml:"enabled"   envconfig:"ENABLED"`
	Interval  time.Duration `yaml:"interval"  envconfig:"INTERVAL"`
	Batch     int           `yaml:"batch"     envconfig:"BATCH"`
	SkipCache int           `yaml:"skipCache" envconfig:"SKIP_CACHE"`
	// Identity the keeper signs settlements and distributions as.
	Signer ids.Pubkey `yaml:"signer" envconfig:"SIGNER"`
}

// EngineConfig holds the parameters written into the market at initialization.
type EngineConfig struct {
	Admin     ids.Pubkey `yaml:"admin"     envconfig:"ADMIN"`
	Payer     ids.Pubkey `yaml:"payer"     envconfig:"PAYER"`
	BaseToken ids.Pubkey `yaml:"baseToken" envconfig:"BASE_TOKEN"`

	BaseDuration     time.Duration `yaml:"baseDuration"     envconfig:"BASE_DURATION"`
	MaxDuration      time.Duration `yaml:"maxDuration"      envconfig:"MAX_DURATION"`
	ExtensionPerVote time.Duration `yaml:"extensionPerVote" envconfig:"EXTENSION_PER_VOTE"`

	CreatorFeeBps  uint64 `yaml:"creatorFeeBps"  envconfig:"CREATOR_FEE_BPS"`
	ProtocolFeeBps uint64 `yaml:"protocolFeeBps" envconfig:"PROTOCOL_FEE_BPS"`
	MotherFeeBps   uint64 `yaml:"motherFeeBps"   envconfig:"MOTHER_FEE_BPS"`

	TiePolicy             string `yaml:"tiePolicy"             envconfig:"TIE_POLICY"`
	BaseVoteCost          uint64 `yaml:"baseVoteCost"          envconfig:"BASE_VOTE_COST"`
	BaseTokenWithdrawable bool   `yaml:"baseTokenWithdrawable" envconfig:"BASE_TOKEN_WITHDRAWABLE"`

	MaxSessionDuration time.Duration `yaml:"maxSessionDuration" envconfig:"MAX_SESSION_DURATION"`
	ProofMaxAge        time.Duration `yaml:"proofMaxAge"        envconfig:"PROOF_MAX_AGE"`
}

// Default returns the built-in settings.
func Default() *Config {
	d := market.DefaultConfig(ids.Zero, ids.Zero, ids.Zero)
	return &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		HTTP: HTTPConfig{
			MaxBodyBytes:  1 << 20,
			RateBurst:     50,
			RatePerSecond: 20,
			ShutdownGrace: 10 * time.Second,
		},
		Keeper: KeeperConfig{
			Enabled:   true,
			Interval:  15 * time.Second,
			Batch:     100,
			SkipCache: 4096,
		},
		Engine: EngineConfig{
			BaseDuration:          seconds(d.BaseDuration),
			MaxDuration:           seconds(d.MaxDuration),
			ExtensionPerVote:      seconds(d.ExtensionPerVote),
			CreatorFeeBps:         d.CreatorFeeBps,
			ProtocolFeeBps:        d.ProtocolFeeBps,
			MotherFeeBps:          d.MotherFeeBps,
			TiePolicy:             string(d.TiePolicy),
			BaseVoteCost:          d.BaseVoteCost,
			BaseTokenWithdrawable: d.BaseTokenWithdrawable,
			MaxSessionDuration:    seconds(d.MaxSessionDuration),
			ProofMaxAge:           seconds(d.ProofMaxAge),
		},
	}
}

func seconds(s int64) time.Duration { return time.Duration(s) * time.Second }

// Load builds the configuration from defaults, the YAML file at path (or at
// $MARKET_CONFIG when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv(FileEnv))
	}
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("market", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: httpAddr is required")
	}
	if c.Keeper.Enabled && (c.Keeper.Interval <= 0 || c.Keeper.Batch <= 0) {
		return errors.New("config: keeper interval and batch must be positive")
	}
	if c.HTTP.RatePerSecond <= 0 || c.HTTP.RateBurst <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	return nil
}

// Global converts the engine section into the market configuration. Identity
// fields left unset here must be filled in by the caller.
func (e EngineConfig) Global() (market.GlobalConfig, error) {
	for name, d := range map[string]time.Duration{
		"baseDuration": e.BaseDuration, "maxDuration": e.MaxDuration,
		"extensionPerVote": e.ExtensionPerVote, "maxSessionDuration": e.MaxSessionDuration,
		"proofMaxAge": e.ProofMaxAge,
	} {
		if d%time.Second != 0 {
			return market.GlobalConfig{}, fmt.Errorf("config: %s must be whole seconds, got %s", name, d)
		}
	}
	g := market.DefaultConfig(e.Admin, e.Payer, e.BaseToken)
	g.BaseDuration = int64(e.BaseDuration / time.Second)
	g.MaxDuration = int64(e.MaxDuration / time.Second)
	g.ExtensionPerVote = int64(e.ExtensionPerVote / time.Second)
	g.CreatorFeeBps = e.CreatorFeeBps
	g.ProtocolFeeBps = e.ProtocolFeeBps
	g.MotherFeeBps = e.MotherFeeBps
	g.TiePolicy = market.TiePolicy(strings.ToLower(e.TiePolicy))
	g.BaseVoteCost = e.BaseVoteCost
	g.BaseTokenWithdrawable = e.BaseTokenWithdrawable
	g.MaxSessionDuration = int64(e.MaxSessionDuration / time.Second)
	g.ProofMaxAge = int64(e.ProofMaxAge / time.Second)
	return g, nil
}
