// Package config holds the explicit configuration passed to every component
// at construction. Nothing in this repository reads the environment outside
// of Load.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/avigny/sensorspy/internal/models"
)

// MinGroupSize is the smallest group a game can run with. Below three peers
// a single vote decides the game, which is not a game.
const MinGroupSize = 3

// Config is the root configuration shared by the arbiter, the sensors and
// the reset utility.
type Config struct {
	BrokerURL string          `env:"BROKER_URL" envDefault:"tcp://localhost:1883"`
	PeerGroup []models.PeerID `env:"PEER_GROUP" envDefault:"rpi1,rpi2,rpi3,rpi4"`
	MinPeers  int             `env:"MIN_PEERS" envDefault:"3"`

	RoundsRequired  int           `env:"ROUNDS_REQUIRED" envDefault:"5"`
	ReadingInterval time.Duration `env:"READING_INTERVAL" envDefault:"5s"`
	ImpostorBias    float64       `env:"IMPOSTOR_BIAS" envDefault:"5.0"`

	// InferenceEndpoint is optional; when empty the statistical fallback is
	// the only scorer.
	InferenceEndpoint string        `env:"INFERENCE_ENDPOINT"`
	InferenceModel    string        `env:"INFERENCE_MODEL" envDefault:"gemma3:4b"`
	InferenceTimeout  time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"45s"`

	LobbyTimeout  time.Duration `env:"LOBBY_TIMEOUT" envDefault:"60s"`
	RoleTimeout   time.Duration `env:"ROLE_TIMEOUT" envDefault:"30s"`
	RoundTimeout  time.Duration `env:"ROUND_TIMEOUT" envDefault:"90s"`
	VoteTimeout   time.Duration `env:"VOTE_TIMEOUT" envDefault:"45s"`
	ResultTimeout time.Duration `env:"RESULT_TIMEOUT" envDefault:"60s"`

	PublishAttempts int `env:"PUBLISH_ATTEMPTS" envDefault:"3"`
}

// Load reads an optional .env file, parses the environment and validates the
// result. An empty path skips the .env step entirely.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best effort: a .env in the working directory is picked up when
		// present, ignored otherwise.
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the configuration invariants. A failure here is fatal:
// the process must exit non-zero without creating any game state.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker url is required")
	}
	if c.MinPeers < MinGroupSize {
		return fmt.Errorf("min peers %d is below the minimum group size %d", c.MinPeers, MinGroupSize)
	}
	if len(c.PeerGroup) < c.MinPeers {
		return fmt.Errorf("peer group has %d peers, need at least %d", len(c.PeerGroup), c.MinPeers)
	}
	seen := make(map[models.PeerID]bool, len(c.PeerGroup))
	for _, id := range c.PeerGroup {
		if id == "" {
			return fmt.Errorf("peer group contains an empty peer id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate peer id %q in peer group", id)
		}
		seen[id] = true
	}
	if c.RoundsRequired < 1 {
		return fmt.Errorf("rounds required must be at least 1, got %d", c.RoundsRequired)
	}
	if c.PublishAttempts < 1 {
		return fmt.Errorf("publish attempts must be at least 1, got %d", c.PublishAttempts)
	}
	return nil
}

// ValidatePeer reports whether id belongs to the configured group.
func (c *Config) ValidatePeer(id models.PeerID) error {
	for _, p := range c.PeerGroup {
		if p == id {
			return nil
		}
	}
	return fmt.Errorf("unknown peer id %q, configured group is %v", id, c.PeerGroup)
}
