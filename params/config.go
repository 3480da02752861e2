package params

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Market struct {
	// Instruments is a comma-separated list of SYMBOL:PRICE pairs.
	Instruments  string        `env:"INSTRUMENTS"`
	StartingCash float64       `env:"STARTING_CASH"`
	MaxPending   int           `env:"MAX_PENDING"` // 0 = unbounded
	TickInterval time.Duration `env:"TICK_INTERVAL"`
}

type Server struct {
	Addr        string   `env:"API_ADDR"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
}

type Archive struct {
	Enabled bool   `env:"ARCHIVE_ENABLED"`
	Dir     string `env:"ARCHIVE_DIR"`
}

type Log struct {
	Level string `env:"LOG_LEVEL"`
	// File, when set, tees log output to this path.
	File string `env:"LOG_FILE"`
}

// Agent configures cmd/agent.
type Agent struct {
	ID    string        `env:"AGENT_ID"`
	URL   string        `env:"AGENT_URL"`
	Steps int           `env:"AGENT_STEPS"`
	Delay time.Duration `env:"AGENT_DELAY"`
	Seed  int64         `env:"AGENT_SEED"` // 0 = seed from the clock
}

type Config struct {
	Market  Market
	Server  Server
	Archive Archive
	Log     Log
	Agent   Agent
}

// InstrumentSpec is one parsed entry of Market.Instruments.
type InstrumentSpec struct {
	Symbol string
	Price  float64
}

func Default() Config {
	return Config{
		Market: Market{
			Instruments:  "AAPL:100,GOOG:150",
			StartingCash: 1_000_000,
			MaxPending:   10_000,
			TickInterval: time.Second,
		},
		Server: Server{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Archive: Archive{
			Enabled: false,
			Dir:     "data/trades",
		},
		Log: Log{
			Level: "info",
		},
		Agent: Agent{
			URL:   "ws://localhost:8080/ws",
			Steps: 100,
			Delay: time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if c.Market.TickInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("TICK_INTERVAL must be positive, got %s", c.Market.TickInterval))
	}
	if c.Market.StartingCash < 0 {
		err = multierr.Append(err, fmt.Errorf("STARTING_CASH must not be negative, got %v", c.Market.StartingCash))
	}
	if c.Market.MaxPending < 0 {
		err = multierr.Append(err, fmt.Errorf("MAX_PENDING must not be negative, got %d", c.Market.MaxPending))
	}
	if _, perr := ParseInstruments(c.Market.Instruments); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("API_ADDR must be set"))
	}
	if c.Archive.Enabled && c.Archive.Dir == "" {
		err = multierr.Append(err, errors.New("ARCHIVE_DIR must be set when ARCHIVE_ENABLED"))
	}
	if c.Agent.Steps < 0 {
		err = multierr.Append(err, fmt.Errorf("AGENT_STEPS must not be negative, got %d", c.Agent.Steps))
	}
	if c.Agent.Delay < 0 {
		err = multierr.Append(err, fmt.Errorf("AGENT_DELAY must not be negative, got %s", c.Agent.Delay))
	}
	return err
}

// ParseInstruments parses "AAPL:100,GOOG:150". Order is kept; symbols must be
// unique and prices positive.
func ParseInstruments(s string) ([]InstrumentSpec, error) {
	var out []InstrumentSpec
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, ok := strings.Cut(part, ":")
		sym = strings.TrimSpace(sym)
		if !ok || sym == "" {
			return nil, fmt.Errorf("INSTRUMENTS: entry %q is not SYMBOL:PRICE", part)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("INSTRUMENTS: invalid price in %q", part)
		}
		if seen[sym] {
			return nil, fmt.Errorf("INSTRUMENTS: duplicate symbol %s", sym)
		}
		seen[sym] = true
		out = append(out, InstrumentSpec{Symbol: sym, Price: price})
	}
	if len(out) == 0 {
		return nil, errors.New("INSTRUMENTS: at least one instrument is required")
	}
	return out, nil
}
