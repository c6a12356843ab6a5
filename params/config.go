package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Engine struct {
	// SweepInterval is how often the node prunes expired orders.
	SweepInterval time.Duration
	// DefaultExpiryHours and MaxExpiryHours seed new classes created from
	// the environment; per-class parameters win.
	DefaultExpiryHours int
	MaxExpiryHours     int
}

type Node struct {
	APIAddr string
	DataDir string
	// EventJournal is the path of the line-delimited event log; empty
	// disables it.
	EventJournal string
	LogLevel     string
	LogFile      string

	// OfficerAddresses and EnforcerAddresses are hex addresses granted
	// the listing-officer (all classes) and enforcement capabilities at
	// boot.
	OfficerAddresses  []string
	EnforcerAddresses []string
	// OpenAccreditation approves every account as a bid participant.
	// Meant for development wiring only.
	OpenAccreditation bool
}

type Config struct {
	Engine Engine
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			SweepInterval:      time.Minute,
			DefaultExpiryHours: 24,
			MaxExpiryHours:     7 * 24,
		},
		Node: Node{
			APIAddr:           ":8080",
			DataDir:           "data",
			EventJournal:      "data/events.log",
			LogLevel:          "info",
			OpenAccreditation: true,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("API_ADDR"); addr != "" {
		cfg.Node.APIAddr = addr
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Node.DataDir = dir
	}
	if journal, ok := os.LookupEnv("EVENT_JOURNAL"); ok {
		cfg.Node.EventJournal = journal
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Node.LogLevel = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Node.LogFile = file
	}

	if raw := os.Getenv("SWEEP_INTERVAL_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.Engine.SweepInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if raw := os.Getenv("DEFAULT_EXPIRY_HOURS"); raw != "" {
		if h, err := strconv.Atoi(raw); err == nil && h > 0 {
			cfg.Engine.DefaultExpiryHours = h
		}
	}
	if raw := os.Getenv("MAX_EXPIRY_HOURS"); raw != "" {
		if h, err := strconv.Atoi(raw); err == nil && h > 0 {
			cfg.Engine.MaxExpiryHours = h
		}
	}

	cfg.Node.OfficerAddresses = splitList(os.Getenv("OFFICER_ADDRESSES"))
	cfg.Node.EnforcerAddresses = splitList(os.Getenv("ENFORCER_ADDRESSES"))
	if raw := os.Getenv("OPEN_ACCREDITATION"); raw != "" {
		cfg.Node.OpenAccreditation = raw == "true"
	}

	return cfg
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
