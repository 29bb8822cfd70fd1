package main

import (
	"CustodyBank/internal/address"
	"CustodyBank/internal/bank"
	"CustodyBank/internal/ledger"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultProgramID is where the bank is deployed unless configured otherwise.
const DefaultProgramID = "A1bkf3AzShc8sbq3Jpj7yWkQ1LPptcBnwApvpZnEVugq"

// Config holds all application configuration. Values come from CUSTODY_*
// environment variables and may be overridden by a TOML file.
type Config struct {
	LogLevel string `toml:"log_level"`

	// Postgres. Empty runs without the invocation log.
	PostgresURL string `toml:"postgres_url"`

	// NATS. Empty disables the JetStream ingest and receipt streams.
	NATSURL string `toml:"nats_url"`

	// Channels
	PersistChanSize int `toml:"persist_chan_size"`
	PublishChanSize int `toml:"publish_chan_size"`

	// Persistence worker
	PersistBatchSize    int           `toml:"persist_batch_size"`
	PersistFlushTimeout time.Duration `toml:"persist_flush_timeout"`

	// Snapshot every N invocations
	SnapshotInterval int64 `toml:"snapshot_interval"`

	// gRPC/HTTP/Metrics
	GRPCAddr    string `toml:"grpc_addr"`
	HTTPAddr    string `toml:"http_addr"`
	MetricsAddr string `toml:"metrics_addr"`

	IdempotencyLRUCapacity int `toml:"idempotency_lru_capacity"`

	Bank    BankConfig       `toml:"bank"`
	Genesis []GenesisAccount `toml:"genesis"`
}

// BankConfig selects the deployment of the custody program.
type BankConfig struct {
	ProgramID   string `toml:"program_id"`
	CustodySeed string `toml:"custody_seed"`
	RentTarget  string `toml:"rent_target"`
}

// GenesisAccount is a ledger account created at startup. Kind is "token"
// or "system".
type GenesisAccount struct {
	Address   string `toml:"address"`
	Kind      string `toml:"kind"`
	Mint      string `toml:"mint"`
	Authority string `toml:"authority"`
	Amount    uint64 `toml:"amount"`
	Lamports  uint64 `toml:"lamports"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:               envOrDefault("CUSTODY_LOG_LEVEL", "info"),
		PostgresURL:            os.Getenv("CUSTODY_POSTGRES_DSN"),
		NATSURL:                os.Getenv("CUSTODY_NATS_URL"),
		PersistChanSize:        envIntOrDefault("CUSTODY_PERSIST_CHAN_SIZE", 1024),
		PublishChanSize:        envIntOrDefault("CUSTODY_PUBLISH_CHAN_SIZE", 2048),
		PersistBatchSize:       envIntOrDefault("CUSTODY_PERSIST_BATCH_SIZE", 50),
		PersistFlushTimeout:    envDurationOrDefault("CUSTODY_PERSIST_FLUSH_TIMEOUT", 10*time.Millisecond),
		SnapshotInterval:       int64(envIntOrDefault("CUSTODY_SNAPSHOT_INTERVAL", 100_000)),
		GRPCAddr:               envOrDefault("CUSTODY_GRPC_ADDR", ":9090"),
		HTTPAddr:               envOrDefault("CUSTODY_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("CUSTODY_METRICS_ADDR", ":9091"),
		IdempotencyLRUCapacity: envIntOrDefault("CUSTODY_IDEMPOTENCY_LRU_CAPACITY", 1_000_000),
		Bank: BankConfig{
			ProgramID:   envOrDefault("CUSTODY_PROGRAM_ID", DefaultProgramID),
			CustodySeed: envOrDefault("CUSTODY_SEED", bank.DefaultCustodySeed),
			RentTarget:  envOrDefault("CUSTODY_RENT_TARGET", "deposited"),
		},
	}
}

// LoadConfig returns DefaultConfig overlaid with the TOML file at path.
// Keys missing from the file keep their environment value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}
	return cfg, nil
}

// programID parses the configured program address.
func (c BankConfig) programID() (address.Address, error) {
	id, err := address.Parse(c.ProgramID)
	if err != nil {
		return address.Address{}, fmt.Errorf("bank.program_id: %w", err)
	}
	return id, nil
}

// processorConfig builds the bank program configuration.
func (c BankConfig) processorConfig() (bank.Config, error) {
	if c.CustodySeed == "" {
		return bank.Config{}, errors.New("bank.custody_seed is empty")
	}
	target, err := bank.ParseRentTarget(c.RentTarget)
	if err != nil {
		return bank.Config{}, fmt.Errorf("bank.rent_target: %w", err)
	}
	cfg := bank.DefaultConfig()
	cfg.CustodySeed = []byte(c.CustodySeed)
	cfg.DepositRentTarget = target
	return cfg, nil
}

// account converts a genesis entry into a ledger account. Token accounts
// without lamports are funded to the rent-exemption minimum.
func (g GenesisAccount) account(exempt uint64) (ledger.Account, error) {
	key, err := address.Parse(g.Address)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("genesis address %q: %w", g.Address, err)
	}

	switch g.Kind {
	case "system":
		return ledger.NewSystemAccount(key, g.Lamports), nil
	case "", "token":
		mint := address.NativeMint
		if g.Mint != "" {
			if mint, err = address.Parse(g.Mint); err != nil {
				return ledger.Account{}, fmt.Errorf("genesis %s mint: %w", key, err)
			}
		}
		authority, err := address.Parse(g.Authority)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("genesis %s authority: %w", key, err)
		}
		lamports := g.Lamports
		if lamports == 0 {
			lamports = exempt
		}
		return ledger.NewTokenAccount(key, mint, authority, g.Amount, lamports), nil
	default:
		return ledger.Account{}, fmt.Errorf("genesis %s: unknown kind %q", key, g.Kind)
	}
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
