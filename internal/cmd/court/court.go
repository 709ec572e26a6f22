// Package court parses court command flags and composes the service
// entrypoint.
package court

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/louisbranch/couplescourt/internal/court/app"
	"github.com/louisbranch/couplescourt/internal/court/orchestrator"
	entrypoint "github.com/louisbranch/couplescourt/internal/platform/cmd"
)

// Config holds court command configuration.
type Config struct {
	HTTPAddr     string        `env:"COUPLES_COURT_HTTP_ADDR" envDefault:":8080"`
	DatabasePath string        `env:"COUPLES_COURT_DB_PATH"   envDefault:"court.db"`
	RedisURL     string        `env:"COUPLES_COURT_REDIS_URL"`
	InstanceID   string        `env:"COUPLES_COURT_INSTANCE_ID"`
	LockTTL      time.Duration `env:"COUPLES_COURT_LOCK_TTL"  envDefault:"10s"`

	AuthSecret   string `env:"COUPLES_COURT_AUTH_SECRET"`
	AuthDisabled bool   `env:"COUPLES_COURT_AUTH_DISABLED"`
	Production   bool   `env:"COUPLES_COURT_PRODUCTION"`

	VerdictURL    string `env:"COUPLES_COURT_VERDICT_URL"`
	VerdictSecret string `env:"COUPLES_COURT_VERDICT_SECRET"`
	RiskURL       string `env:"COUPLES_COURT_RISK_URL"`
	RiskSecret    string `env:"COUPLES_COURT_RISK_SECRET"`

	WaitingTimeout   time.Duration `env:"COUPLES_COURT_WAITING_TIMEOUT"   envDefault:"24h"`
	EvidenceTimeout  time.Duration `env:"COUPLES_COURT_EVIDENCE_TIMEOUT"  envDefault:"24h"`
	AnalyzingTimeout time.Duration `env:"COUPLES_COURT_ANALYZING_TIMEOUT" envDefault:"5m"`
	PickTimeout      time.Duration `env:"COUPLES_COURT_PICK_TIMEOUT"      envDefault:"24h"`
	MismatchTimeout  time.Duration `env:"COUPLES_COURT_MISMATCH_TIMEOUT"  envDefault:"5m"`
	ErrorTimeout     time.Duration `env:"COUPLES_COURT_ERROR_TIMEOUT"     envDefault:"72h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "court HTTP listen address")
	fs.StringVar(&cfg.DatabasePath, "db-path", cfg.DatabasePath, "SQLite database path (empty keeps sessions in memory)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the shared cache and event fan-out")
	fs.StringVar(&cfg.InstanceID, "instance-id", cfg.InstanceID, "identifier for this instance on the event bus")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", cfg.LockTTL, "distributed lock lease duration")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "HS256 secret for access tokens")
	fs.BoolVar(&cfg.AuthDisabled, "auth-disabled", cfg.AuthDisabled, "disable authentication (local development only)")
	fs.BoolVar(&cfg.Production, "production", cfg.Production, "enable production safety checks")
	fs.StringVar(&cfg.VerdictURL, "verdict-url", cfg.VerdictURL, "verdict generation service base URL")
	fs.StringVar(&cfg.VerdictSecret, "verdict-secret", cfg.VerdictSecret, "verdict service bearer secret")
	fs.StringVar(&cfg.RiskURL, "risk-url", cfg.RiskURL, "content screening service base URL")
	fs.StringVar(&cfg.RiskSecret, "risk-secret", cfg.RiskSecret, "content screening bearer secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}

	if cfg.AuthDisabled && cfg.Production {
		return Config{}, errors.New("auth cannot be disabled in production")
	}
	return cfg, nil
}

// Run builds the court app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCourt, func(ctx context.Context) error {
		if err := app.Run(ctx, app.Config{
			HTTPAddr:      cfg.HTTPAddr,
			DatabasePath:  cfg.DatabasePath,
			RedisURL:      cfg.RedisURL,
			InstanceID:    cfg.InstanceID,
			LockTTL:       cfg.LockTTL,
			AuthSecret:    cfg.AuthSecret,
			AuthDisabled:  cfg.AuthDisabled,
			Production:    cfg.Production,
			VerdictURL:    cfg.VerdictURL,
			VerdictSecret: cfg.VerdictSecret,
			RiskURL:       cfg.RiskURL,
			RiskSecret:    cfg.RiskSecret,
			Timeouts: orchestrator.TimeoutConfig{
				Waiting:   cfg.WaitingTimeout,
				Evidence:  cfg.EvidenceTimeout,
				Analyzing: cfg.AnalyzingTimeout,
				Pick:      cfg.PickTimeout,
				Mismatch:  cfg.MismatchTimeout,
				Error:     cfg.ErrorTimeout,
			},
		}); err != nil {
			return fmt.Errorf("serve court: %w", err)
		}
		return nil
	})
}
