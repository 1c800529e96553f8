package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"RegimeSentinel/internal/strategy"
)

type LogConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

type QueryConfig struct {
	Regime    string `yaml:"regime"`
	Liquidity string `yaml:"liquidity"`
	Protocol  string `yaml:"protocol"`
}

type AnalyticsConfig struct {
	Provider string `yaml:"provider"`
	Dune     struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"dune"`
	Allium struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Chain   string `yaml:"chain"`
	} `yaml:"allium"`
	Queries      QueryConfig   `yaml:"queries"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

// PolicyConfig holds the sizing policy as decimal strings so config files stay exact.
type PolicyConfig struct {
	BasePositionBTC string `yaml:"base_position_btc"`
	MinPositionBTC  string `yaml:"min_position_btc"`
	BaseLeverage    string `yaml:"base_leverage"`
}

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Telegram  struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
		Commands bool   `yaml:"commands"`
	} `yaml:"telegram"`
	Slack struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"slack"`
	Database struct {
		SQLitePath      string        `yaml:"sqlite_path"`
		PostgresURL     string        `yaml:"postgres_url"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`
	StateFile string `yaml:"state_file"`
	Schedule  struct {
		RegimeCron    string `yaml:"regime_cron"`
		LiquidityCron string `yaml:"liquidity_cron"`
		ProtocolCron  string `yaml:"protocol_cron"`
		RunOnStart    bool   `yaml:"run_on_start"`
	} `yaml:"schedule"`
	Thresholds strategy.Thresholds         `yaml:"thresholds"`
	Liquidity  strategy.LiquidityBands     `yaml:"liquidity"`
	Protocol   strategy.ProtocolThresholds `yaml:"protocol"`
	Policy     PolicyConfig                `yaml:"policy"`
	Metrics    struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Otel struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"otel"`
	Backfill struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"backfill"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
// Policy sections start from the production defaults so a file only lists what it changes.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Thresholds: strategy.DefaultThresholds(),
		Liquidity:  strategy.DefaultLiquidityBands(),
		Protocol:   strategy.DefaultProtocolThresholds(),
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	overrides := map[string]*string{
		"ANALYTICS_PROVIDER": &cfg.Analytics.Provider,
		"DUNE_API_KEY":       &cfg.Analytics.Dune.APIKey,
		"ALLIUM_API_KEY":     &cfg.Analytics.Allium.APIKey,
		"TELEGRAM_BOT_TOKEN": &cfg.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":   &cfg.Telegram.ChatID,
		"SLACK_WEBHOOK_URL":  &cfg.Slack.WebhookURL,
		"POSTGRES_URL":       &cfg.Database.PostgresURL,
		"SQLITE_PATH":        &cfg.Database.SQLitePath,
		"STATE_FILE":         &cfg.StateFile,
		"LOG_LEVEL":          &cfg.Log.Level,
		"OTEL_ENDPOINT":      &cfg.Otel.Endpoint,
		"METRICS_ADDR":       &cfg.Metrics.Addr,
		"HTTPS_PROXY":        &cfg.Proxy,
		"CRON_REGIME":        &cfg.Schedule.RegimeCron,
		"CRON_LIQUIDITY":     &cfg.Schedule.LiquidityCron,
		"CRON_PROTOCOL":      &cfg.Schedule.ProtocolCron,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if os.Getenv("RUN_ON_START") == "true" {
		cfg.Schedule.RunOnStart = true
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Analytics.Provider = strings.ToLower(c.Analytics.Provider)
	if c.Analytics.Provider == "" {
		c.Analytics.Provider = "dune"
	}
	if c.Analytics.Queries.Regime == "" {
		c.Analytics.Queries.Regime = "6489102"
	}
	if c.Analytics.Queries.Liquidity == "" {
		c.Analytics.Queries.Liquidity = "4100002"
	}
	if c.Analytics.Queries.Protocol == "" {
		c.Analytics.Queries.Protocol = "4100004"
	}
	if c.Analytics.PollInterval == 0 {
		c.Analytics.PollInterval = 2 * time.Second
	}
	if c.Analytics.PollTimeout == 0 {
		c.Analytics.PollTimeout = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Schedule.RegimeCron == "" {
		c.Schedule.RegimeCron = "0 0 */6 * * *"
	}
	if c.Schedule.LiquidityCron == "" {
		c.Schedule.LiquidityCron = "0 0 */4 * * *"
	}
	if c.Schedule.ProtocolCron == "" {
		c.Schedule.ProtocolCron = "0 0 0 * * *"
	}
	if c.Policy.BasePositionBTC == "" {
		c.Policy.BasePositionBTC = "0.5"
	}
	if c.Policy.MinPositionBTC == "" {
		c.Policy.MinPositionBTC = "0.05"
	}
	if c.Policy.BaseLeverage == "" {
		c.Policy.BaseLeverage = "2.5"
	}
	if c.StateFile == "" {
		c.StateFile = "data/regime_state.json"
	}
	if c.Database.SQLitePath == "" && c.Database.PostgresURL == "" {
		c.Database.SQLitePath = "data/regime_sentinel.db"
	}
	if c.Backfill.Interval == 0 {
		c.Backfill.Interval = 12 * time.Second
	}
}

// SizingPolicy parses the policy section.
func (c *Config) SizingPolicy() (strategy.PositionSizingPolicy, error) {
	var (
		p   strategy.PositionSizingPolicy
		err error
	)
	if p.BasePositionBTC, err = decimal.NewFromString(c.Policy.BasePositionBTC); err != nil {
		return p, fmt.Errorf("policy.base_position_btc: %w", err)
	}
	if p.MinPositionBTC, err = decimal.NewFromString(c.Policy.MinPositionBTC); err != nil {
		return p, fmt.Errorf("policy.min_position_btc: %w", err)
	}
	if p.BaseLeverage, err = decimal.NewFromString(c.Policy.BaseLeverage); err != nil {
		return p, fmt.Errorf("policy.base_leverage: %w", err)
	}
	return p, nil
}

// Strategy assembles the cycle configuration.
func (c *Config) Strategy() (strategy.Config, error) {
	sizing, err := c.SizingPolicy()
	if err != nil {
		return strategy.Config{}, err
	}
	sc := strategy.Config{
		Thresholds: c.Thresholds,
		Liquidity:  c.Liquidity,
		Protocol:   c.Protocol,
		Sizing:     sizing,
	}
	return sc, sc.Validate()
}

// Validate checks everything a command that queries analytics needs.
func (c *Config) Validate() error {
	if err := c.validateAnalytics(); err != nil {
		return err
	}
	return c.ValidateCore()
}

func (c *Config) validateAnalytics() error {
	switch c.Analytics.Provider {
	case "dune":
		if c.Analytics.Dune.APIKey == "" {
			return fmt.Errorf("analytics.dune.api_key is required for the dune provider")
		}
	case "allium":
		if c.Analytics.Allium.APIKey == "" {
			return fmt.Errorf("analytics.allium.api_key is required for the allium provider")
		}
	case "mock":
	default:
		return fmt.Errorf("analytics.provider must be dune, allium or mock, got %q", c.Analytics.Provider)
	}
	return nil
}

// ValidateCore checks the fields every command needs. Channel credentials are optional:
// without them notifications go to the log.
func (c *Config) ValidateCore() error {
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"schedule.regime_cron":    c.Schedule.RegimeCron,
		"schedule.liquidity_cron": c.Schedule.LiquidityCron,
		"schedule.protocol_cron":  c.Schedule.ProtocolCron,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Backfill.Interval < 0 {
		return fmt.Errorf("backfill.interval must not be negative")
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	return nil
}
