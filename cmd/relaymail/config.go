package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type config struct {
	Addr        string   `yaml:"addr"`
	APIURL      string   `yaml:"api_url"`
	RealtimeURL string   `yaml:"realtime_url"`
	Token       string   `yaml:"token"`
	Channels    []string `yaml:"channels"`
	// ChannelFile, when set, owns the subscription set: its contents replace
	// Channels and edits are applied while running.
	ChannelFile string `yaml:"channel_file"`

	MirrorDSN      string        `yaml:"mirror_dsn"`
	MirrorDebounce time.Duration `yaml:"mirror_debounce"`

	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReconnectBase   time.Duration `yaml:"reconnect_base"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	ReconnectJitter float64       `yaml:"reconnect_jitter"`

	AutomatedDomains []string `yaml:"automated_domains"`
	SentLabels       []string `yaml:"sent_labels"`

	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

func defaultConfig() config {
	return config{
		Addr:            ":8090",
		APIURL:          "http://localhost:8000",
		RealtimeURL:     "wss://ws.agentmail.to/v0",
		MirrorDebounce:  250 * time.Millisecond,
		SnapshotTimeout: 15 * time.Second,
		RequestTimeout:  30 * time.Second,
		ReconnectBase:   500 * time.Millisecond,
		ReconnectMax:    30 * time.Second,
		ReconnectJitter: 0.2,
		RateLimitWindow: time.Minute,
	}
}

// loadConfig layers defaults, the YAML file, RELAYMAIL_* env and flags, each
// overriding the one before.
func loadConfig(args []string) (config, error) {
	pre := pflag.NewFlagSet("relaymail", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	configPath := pre.String("config", envOrDefault("RELAYMAIL_CONFIG", ""), "")
	pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return config{}, err
	}

	cfg := defaultConfig()
	if path := strings.TrimSpace(*configPath); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return config{}, err
		}
	}
	applyEnv(&cfg)

	flags := pflag.NewFlagSet("relaymail", pflag.ContinueOnError)
	flags.String("config", *configPath, "YAML config file (env RELAYMAIL_CONFIG)")
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "local API listen address")
	flags.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "mail backend base URL")
	flags.StringVar(&cfg.RealtimeURL, "realtime-url", cfg.RealtimeURL, "realtime websocket URL")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "auth token passed to the backend")
	flags.StringSliceVar(&cfg.Channels, "channel", cfg.Channels, "inbox id to subscribe to (repeatable)")
	flags.StringVar(&cfg.ChannelFile, "channel-file", cfg.ChannelFile, "file listing inbox ids, watched for changes")
	flags.StringVar(&cfg.MirrorDSN, "mirror-dsn", cfg.MirrorDSN, "publish the view to file://, sqlite://, postgres:// or memory://")
	flags.DurationVar(&cfg.MirrorDebounce, "mirror-debounce", cfg.MirrorDebounce, "delay before publishing a burst of changes")
	flags.DurationVar(&cfg.SnapshotTimeout, "snapshot-timeout", cfg.SnapshotTimeout, "timeout for one snapshot fetch")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "timeout for proxied task requests")
	flags.DurationVar(&cfg.ReconnectBase, "reconnect-base", cfg.ReconnectBase, "first reconnect delay")
	flags.DurationVar(&cfg.ReconnectMax, "reconnect-max", cfg.ReconnectMax, "maximum reconnect delay")
	flags.Float64Var(&cfg.ReconnectJitter, "reconnect-jitter", cfg.ReconnectJitter, "reconnect jitter ratio (0.0-1.0)")
	flags.StringSliceVar(&cfg.AutomatedDomains, "automated-domain", cfg.AutomatedDomains, "sender domain flagged as automated (repeatable)")
	flags.StringSliceVar(&cfg.SentLabels, "sent-label", cfg.SentLabels, "label marking a message as sent (repeatable)")
	flags.IntVar(&cfg.RateLimitMax, "rate-limit-max", cfg.RateLimitMax, "requests per window per client, 0 disables")
	flags.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", cfg.RateLimitWindow, "rate limit window")
	if err := flags.Parse(args); err != nil {
		return config{}, err
	}
	if rest := flags.Args(); len(rest) > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	return cfg, cfg.validate()
}

func loadConfigFile(path string, cfg *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *config) {
	cfg.Addr = envOrDefault("RELAYMAIL_ADDR", cfg.Addr)
	cfg.APIURL = envOrDefault("RELAYMAIL_API_URL", cfg.APIURL)
	cfg.RealtimeURL = envOrDefault("RELAYMAIL_REALTIME_URL", cfg.RealtimeURL)
	cfg.Token = envOrDefault("RELAYMAIL_TOKEN", cfg.Token)
	cfg.Channels = listEnv("RELAYMAIL_CHANNELS", cfg.Channels)
	cfg.ChannelFile = envOrDefault("RELAYMAIL_CHANNEL_FILE", cfg.ChannelFile)
	cfg.MirrorDSN = envOrDefault("RELAYMAIL_MIRROR_DSN", cfg.MirrorDSN)
	cfg.MirrorDebounce = durationEnv("RELAYMAIL_MIRROR_DEBOUNCE", cfg.MirrorDebounce)
	cfg.SnapshotTimeout = durationEnv("RELAYMAIL_SNAPSHOT_TIMEOUT", cfg.SnapshotTimeout)
	cfg.RequestTimeout = durationEnv("RELAYMAIL_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.ReconnectBase = durationEnv("RELAYMAIL_RECONNECT_BASE", cfg.ReconnectBase)
	cfg.ReconnectMax = durationEnv("RELAYMAIL_RECONNECT_MAX", cfg.ReconnectMax)
	cfg.ReconnectJitter = floatEnv("RELAYMAIL_RECONNECT_JITTER", cfg.ReconnectJitter)
	cfg.AutomatedDomains = listEnv("RELAYMAIL_AUTOMATED_DOMAINS", cfg.AutomatedDomains)
	cfg.SentLabels = listEnv("RELAYMAIL_SENT_LABELS", cfg.SentLabels)
	cfg.RateLimitMax = intEnv("RELAYMAIL_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv("RELAYMAIL_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
}

func (c config) validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("api url is required")
	}
	if strings.TrimSpace(c.RealtimeURL) == "" {
		return errors.New("realtime url is required")
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return fmt.Errorf("reconnect jitter must be between 0 and 1, got %v", c.ReconnectJitter)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// listEnv reads a comma-separated list.
func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
