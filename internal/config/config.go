package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Feed
	FeedURL string // 2GIS websocket URL with embedded auth token

	// Traccar
	TraccarBaseURL  string
	TraccarProtocol string // "query" (OsmAnd GET) or "json"

	// Webhook (optional secondary sink)
	WebhookURL   string
	WebhookToken string
	WebhookTable string

	// Kafka (optional sink)
	KafkaBrokers []string
	KafkaTopic   string

	// InfluxDB (optional sink)
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Reconnect policy
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	ReconnectResetAfter  time.Duration

	// Delivery policy
	DeliveryAttempts   int
	DeliveryRetryDelay time.Duration
	DeliveryTimeout    time.Duration
	MaxInflight        int64
	ShutdownGrace      time.Duration

	StatsInterval time.Duration

	LogLevel string
	LogFile  string
	Logger   *log.Logger
	Debug    bool
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) has() bool { return len(*e) > 0 }

func getRequired(key string, errs *errList) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		errs.addf("missing %s", key)
	}
	return v
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int, errs *errList) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.addf("%s invalid (expected int): %q", key, v)
		return fallback
	}
	return n
}

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("%s invalid (allowed: %s): %q", key, strings.Join(allowed, ", "), val)
}

func parseBrokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load reads the whole configuration from the environment. All problems are
// collected and reported in one error so the operator fixes them in one pass.
func Load() (*Config, error) {
	var errs errList

	cfg := &Config{
		FeedURL:         getRequired("TWOGIS_WS_URL", &errs),
		TraccarBaseURL:  strings.TrimRight(getRequired("TRACCAR_BASE_URL", &errs), "/"),
		TraccarProtocol: getenv("TRACCAR_PROTOCOL", "query"),

		WebhookURL:   os.Getenv("WEBHOOK_URL"),
		WebhookToken: os.Getenv("WEBHOOK_TOKEN"),
		WebhookTable: getenv("WEBHOOK_TABLE_NAME", "2gis_locations"),

		KafkaBrokers: parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getenv("KAFKA_TOPIC", "2gis-locations"),

		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    os.Getenv("INFLUX_ORG"),
		InfluxBucket: os.Getenv("INFLUX_BUCKET"),

		ReconnectDelay:       time.Duration(getenvInt("RECONNECT_DELAY", 5, &errs)) * time.Second,
		ReconnectMaxDelay:    time.Duration(getenvInt("RECONNECT_MAX_DELAY", 60, &errs)) * time.Second,
		MaxReconnectAttempts: getenvInt("MAX_RECONNECT_ATTEMPTS", 10, &errs),
		ReconnectResetAfter:  time.Duration(getenvInt("RECONNECT_RESET_AFTER", 60, &errs)) * time.Second,

		DeliveryAttempts:   getenvInt("DELIVERY_ATTEMPTS", 3, &errs),
		DeliveryRetryDelay: time.Duration(getenvInt("DELIVERY_RETRY_DELAY_MS", 1000, &errs)) * time.Millisecond,
		DeliveryTimeout:    time.Duration(getenvInt("DELIVERY_TIMEOUT_MS", 10000, &errs)) * time.Millisecond,
		MaxInflight:        int64(getenvInt("MAX_INFLIGHT", 32, &errs)),
		ShutdownGrace:      time.Duration(getenvInt("SHUTDOWN_GRACE_MS", 5000, &errs)) * time.Millisecond,

		StatsInterval: time.Duration(getenvInt("STATS_INTERVAL", 60, &errs)) * time.Second,

		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFile:  os.Getenv("LOG_FILE"),
	}

	ensureOneOf("TRACCAR_PROTOCOL", cfg.TraccarProtocol, []string{"query", "json"}, &errs)
	ensureOneOf("LOG_LEVEL", cfg.LogLevel, []string{"debug", "info"}, &errs)

	if cfg.WebhookURL != "" && cfg.WebhookToken == "" {
		errs.addf("WEBHOOK_TOKEN required when WEBHOOK_URL is set")
	}
	if cfg.InfluxURL != "" && (cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "") {
		errs.addf("INFLUX_TOKEN, INFLUX_ORG and INFLUX_BUCKET required when INFLUX_URL is set")
	}
	if cfg.MaxReconnectAttempts < 1 {
		errs.addf("MAX_RECONNECT_ATTEMPTS must be >= 1")
	}
	if cfg.ReconnectDelay < time.Second {
		errs.addf("RECONNECT_DELAY must be >= 1")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		errs.addf("RECONNECT_MAX_DELAY must be >= RECONNECT_DELAY")
	}
	if cfg.DeliveryRetryDelay < time.Millisecond {
		errs.addf("DELIVERY_RETRY_DELAY_MS must be >= 1")
	}
	if cfg.DeliveryTimeout < time.Millisecond {
		errs.addf("DELIVERY_TIMEOUT_MS must be >= 1")
	}
	if cfg.DeliveryAttempts < 1 {
		errs.addf("DELIVERY_ATTEMPTS must be >= 1")
	}
	if cfg.MaxInflight < 1 {
		errs.addf("MAX_INFLIGHT must be >= 1")
	}

	if errs.has() {
		return nil, errors.New("config: " + strings.Join(errs, "; "))
	}

	cfg.Debug = cfg.LogLevel == "debug"

	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("config: open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
	}
	cfg.Logger = log.New(w, "", log.LstdFlags|log.Lmicroseconds)

	return cfg, nil
}

// redactURL hides the query string; the feed URL embeds the auth token.
func redactURL(s string) string {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		return s[:i] + "?..."
	}
	return s
}

func (c *Config) String() string {
	return fmt.Sprintf(`
Feed:
  URL:                 %s

Traccar:
  BaseURL:             %s
  Protocol:            %s

Webhook:
  URL:                 %s
  Table:               %s

Kafka:
  Brokers:             %v
  Topic:               %s

Influx:
  URL:                 %s
  Org:                 %s
  Bucket:              %s

Reconnect:
  Delay:               %s
  MaxDelay:            %s
  MaxAttempts:         %d
  ResetAfter:          %s

Delivery:
  Attempts:            %d
  RetryDelay:          %s
  Timeout:             %s
  MaxInflight:         %d
  ShutdownGrace:       %s
`, redactURL(c.FeedURL), c.TraccarBaseURL, c.TraccarProtocol,
		c.WebhookURL, c.WebhookTable,
		c.KafkaBrokers, c.KafkaTopic,
		c.InfluxURL, c.InfluxOrg, c.InfluxBucket,
		c.ReconnectDelay, c.ReconnectMaxDelay, c.MaxReconnectAttempts, c.ReconnectResetAfter,
		c.DeliveryAttempts, c.DeliveryRetryDelay, c.DeliveryTimeout, c.MaxInflight, c.ShutdownGrace)
}
