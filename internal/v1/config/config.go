// Package config collects the focus configuration from CLI flags and
// the environment. Flags win over environment variables; validation
// gathers every problem before reporting so an operator fixes one
// deploy, not one variable at a time.
package config

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/colloq/focus/internal/v1/logging"
)

// Config holds the validated focus configuration.
type Config struct {
	// Chat server link.
	Host   string
	Port   string
	Domain string
	Secret string

	// Client account the focus signs in with.
	UserDomain   string
	UserName     string
	UserPassword string

	// MUC domains derived from Domain unless overridden.
	ConferenceMucDomain string
	BreweryRoom         string

	// LocalRegion biases bridge selection toward the focus's region.
	LocalRegion string

	// HTTP surface.
	HTTPPort       string
	AllowedOrigins string
	RateLimitHTTP  string

	// Authentication gate. AuthIssuer is the identity provider's bare
	// domain; the JWKS URL is derived from it.
	AuthMode            string
	AuthenticatedDomain string
	AuthIssuer          string
	AuthAudience        string
	LoginURL            string

	// Reservation backend.
	ReservationURL     string
	ReservationTimeout time.Duration

	// Visitor overflow.
	VisitorNodes     []string
	VisitorThreshold int

	// Shared rate-limit budget across focus replicas.
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Advertised feature flags.
	EnableSipGateway  bool
	EnableTranscriber bool
	EnableLobby       bool
	EnableRtcstats    bool

	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
}

// Load parses args (without the program name), fills gaps from the
// environment, and validates. Returns every validation failure joined
// into one error.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("focus", flag.ContinueOnError)

	fs.StringVar(&cfg.Host, "host", os.Getenv("FOCUS_HOST"), "chat server host")
	fs.StringVar(&cfg.Port, "port", getEnvOrDefault("FOCUS_PORT", "5280"), "chat server websocket port")
	fs.StringVar(&cfg.Domain, "domain", os.Getenv("FOCUS_DOMAIN"), "XMPP service domain")
	fs.StringVar(&cfg.Secret, "secret", os.Getenv("FOCUS_SECRET"), "component secret")
	fs.StringVar(&cfg.UserDomain, "user_domain", os.Getenv("FOCUS_USER_DOMAIN"), "domain of the focus user account")
	fs.StringVar(&cfg.UserName, "user_name", getEnvOrDefault("FOCUS_USER_NAME", "focus"), "name of the focus user account")
	fs.StringVar(&cfg.UserPassword, "user_password", os.Getenv("FOCUS_USER_PASSWORD"), "password of the focus user account")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var errs []string

	if cfg.Host == "" {
		errs = append(errs, "--host (or FOCUS_HOST) is required")
	}
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("--port must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}
	if cfg.Domain == "" {
		errs = append(errs, "--domain (or FOCUS_DOMAIN) is required")
	}
	if cfg.Secret == "" && cfg.UserPassword == "" {
		errs = append(errs, "one of --secret or --user_password is required")
	}
	if cfg.UserDomain == "" {
		cfg.UserDomain = "auth." + cfg.Domain
	}

	cfg.ConferenceMucDomain = getEnvOrDefault("FOCUS_CONFERENCE_MUC_DOMAIN", "conference."+cfg.Domain)
	cfg.BreweryRoom = getEnvOrDefault("FOCUS_BREWERY_ROOM", "jvbbrewery@internal."+cfg.Domain)

	cfg.LocalRegion = os.Getenv("FOCUS_REGION")

	cfg.HTTPPort = getEnvOrDefault("HTTP_PORT", "8888")
	if port, err := strconv.Atoi(cfg.HTTPPort); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("HTTP_PORT must be a valid port number between 1 and 65535 (got %q)", cfg.HTTPPort))
	}
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.RateLimitHTTP = getEnvOrDefault("RATE_LIMIT_HTTP", "100-M")

	cfg.AuthMode = getEnvOrDefault("AUTH_MODE", "none")
	switch cfg.AuthMode {
	case "none":
	case "xmpp-domain":
		cfg.AuthenticatedDomain = os.Getenv("AUTH_DOMAIN")
		if cfg.AuthenticatedDomain == "" {
			cfg.AuthenticatedDomain = cfg.UserDomain
		}
	case "external":
		cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
		cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
		cfg.LoginURL = os.Getenv("AUTH_LOGIN_URL")
		if cfg.AuthIssuer == "" || cfg.AuthAudience == "" {
			errs = append(errs, "AUTH_ISSUER and AUTH_AUDIENCE are required when AUTH_MODE=external")
		}
		if cfg.LoginURL == "" {
			errs = append(errs, "AUTH_LOGIN_URL is required when AUTH_MODE=external")
		}
	default:
		errs = append(errs, fmt.Sprintf("AUTH_MODE must be one of none, xmpp-domain, external (got %q)", cfg.AuthMode))
	}

	cfg.ReservationURL = os.Getenv("RESERVATION_URL")
	cfg.ReservationTimeout = 0
	if raw := os.Getenv("RESERVATION_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("RESERVATION_TIMEOUT must be a positive duration (got %q)", raw))
		} else {
			cfg.ReservationTimeout = d
		}
	}

	if raw := os.Getenv("VISITOR_NODES"); raw != "" {
		for _, node := range strings.Split(raw, ",") {
			if node = strings.TrimSpace(node); node != "" {
				cfg.VisitorNodes = append(cfg.VisitorNodes, node)
			}
		}
	}
	cfg.VisitorThreshold = 0
	if raw := os.Getenv("VISITOR_THRESHOLD"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Sprintf("VISITOR_THRESHOLD must be a non-negative integer (got %q)", raw))
		} else {
			cfg.VisitorThreshold = n
		}
	}
	if len(cfg.VisitorNodes) > 0 && cfg.VisitorThreshold == 0 {
		errs = append(errs, "VISITOR_THRESHOLD is required when VISITOR_NODES is set")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.EnableSipGateway = os.Getenv("ENABLE_SIP_GATEWAY") == "true"
	cfg.EnableTranscriber = os.Getenv("ENABLE_TRANSCRIBER") == "true"
	cfg.EnableLobby = os.Getenv("ENABLE_LOBBY") == "true"
	cfg.EnableRtcstats = os.Getenv("ENABLE_RTCSTATS") == "true"

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// FocusJID is the full JID the focus signs in under.
func (c *Config) FocusJID() string {
	return c.UserName + "@" + c.UserDomain + "/focus"
}

// WebsocketURL is the chat server endpoint the stanza link dials.
func (c *Config) WebsocketURL() string {
	return fmt.Sprintf("ws://%s:%s/xmpp-websocket?domain=%s", c.Host, c.Port, c.Domain)
}

// Log emits the validated configuration with secrets redacted.
func (c *Config) Log(args []string) {
	logging.Info(context.Background(), "Configuration validated",
		zap.Strings("args", logging.RedactArgs(args)),
		zap.String("host", c.Host),
		zap.String("domain", c.Domain),
		zap.String("user", c.UserName+"@"+c.UserDomain),
		zap.String("user_password", logging.RedactSecret(c.UserPassword)),
		zap.String("secret", logging.RedactSecret(c.Secret)),
		zap.String("conference_muc", c.ConferenceMucDomain),
		zap.String("brewery", c.BreweryRoom),
		zap.String("http_port", c.HTTPPort),
		zap.String("auth_mode", c.AuthMode),
		zap.String("reservation_url", c.ReservationURL),
		zap.Strings("visitor_nodes", c.VisitorNodes),
		zap.Bool("redis_enabled", c.RedisEnabled),
		zap.String("go_env", c.GoEnv),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}
