package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/brightears/bma-messenger-hub-sub001/internal/classifier"
	"github.com/brightears/bma-messenger-hub-sub001/internal/routing"
	"github.com/brightears/bma-messenger-hub-sub001/internal/session"
)

const envPrefix = "HUB_"

// Config represents the hub configuration
type Config struct {
	Server struct {
		Port           string   `koanf:"port" json:"port"`
		AllowedOrigins []string `koanf:"allowed_origins" json:"allowed_origins"`
		AdminToken     string   `koanf:"admin_token" json:"-"`
	} `koanf:"server" json:"server"`

	Log struct {
		Level  string `koanf:"level" json:"level"`
		Format string `koanf:"format" json:"format"`
	} `koanf:"log" json:"log"`

	Session Session `koanf:"session" json:"session"`
	Routing Routing `koanf:"routing" json:"routing"`

	AI struct {
		Provider        string  `koanf:"provider" json:"provider"`
		TimeoutMS       int     `koanf:"timeout_ms" json:"timeout_ms"`
		ContextMessages int     `koanf:"context_messages" json:"context_messages"`
		RateLimit       float64 `koanf:"rate_limit" json:"rate_limit"`
		Burst           int     `koanf:"burst" json:"burst"`
		OpenAI          struct {
			APIKey  string `koanf:"api_key" json:"-"`
			Model   string `koanf:"model" json:"model"`
			BaseURL string `koanf:"base_url" json:"base_url"`
		} `koanf:"openai" json:"openai"`
		Ollama struct {
			URL   string `koanf:"url" json:"url"`
			Model string `koanf:"model" json:"model"`
		} `koanf:"ollama" json:"ollama"`
	} `koanf:"ai" json:"ai"`

	Notifier struct {
		WebhookURL string `koanf:"webhook_url" json:"webhook_url"`
		Token      string `koanf:"token" json:"-"`
	} `koanf:"notifier" json:"notifier"`

	Replies struct {
		// WebhookURL may contain {platform}; the adapter for that platform
		// delivers the text.
		WebhookURL string `koanf:"webhook_url" json:"webhook_url"`
		Token      string `koanf:"token" json:"-"`
	} `koanf:"replies" json:"replies"`

	Audit struct {
		DatabaseURL string `koanf:"database_url" json:"-"`
	} `koanf:"audit" json:"audit"`
}

// Session holds the session store knobs.
type Session struct {
	TimeoutMS       int64 `koanf:"timeout_ms" json:"timeout_ms"`
	SweepIntervalMS int64 `koanf:"sweep_interval_ms" json:"sweep_interval_ms"`
}

// Routing holds classification and routing knobs; hot-reloadable.
type Routing struct {
	Threshold         float64                      `koanf:"threshold" json:"threshold"`
	MaxClarifications int                          `koanf:"max_clarifications" json:"max_clarifications"`
	FallbackCategory  string                       `koanf:"fallback_category" json:"fallback_category"`
	Categories        []string                     `koanf:"categories" json:"categories"`
	Priority          []string                     `koanf:"priority" json:"priority"`
	Keywords          map[string][]string          `koanf:"keywords" json:"keywords"`
	Prompts           map[string]map[string]string `koanf:"prompts" json:"prompts,omitempty"` // language -> category -> text
	Acknowledgement   string                       `koanf:"acknowledgement" json:"acknowledgement,omitempty"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":                "8080",
		"server.allowed_origins":     []string{"*"},
		"log.level":                  "info",
		"log.format":                 "json",
		"session.timeout_ms":         session.DefaultTimeout.Milliseconds(),
		"session.sweep_interval_ms":  session.DefaultSweepInterval.Milliseconds(),
		"routing.threshold":          routing.DefaultThreshold,
		"routing.max_clarifications": routing.DefaultMaxClarifications,
		"routing.fallback_category":  routing.DefaultFallbackCategory,
		"routing.categories":         []string{"sales", "technical", "billing", routing.DefaultFallbackCategory},
		"ai.provider":                "openai",
		"ai.timeout_ms":              int(classifier.DefaultAITimeout.Milliseconds()),
		"ai.context_messages":        classifier.DefaultContextMessages,
		"ai.rate_limit":              5.0,
		"ai.burst":                   5,
		"ai.ollama.url":              "http://localhost:11434",
	}
}

// legacyEnv maps the plain variables used by earlier deployments.
var legacyEnv = map[string]string{
	"PORT":           "server.port",
	"OPENAI_API_KEY": "ai.openai.api_key",
	"OPENAI_MODEL":   "ai.openai.model",
	"DATABASE_URL":   "audit.database_url",
}

// LoadConfig loads defaults, then the TOML file, then the environment.
// A .env file in the working directory is read first if present.
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	legacy := map[string]interface{}{}
	for name, key := range legacyEnv {
		if v := os.Getenv(name); v != "" {
			legacy[key] = v
		}
	}
	if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading legacy env: %w", err)
	}

	// HUB_ROUTING__THRESHOLD -> routing.threshold
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func Validate(cfg *Config) error {
	if cfg.Session.TimeoutMS <= 0 {
		return fmt.Errorf("session timeout must be positive, got %dms", cfg.Session.TimeoutMS)
	}
	if cfg.Session.SweepIntervalMS <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %dms", cfg.Session.SweepIntervalMS)
	}

	if err := cfg.RoutingSettings().Validate(); err != nil {
		return err
	}
	for cat := range cfg.Routing.Keywords {
		if !contains(cfg.Routing.Categories, cat) {
			return fmt.Errorf("keywords given for unknown category %q", cat)
		}
	}
	for _, cat := range cfg.Routing.Priority {
		if !contains(cfg.Routing.Categories, cat) {
			return fmt.Errorf("priority lists unknown category %q", cat)
		}
	}

	switch cfg.AI.Provider {
	case "openai":
		if cfg.AI.OpenAI.APIKey == "" {
			return errors.New("openai api_key is required (ai.openai.api_key or OPENAI_API_KEY)")
		}
	case "ollama":
		if cfg.AI.Ollama.URL == "" {
			return errors.New("ollama url is required")
		}
	case "none", "":
	default:
		return fmt.Errorf("unknown ai provider %q", cfg.AI.Provider)
	}

	return nil
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMS) * time.Millisecond
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Session.SweepIntervalMS) * time.Millisecond
}

func (c Config) AITimeout() time.Duration {
	return time.Duration(c.AI.TimeoutMS) * time.Millisecond
}

func (c *Config) RoutingSettings() routing.Settings {
	return routing.Settings{
		Categories:        c.Routing.Categories,
		FallbackCategory:  c.Routing.FallbackCategory,
		Threshold:         c.Routing.Threshold,
		MaxClarifications: c.Routing.MaxClarifications,
		Prompts:           c.prompts(),
		Acknowledgement:   c.Routing.Acknowledgement,
	}
}

// prompts maps the "*" wildcard used in files to the empty key.
func (c *Config) prompts() routing.Prompts {
	if len(c.Routing.Prompts) == 0 {
		return nil
	}
	out := make(routing.Prompts, len(c.Routing.Prompts))
	for lang, byCat := range c.Routing.Prompts {
		if lang == "*" {
			lang = ""
		}
		m := make(map[string]string, len(byCat))
		for cat, text := range byCat {
			if cat == "*" {
				cat = ""
			}
			m[cat] = text
		}
		out[lang] = m
	}
	return out
}

func (c *Config) ClassifierRules() classifier.Rules {
	return classifier.Rules{
		Keywords: c.Routing.Keywords,
		Priority: c.Routing.Priority,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// InitConfig writes a sample configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

const sampleConfig = `# Messenger hub configuration

[server]
port = "8080"
allowed_origins = ["*"]
# bearer token for /admin routes; empty disables them
admin_token = ""

[log]
level = "info"
format = "json"

[session]
timeout_ms = 900000
sweep_interval_ms = 60000

[routing]
threshold = 0.7
max_clarifications = 3
fallback_category = "general"
categories = ["sales", "technical", "billing", "general"]
priority = ["technical", "billing", "sales"]
acknowledgement = "Thanks! Our {category} team will get back to you shortly."

[routing.keywords]
sales = ["price", "quote", "pricing", "subscription", "buy"]
technical = ["not working", "broken", "error", "offline", "crash"]
billing = ["invoice", "payment", "refund", "charge"]

# "*" matches any language or any category
[routing.prompts.th]
"*" = "ขอบคุณค่ะ รบกวนแจ้งรายละเอียดเพิ่มเติม เพื่อส่งต่อให้ทีมที่เกี่ยวข้องค่ะ"

[ai]
provider = "openai"
timeout_ms = 500
context_messages = 6
rate_limit = 5.0
burst = 5

[ai.openai]
api_key = "your-openai-api-key"
model = "gpt-4o-mini"

[notifier]
webhook_url = "https://chat.googleapis.com/v1/spaces/XXX/messages?key=...&token=..."

[replies]
webhook_url = "http://localhost:9000/{platform}/send"

[audit]
database_url = ""
`
