package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DevIdentitySecret signs credentials when IDENTITY_SECRET is unset. It is
// only accepted for in-memory development runs.
const DevIdentitySecret = "folio-dev-secret"

type Config struct {
	Addr          string
	ServiceName   string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string
	CORSOrigin    string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Identity provider
	IdentitySecret   string
	IdentityIssuer   string
	IdentityAudience string
	SessionTTL       time.Duration
	// Moderation policy
	AdminEmails     []string
	AdminPolicyFile string
	NotifyEmail     string
	// Chat
	SiteName     string
	MessageLimit int
	SendRPS      float64
	SendBurst    int
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:          getenv("API_ADDR", ":8787"),
		ServiceName:   getenv("SERVICE_NAME", "folio-chat"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./db/migrations"),
		RedisURL:      getenv("REDIS_URL", ""),
		CORSOrigin:    getenv("CORS_ORIGIN", "*"),
		// Search is optional; Postgres full-text serves when Meili is unset
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		// Identity provider
		IdentitySecret:   getenv("IDENTITY_SECRET", DevIdentitySecret),
		IdentityIssuer:   getenv("IDENTITY_ISSUER", ""),
		IdentityAudience: getenv("IDENTITY_AUDIENCE", ""),
		SessionTTL:       time.Duration(getenvInt("SESSION_TTL_SECONDS", 86400)) * time.Second,
		// Moderation policy
		AdminEmails:     splitList(getenv("ADMIN_EMAILS", "")),
		AdminPolicyFile: getenv("ADMIN_POLICY_FILE", ""),
		NotifyEmail:     getenv("NOTIFY_EMAIL", ""),
		// Chat
		SiteName:     getenv("SITE_NAME", "Portfolio"),
		MessageLimit: getenvInt("CHAT_MESSAGE_LIMIT", 100),
		SendRPS:      getenvFloat("CHAT_SEND_RPS", 1),
		SendBurst:    getenvInt("CHAT_SEND_BURST", 5),
		// SMTP - empty by default, notifications disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenvInt("SMTP_PORT", 587),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Portfolio Chat"),
	}
	return cfg
}

// Validate rejects settings that are unsafe outside development.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return nil
	}
	if secret := strings.TrimSpace(c.IdentitySecret); secret == "" || secret == DevIdentitySecret {
		return fmt.Errorf("IDENTITY_SECRET must be set when DATABASE_URL is set")
	}
	return nil
}

// AdminPolicy is the on-disk form of the moderation allow-list.
type AdminPolicy struct {
	Admins []string `yaml:"admins"`
	Notify string   `yaml:"notify"`
}

// LoadAdminPolicy reads a YAML allow-list file.
func LoadAdminPolicy(path string) (AdminPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AdminPolicy{}, fmt.Errorf("read admin policy: %w", err)
	}
	var policy AdminPolicy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return AdminPolicy{}, fmt.Errorf("parse admin policy %s: %w", path, err)
	}
	policy.Admins = splitList(strings.Join(policy.Admins, ","))
	policy.Notify = strings.TrimSpace(policy.Notify)
	return policy, nil
}

// ApplyAdminPolicy merges a policy file into the env-provided allow-list.
func (c *Config) ApplyAdminPolicy(policy AdminPolicy) {
	seen := make(map[string]struct{}, len(c.AdminEmails))
	for _, email := range c.AdminEmails {
		seen[email] = struct{}{}
	}
	for _, email := range policy.Admins {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		c.AdminEmails = append(c.AdminEmails, email)
	}
	if c.NotifyEmail == "" {
		c.NotifyEmail = policy.Notify
	}
}

// AdminNotifyAddress is where new-message notifications go: NOTIFY_EMAIL, or
// the first allow-listed admin.
func (c Config) AdminNotifyAddress() string {
	if c.NotifyEmail != "" {
		return c.NotifyEmail
	}
	if len(c.AdminEmails) > 0 {
		return c.AdminEmails[0]
	}
	return ""
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
