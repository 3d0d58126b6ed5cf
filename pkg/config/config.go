package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	Port           string
	DBDriver       string
	DBConn         string
	LogLevel       string
	JWTSecret      string
	Timezone       string
	ReminderCron   string
	OverdueCron    string
	ReminderDedupe bool
	LateFeeRate    decimal.Decimal
	SMTPHost       string
	SMTPPort       string
	SMTPUsername   string
	SMTPPassword   string
	SenderEmail    string
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// A missing file is fine; the environment alone can configure the service.
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}
	return NewConfig()
}

// NewConfig loads configuration from environment variables
func NewConfig() (*Config, error) {
	dedupe, err := getBool("REMINDER_DEDUPE", true)
	if err != nil {
		return nil, err
	}
	fee, err := decimal.NewFromString(getEnv("LATE_FEE_RATE", "0"))
	if err != nil {
		return nil, fmt.Errorf("LATE_FEE_RATE: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBDriver:       getEnv("DB_DRIVER", "sqlite3"),
		DBConn:         getEnv("DB_CONN", "ngnasoro.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		Timezone:       getEnv("TIMEZONE", "Africa/Bamako"),
		ReminderCron:   getEnv("REMINDER_CRON", "0 8 * * *"),
		OverdueCron:    getEnv("OVERDUE_CRON", "0 1 * * *"),
		ReminderDedupe: dedupe,
		LateFeeRate:    fee,
		SMTPHost:       getEnv("SMTP_HOST", ""),
		SMTPPort:       getEnv("SMTP_PORT", "587"),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		SenderEmail:    getEnv("SENDER_EMAIL", "noreply@ngnasoro.ml"),
	}

	if cfg.DBConn == "" {
		return nil, fmt.Errorf("DB_CONN is required")
	}
	if cfg.DBDriver != "sqlite3" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", cfg.DBDriver)
	}
	if cfg.LateFeeRate.IsNegative() {
		return nil, fmt.Errorf("LATE_FEE_RATE must not be negative")
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	for key, spec := range map[string]string{"REMINDER_CRON": cfg.ReminderCron, "OVERDUE_CRON": cfg.OverdueCron} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	if _, err := strconv.Atoi(cfg.SMTPPort); err != nil {
		return nil, fmt.Errorf("SMTP_PORT must be a number, got %q", cfg.SMTPPort)
	}

	return cfg, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// MailEnabled reports whether an SMTP relay is configured.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
