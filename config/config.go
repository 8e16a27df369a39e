/*
config.go - Server configuration

PURPOSE:
  Loads the settings cmd/server needs: listen port, database path, log
  level, the currency rounding applied to new loans, the holiday policy and
  the occurrence policy windows are checked with.

LOAD ORDER (later wins):
  1. Defaults()
  2. YAML file (optional)
  3. .env file (optional, never overrides variables already set)
  4. RESCHEDULE_* environment variables
  5. Command-line flags (applied by cmd/server)

ENVIRONMENT:
  RESCHEDULE_PORT        HTTP port
  RESCHEDULE_DB          SQLite path (":memory:" for in-memory)
  RESCHEDULE_LOG_LEVEL   logrus level (debug, info, warn, error)
  RESCHEDULE_LOG_FORMAT  text | json
  RESCHEDULE_CURRENCY    ISO currency code

EXAMPLE (reschedule.yaml):
  server:
    port: 8080
    allowed_origins: ["https://backoffice.example.com"]
  database:
    path: ./data/reschedule.db
  currency:
    code: KES
    digits: 2
    in_multiples_of: 5
    rounding_mode: half_up
  holidays:
    strategy: next_working_day
    weekend: [sunday]
    dates:
      - {date: "2024-12-25", name: Christmas, recurring: true}
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/warp/reschedule-engine/calendar"
	"github.com/warp/reschedule-engine/generic"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	Log         LogConfig        `yaml:"log"`
	Currency    CurrencyConfig   `yaml:"currency"`
	Holidays    HolidayConfig    `yaml:"holidays"`
	Occurrences OccurrenceConfig `yaml:"occurrences"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CurrencyConfig struct {
	Code          string `yaml:"code"`
	Digits        int32  `yaml:"digits"`
	InMultiplesOf int64  `yaml:"in_multiples_of"`
	RoundingMode  string `yaml:"rounding_mode"`
}

type HolidayConfig struct {
	Strategy string         `yaml:"strategy"`
	Weekend  []string       `yaml:"weekend"`
	Dates    []HolidayEntry `yaml:"dates"`
}

type HolidayEntry struct {
	Date      string `yaml:"date"`
	Name      string `yaml:"name"`
	Recurring bool   `yaml:"recurring"`
}

type OccurrenceConfig struct {
	SkipFirstDayOfMonth   bool `yaml:"skip_first_day_of_month"`
	SkipDays              int  `yaml:"skip_days"`
	MinimumDaysFromAnchor int  `yaml:"minimum_days_from_anchor"`
}

// Defaults returns a configuration that runs locally without a file.
func Defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: 30 * time.Second},
		Database: DatabaseConfig{Path: "reschedule.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Currency: CurrencyConfig{Code: "USD", Digits: 2, RoundingMode: string(generic.RoundHalfEven)},
		Holidays: HolidayConfig{Strategy: string(generic.AdjustSameDay), Weekend: []string{"saturday", "sunday"}},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), the env files (".env" when none are given; missing
// files are ignored) and RESCHEDULE_* variables. The result is validated.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RESCHEDULE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &generic.ValidationError{Field: "RESCHEDULE_PORT", Code: "invalid_port", Message: fmt.Sprintf("%q is not a port number", v)}
		}
		c.Server.Port = port
	}
	if v := os.Getenv("RESCHEDULE_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("RESCHEDULE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RESCHEDULE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("RESCHEDULE_CURRENCY"); v != "" {
		c.Currency.Code = v
	}
	return nil
}

// Validate reports every invalid setting together.
func (c Config) Validate() error {
	var errs error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, &generic.ValidationError{Field: "server.port", Code: "invalid_port", Message: fmt.Sprintf("port %d out of range", c.Server.Port)})
	}
	if c.Database.Path == "" {
		errs = multierr.Append(errs, &generic.ValidationError{Field: "database.path", Code: "required", Message: "database path is required"})
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, &generic.ValidationError{Field: "log.level", Code: "invalid_level", Message: err.Error()})
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = multierr.Append(errs, &generic.ValidationError{Field: "log.format", Code: "invalid_format", Message: fmt.Sprintf("unknown log format %q", c.Log.Format)})
	}
	if _, err := c.Rounding(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.Adjuster(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Occurrences.SkipDays < 0 || c.Occurrences.MinimumDaysFromAnchor < 0 {
		errs = multierr.Append(errs, &generic.ValidationError{Field: "occurrences", Code: "negative", Message: "occurrence offsets cannot be negative"})
	}
	return errs
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// Rounding is the context new loans are opened with.
func (c Config) Rounding() (generic.RoundingContext, error) {
	mode, err := generic.ParseRoundingMode(c.Currency.RoundingMode)
	if err != nil {
		return generic.RoundingContext{}, err
	}
	if c.Currency.Code == "" {
		return generic.RoundingContext{}, &generic.ValidationError{Field: "currency.code", Code: "required", Message: "currency code is required"}
	}
	if c.Currency.Digits < 0 || c.Currency.InMultiplesOf < 0 {
		return generic.RoundingContext{}, &generic.ValidationError{Field: "currency", Code: "negative", Message: "digits and in_multiples_of cannot be negative"}
	}
	return generic.RoundingContext{
		Currency:      strings.ToUpper(c.Currency.Code),
		Digits:        c.Currency.Digits,
		Mode:          mode,
		InMultiplesOf: c.Currency.InMultiplesOf,
	}, nil
}

// Adjuster builds the holiday policy. The same_day strategy needs no
// calendar and yields NoAdjustment.
func (c Config) Adjuster() (generic.Adjuster, error) {
	strategy, err := generic.ParseAdjustmentStrategy(c.Holidays.Strategy)
	if err != nil {
		return nil, err
	}
	if strategy == generic.AdjustSameDay {
		return generic.NoAdjustment{}, nil
	}

	var errs error
	weekend := make([]time.Weekday, 0, len(c.Holidays.Weekend))
	for _, name := range c.Holidays.Weekend {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "holidays.weekend", Code: "invalid_weekday", Message: fmt.Sprintf("unknown weekday %q", name)})
			continue
		}
		weekend = append(weekend, wd)
	}
	holidays := make(generic.HolidayList, 0, len(c.Holidays.Dates))
	for _, h := range c.Holidays.Dates {
		d, err := generic.ParseDate(h.Date)
		if err != nil {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "holidays.dates", Code: "invalid_date", Message: fmt.Sprintf("%q is not a date", h.Date)})
			continue
		}
		holidays = append(holidays, generic.Holiday{Date: d, Name: h.Name, Recurring: h.Recurring})
	}
	if errs != nil {
		return nil, errs
	}

	return generic.HolidayPolicy{
		Days:     generic.WorkingDays{Weekend: weekend, Holidays: holidays},
		Strategy: strategy,
	}, nil
}

// OccurrencePolicy combines the occurrence flags with the holiday adjuster.
func (c Config) OccurrencePolicy(adjuster generic.Adjuster) calendar.OccurrencePolicy {
	return calendar.OccurrencePolicy{
		SkipFirstDayOfMonth:   c.Occurrences.SkipFirstDayOfMonth,
		SkipDays:              c.Occurrences.SkipDays,
		MinimumDaysFromAnchor: c.Occurrences.MinimumDaysFromAnchor,
		Adjuster:              adjuster,
	}
}

// Logger builds a logrus logger writing to out.
func (c Config) Logger(out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}
