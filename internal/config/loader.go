package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads configuration from the process environment, applies defaults
// and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom fills a Config from lookup using the struct tags:
//
//	env:"NAME"       primary variable
//	envAlt:"NAME"    fallback variable
//	default:"value"  used when neither is set
//	required:"true"  no default; missing is an error
//	secret:"true"    masked by String
//
// Every malformed or missing value is reported, not just the first.
func LoadFrom(lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	l := loader{lookup: lookup}
	l.walk(reflect.ValueOf(cfg).Elem())
	if err := errors.Join(l.errs...); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

type loader struct {
	lookup LookupFunc
	errs   []error
}

func (l *loader) get(key string) string {
	if key == "" {
		return ""
	}
	v, _ := l.lookup(key)
	return strings.TrimSpace(v)
}

// walk populates the tagged fields of v, recursing into sections.
func (l *loader) walk(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			l.walk(fv)
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		value := l.get(name)
		if value == "" {
			value = l.get(field.Tag.Get("envAlt"))
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				l.errs = append(l.errs, fmt.Errorf("required environment variable %s is not set", name))
				continue
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}
		if err := decode(fv, value); err != nil {
			l.errs = append(l.errs, fmt.Errorf("invalid value for %s=%q: %w", name, value, err))
		}
	}
}

// decode parses value into the field behind fv.
func decode(fv reflect.Value, value string) error {
	switch p := fv.Addr().Interface().(type) {
	case *string:
		*p = value
	case *time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*p = d
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*p = n
	case *int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*p = b
	case *[]string:
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Store validation
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required for STORE_DRIVER=postgres")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER (%q) must be one of: postgres, memory", c.Database.Driver))
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Import validation
	if c.Import.BatchSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.PeekBytes < 1024 {
		errs = append(errs, "IMPORT_PEEK_BYTES must be at least 1024")
	}
	if c.Import.SampleLines < 2 {
		errs = append(errs, "IMPORT_SAMPLE_LINES must be at least 2")
	}
	if c.Import.UploadDir == "" {
		errs = append(errs, "IMPORT_UPLOAD_DIR is required")
	}
	if !oneOf(c.Import.CancelCheck, "row", "batch") {
		errs = append(errs, fmt.Sprintf("IMPORT_CANCEL_CHECK (%q) must be one of: row, batch", c.Import.CancelCheck))
	}
	if !oneOf(c.Import.DuplicatePolicy, "overwrite", "skip") {
		errs = append(errs, fmt.Sprintf("IMPORT_DUPLICATE_POLICY (%q) must be one of: overwrite, skip", c.Import.DuplicatePolicy))
	}

	// Worker validation
	if c.Workers.FileWorkers <= 0 || c.Workers.ExportWorkers <= 0 {
		errs = append(errs, "WORKERS_FILES and WORKERS_EXPORTS must be positive")
	}
	if c.Workers.FileQueue < 0 || c.Workers.ExportQueue < 0 {
		errs = append(errs, "worker queue sizes must be non-negative")
	}
	if !oneOf(c.Workers.Overflow, "caller-runs", "reject") {
		errs = append(errs, fmt.Sprintf("WORKERS_OVERFLOW (%q) must be one of: caller-runs, reject", c.Workers.Overflow))
	}

	// Progress validation
	if c.Progress.Retention <= 0 {
		errs = append(errs, "PROGRESS_RETENTION must be positive")
	}
	if c.Progress.ReapInterval <= 0 {
		errs = append(errs, "PROGRESS_REAP_INTERVAL must be positive")
	}
	if c.Progress.StuckAfter <= 0 {
		errs = append(errs, "PROGRESS_STUCK_AFTER must be positive")
	}

	// Export validation
	if len([]rune(c.Export.Delimiter)) != 1 {
		errs = append(errs, fmt.Sprintf("EXPORT_CSV_DELIMITER (%q) must be a single character", c.Export.Delimiter))
	}
	if len([]rune(c.Export.Quote)) != 1 {
		errs = append(errs, fmt.Sprintf("EXPORT_CSV_QUOTE (%q) must be a single character", c.Export.Quote))
	}

	// Rate limit validation
	if c.Rate.Enabled && (c.Rate.SubmitPerMinute <= 0 || c.Rate.Burst <= 0) {
		errs = append(errs, "RATE_LIMIT_SUBMIT and RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	if len(c.Keys.RegionKey) == 0 || len(c.Keys.CompetitorKey) == 0 {
		errs = append(errs, "REGION_KEY_FIELDS and COMPETITOR_KEY_FIELDS must name at least one field")
	}

	// Logging validation
	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	if !oneOf(c.Logging.Format, "text", "json") {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// String renders every setting as Section.Field=value for logging.
// Fields tagged secret are masked.
func (c *Config) String() string {
	var parts []string
	v := reflect.ValueOf(c).Elem()
	for i := 0; i < v.NumField(); i++ {
		section := v.Type().Field(i)
		sv := v.Field(i)
		for j := 0; j < sv.NumField(); j++ {
			f := section.Type.Field(j)
			if !f.IsExported() {
				continue
			}
			val := fmt.Sprint(sv.Field(j).Interface())
			if f.Tag.Get("secret") == "true" && val != "" {
				val = "[MASKED]"
			}
			parts = append(parts, section.Name+"."+f.Name+"="+val)
		}
	}
	return "Config{" + strings.Join(parts, " ") + "}"
}
