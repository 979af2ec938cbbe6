// Package config loads and validates the ingester configuration. The
// environment is authoritative — every knob is an environment variable —
// with an optional YAML file underneath for deployments that prefer a
// checked-in baseline. Precedence: defaults < YAML file < environment.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the validated runtime configuration.
type Config struct {
	// EmailHashKey is the 32-byte HMAC key under which emails are hashed.
	// It must be identical across every run that feeds one shard store.
	EmailHashKey []byte

	// InputDir is the root walked for .txt input files. Required.
	InputDir string
	// ShardDir is the root under which xx/xxxx.jsonl shards are written.
	// Required; created if absent.
	ShardDir string

	// MaxStreams caps the number of concurrently open shard writers.
	MaxStreams int
	// BatchSize is the records buffered per writer before a forced flush.
	BatchSize int
	// BatchInterval is the timer-driven flush period.
	BatchInterval time.Duration
	// Concurrency is the worker task count.
	Concurrency int
	// LogLevel is one of ERROR, WARN, INFO, DEBUG.
	LogLevel string

	// EmitEmail controls whether shard records carry the normalised email.
	// False scrubs the field to "" for stricter privacy.
	EmitEmail bool
	// SkipHeader unconditionally drops the first line of every input file.
	SkipHeader bool
	// SalvageMultiField processes >2-field lines with a first-delimiter
	// split instead of rejecting them.
	SalvageMultiField bool

	// ProgressFile is the path of the resume document.
	ProgressFile string
	// MultiFieldLog records source files with more than two fields per line.
	MultiFieldLog string
	// SkippedLog records input files that failed with a reason.
	SkippedLog string
	// CatalogPath is the SQLite run-catalog database. Empty disables.
	CatalogPath string
	// AuditLog is the hash-chained run audit log. Empty disables.
	AuditLog string

	// StatusAddr is the status HTTP listen address. Empty disables.
	StatusAddr string
	// StatusJWTPubKey is a PEM RSA public key file; when set, /api routes
	// of the status server require an RS256 Bearer token.
	StatusJWTPubKey string
}

// fileConfig is the YAML shape. Pointers distinguish "absent" from zero so
// the file can override only what it mentions.
type fileConfig struct {
	EmailHashKey    *string `yaml:"email_hash_key"`
	InputDir        *string `yaml:"input_dir"`
	ShardDir        *string `yaml:"shard_dir"`
	MaxStreams      *int    `yaml:"max_streams"`
	BatchSize       *int    `yaml:"batch_size"`
	BatchIntervalMS *int    `yaml:"batch_interval_ms"`
	Concurrency     *int    `yaml:"concurrency"`
	LogLevel        *string `yaml:"log_level"`

	EmitEmail         *bool `yaml:"emit_email"`
	SkipHeader        *bool `yaml:"skip_header"`
	SalvageMultiField *bool `yaml:"salvage_multi_field"`

	ProgressFile  *string `yaml:"progress_file"`
	MultiFieldLog *string `yaml:"multi_field_log"`
	SkippedLog    *string `yaml:"skipped_log"`
	CatalogPath   *string `yaml:"catalog_path"`
	AuditLog      *string `yaml:"audit_log"`

	StatusAddr      *string `yaml:"status_addr"`
	StatusJWTPubKey *string `yaml:"status_jwt_pubkey"`
}

// Load builds the configuration from the optional YAML file at yamlPath
// (empty string: no file) and the process environment, then validates it.
// Every validation failure is reported at once.
func Load(yamlPath string) (*Config, error) {
	raw := rawDefaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", yamlPath, err)
		}
		var fc fileConfig
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true) // reject unrecognised YAML keys
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("config: parsing %q: %w", yamlPath, err)
		}
		raw.applyFile(&fc)
	}

	envErr := raw.applyEnv()

	cfg, errs := raw.finish()
	if envErr != nil {
		errs = append([]error{envErr}, errs...)
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return cfg, nil
}

// rawConfig carries settings before validation. keyHex stays a string until
// validation so a malformed key is reported alongside every other problem.
type rawConfig struct {
	keyHex          string
	inputDir        string
	shardDir        string
	maxStreams      int
	batchSize       int
	batchIntervalMS int
	concurrency     int
	logLevel        string

	emitEmail         bool
	skipHeader        bool
	salvageMultiField bool

	progressFile  string
	multiFieldLog string
	skippedLog    string
	catalogPath   *string
	auditLog      *string

	statusAddr      *string
	statusJWTPubKey string
}

func rawDefaults() *rawConfig {
	return &rawConfig{
		maxStreams:        64,
		batchSize:         500,
		batchIntervalMS:   2000,
		concurrency:       2,
		logLevel:          "INFO",
		emitEmail:         true,
		salvageMultiField: true,
	}
}

func (r *rawConfig) applyFile(fc *fileConfig) {
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	setStr(&r.keyHex, fc.EmailHashKey)
	setStr(&r.inputDir, fc.InputDir)
	setStr(&r.shardDir, fc.ShardDir)
	setInt(&r.maxStreams, fc.MaxStreams)
	setInt(&r.batchSize, fc.BatchSize)
	setInt(&r.batchIntervalMS, fc.BatchIntervalMS)
	setInt(&r.concurrency, fc.Concurrency)
	setStr(&r.logLevel, fc.LogLevel)

	setBool(&r.emitEmail, fc.EmitEmail)
	setBool(&r.skipHeader, fc.SkipHeader)
	setBool(&r.salvageMultiField, fc.SalvageMultiField)

	setStr(&r.progressFile, fc.ProgressFile)
	setStr(&r.multiFieldLog, fc.MultiFieldLog)
	setStr(&r.skippedLog, fc.SkippedLog)
	if fc.CatalogPath != nil {
		r.catalogPath = fc.CatalogPath
	}
	if fc.AuditLog != nil {
		r.auditLog = fc.AuditLog
	}
	if fc.StatusAddr != nil {
		r.statusAddr = fc.StatusAddr
	}
	setStr(&r.statusJWTPubKey, fc.StatusJWTPubKey)
}

// applyEnv overlays environment variables. A variable that is set but empty
// disables its feature where the field supports disabling.
func (r *rawConfig) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	optStr := func(name string, dst **string) {
		if v, ok := os.LookupEnv(name); ok {
			s := v
			*dst = &s
		}
	}

	var errs []string
	integer := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", name, v))
			return
		}
		*dst = n
	}
	boolean := func(name string, dst *bool) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", name, v))
			return
		}
		*dst = b
	}

	str("EMAIL_HASH_KEY", &r.keyHex)
	str("INPUT_DIR", &r.inputDir)
	str("SHARD_DIR", &r.shardDir)
	integer("MAX_STREAMS", &r.maxStreams)
	integer("BATCH_SIZE", &r.batchSize)
	integer("BATCH_INTERVAL_MS", &r.batchIntervalMS)
	integer("CONCURRENCY", &r.concurrency)
	str("LOG_LEVEL", &r.logLevel)

	boolean("EMIT_EMAIL", &r.emitEmail)
	boolean("SKIP_HEADER", &r.skipHeader)
	boolean("SALVAGE_MULTI_FIELD", &r.salvageMultiField)

	str("PROGRESS_FILE", &r.progressFile)
	str("MULTI_FIELD_LOG", &r.multiFieldLog)
	str("SKIPPED_LOG", &r.skippedLog)
	optStr("CATALOG_PATH", &r.catalogPath)
	optStr("AUDIT_LOG", &r.auditLog)
	optStr("STATUS_ADDR", &r.statusAddr)
	str("STATUS_JWT_PUBKEY", &r.statusJWTPubKey)

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// finish applies path defaults, decodes the key, and validates. All
// problems are returned together.
func (r *rawConfig) finish() (*Config, []error) {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	cfg := &Config{
		InputDir:          r.inputDir,
		ShardDir:          r.shardDir,
		MaxStreams:        r.maxStreams,
		BatchSize:         r.batchSize,
		BatchInterval:     time.Duration(r.batchIntervalMS) * time.Millisecond,
		Concurrency:       r.concurrency,
		LogLevel:          strings.ToUpper(strings.TrimSpace(r.logLevel)),
		EmitEmail:         r.emitEmail,
		SkipHeader:        r.skipHeader,
		SalvageMultiField: r.salvageMultiField,
		ProgressFile:      r.progressFile,
		MultiFieldLog:     r.multiFieldLog,
		SkippedLog:        r.skippedLog,
		StatusJWTPubKey:   r.statusJWTPubKey,
	}

	// ── HMAC key ──────────────────────────────────────────────────────────
	if r.keyHex == "" {
		add("EMAIL_HASH_KEY must be set (64 hex characters)")
	} else {
		key, err := hex.DecodeString(strings.TrimSpace(r.keyHex))
		switch {
		case err != nil:
			add("EMAIL_HASH_KEY is not valid hex: %v", err)
		case len(key) != 32:
			add("EMAIL_HASH_KEY must decode to 32 bytes, got %d", len(key))
		default:
			cfg.EmailHashKey = key
		}
	}

	// ── Directories ───────────────────────────────────────────────────────
	if cfg.InputDir == "" {
		add("INPUT_DIR must be set")
	} else if fi, err := os.Stat(cfg.InputDir); err != nil {
		add("INPUT_DIR: %v", err)
	} else if !fi.IsDir() {
		add("INPUT_DIR %q is not a directory", cfg.InputDir)
	}

	if cfg.ShardDir == "" {
		add("SHARD_DIR must be set")
	} else if err := os.MkdirAll(cfg.ShardDir, 0o755); err != nil {
		add("SHARD_DIR: %v", err)
	}

	// ── Numeric bounds ────────────────────────────────────────────────────
	if cfg.MaxStreams < 1 {
		add("MAX_STREAMS must be >= 1, got %d", cfg.MaxStreams)
	}
	if cfg.BatchSize < 1 {
		add("BATCH_SIZE must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.BatchInterval < 0 {
		add("BATCH_INTERVAL_MS must be >= 0, got %d", r.batchIntervalMS)
	}
	if cfg.Concurrency < 1 {
		add("CONCURRENCY must be >= 1, got %d", cfg.Concurrency)
	}

	// ── Log level ─────────────────────────────────────────────────────────
	switch cfg.LogLevel {
	case "ERROR", "WARN", "INFO", "DEBUG":
	default:
		add("LOG_LEVEL %q is invalid; must be one of ERROR, WARN, INFO, DEBUG", cfg.LogLevel)
	}

	// ── Shard-dir-relative defaults ───────────────────────────────────────
	if cfg.ShardDir != "" {
		def := func(dst *string, name string) {
			if *dst == "" {
				*dst = filepath.Join(cfg.ShardDir, name)
			}
		}
		def(&cfg.ProgressFile, "ingest-progress.json")
		def(&cfg.MultiFieldLog, "multi_field_files.log")
		def(&cfg.SkippedLog, "skipped.log")

		if r.catalogPath == nil {
			cfg.CatalogPath = filepath.Join(cfg.ShardDir, "catalog.db")
		} else {
			cfg.CatalogPath = *r.catalogPath
		}
		if r.auditLog == nil {
			cfg.AuditLog = filepath.Join(cfg.ShardDir, "audit.log")
		} else {
			cfg.AuditLog = *r.auditLog
		}
	}

	if r.statusAddr == nil {
		cfg.StatusAddr = "127.0.0.1:9190"
	} else {
		cfg.StatusAddr = *r.statusAddr
	}

	if cfg.StatusJWTPubKey != "" {
		if _, err := os.Stat(cfg.StatusJWTPubKey); err != nil {
			add("STATUS_JWT_PUBKEY: %v", err)
		}
	}

	return cfg, errs
}

// SlogLevel maps the configured level string onto a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
