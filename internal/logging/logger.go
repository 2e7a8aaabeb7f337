// Package logging builds the slog loggers shared by the api-server and watcher.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

type Config struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

// EnvPrefix maps a service name to its variable prefix, api-server -> API_SERVER.
func EnvPrefix(serviceName string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(strings.TrimSpace(serviceName)))
}

// ConfigFromEnv resolves <PREFIX>_LOG_* first and the shared LOG_* keys second.
func ConfigFromEnv(serviceName string, lookup func(key string) string) Config {
	prefix := EnvPrefix(serviceName)
	value := func(suffix, fallback string) string {
		if v := strings.TrimSpace(lookup(prefix + "_" + suffix)); v != "" {
			return v
		}
		if v := strings.TrimSpace(lookup(suffix)); v != "" {
			return v
		}
		return fallback
	}
	return Config{
		Level:    value("LOG_LEVEL", "info"),
		Format:   value("LOG_FORMAT", "text"),
		Output:   value("LOG_OUTPUT", "console"),
		FilePath: value("LOG_FILE", defaultLogPath(serviceName)),
	}
}

func defaultLogPath(serviceName string) string {
	return filepath.Join(".docker", serviceName, serviceName+".log")
}

// New returns a logger tagged with the service name and a closer for its file output.
func New(serviceName string, cfg Config) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(writer, cfg.Format, &slog.HandlerOptions{Level: level, ReplaceAttr: redactSecrets})
	if err != nil {
		_ = closeWriter()
		return nil, nil, err
	}
	return slog.New(handler).With("service", serviceName), closeWriter, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", format)
	}
}

func openWriter(serviceName string, cfg Config) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "console":
		return os.Stdout, noop, nil
	case "file", "both":
		path := strings.TrimSpace(cfg.FilePath)
		if path == "" {
			path = defaultLogPath(serviceName)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory for %q: %w", path, err)
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", path, err)
		}
		if strings.EqualFold(strings.TrimSpace(cfg.Output), "both") {
			return io.MultiWriter(os.Stdout, file), file.Close, nil
		}
		return file, file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|file|both)", cfg.Output)
	}
}

var redactedKeys = []string{"secret", "private_key", "keypair", "password", "dsn", "authority_key"}

// redactSecrets hides secret-named attributes and any value that decodes to a
// 64-byte ed25519 keypair, whatever its key. Transaction signatures have the
// same length and are hidden as well.
func redactSecrets(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	for _, marker := range redactedKeys {
		if strings.Contains(key, marker) {
			return slog.String(attr.Key, "[redacted]")
		}
	}
	if attr.Value.Kind() == slog.KindString && looksLikeKeypair(attr.Value.String()) {
		return slog.String(attr.Key, "[redacted]")
	}
	return attr
}

func looksLikeKeypair(value string) bool {
	if len(value) < 80 || len(value) > 90 {
		return false
	}
	raw, err := base58.Decode(value)
	return err == nil && len(raw) == 64
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
