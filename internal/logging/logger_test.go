package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("WARNING")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)

	_, err = parseLevel("loud")
	require.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	require.Equal(t, "API_SERVER", EnvPrefix("api-server"))
	require.Equal(t, "WATCHER", EnvPrefix(" watcher "))
}

func TestConfigFromEnvPrefersServiceKeys(t *testing.T) {
	env := map[string]string{
		"WATCHER_LOG_LEVEL": "debug",
		"LOG_LEVEL":         "warn",
		"LOG_FORMAT":        "json",
	}
	lookup := func(key string) string { return env[key] }

	watcher := ConfigFromEnv("watcher", lookup)
	require.Equal(t, "debug", watcher.Level)
	require.Equal(t, "json", watcher.Format)
	require.Equal(t, "console", watcher.Output)
	require.Equal(t, filepath.Join(".docker", "watcher", "watcher.log"), watcher.FilePath)

	api := ConfigFromEnv("api-server", lookup)
	require.Equal(t, "warn", api.Level)
}

func TestRedactSecrets(t *testing.T) {
	attr := redactSecrets(nil, slog.String("journal_dsn", "postgres://u:p@h/db"))
	require.Equal(t, "[redacted]", attr.Value.String())

	attr = redactSecrets(nil, slog.String("market", "abc"))
	require.Equal(t, "abc", attr.Value.String())

	wallet := solana.NewWallet()
	attr = redactSecrets(nil, slog.String("value", wallet.PrivateKey.String()))
	require.Equal(t, "[redacted]", attr.Value.String())

	attr = redactSecrets(nil, slog.String("user", wallet.PublicKey().String()))
	require.Equal(t, wallet.PublicKey().String(), attr.Value.String())
}

func TestNewRedactsKeypairValues(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactSecrets})
	secret := solana.NewWallet().PrivateKey.String()
	slog.New(handler).Info("loaded", "key", secret)
	require.NotContains(t, buf.String(), secret)
	require.Contains(t, buf.String(), "[redacted]")
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "svc.log")
	logger, closeFn, err := New("svc", Config{Level: "debug", Format: "json", Output: "file", FilePath: path})
	require.NoError(t, err)
	logger.Info("hello", "k", "v")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"service":"svc"`)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewRejectsUnknownFormatAndOutput(t *testing.T) {
	_, _, err := New("svc", Config{Format: "xml"})
	require.Error(t, err)

	_, _, err = New("svc", Config{Output: "syslog"})
	require.Error(t, err)
}
