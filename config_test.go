package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fatalSpyLogger records Fatal calls instead of exiting the process, so
// LoadConfig's validation branches can be tested without killing `go test`.
type fatalSpyLogger struct {
	Logger
	fataled bool
}

func newFatalSpyLogger() *fatalSpyLogger {
	return &fatalSpyLogger{Logger: NewLoggerIPFS("test")}
}

func (l *fatalSpyLogger) Fatal(msg string, kv ...interface{}) {
	l.fataled = true
}

func (l *fatalSpyLogger) NewSystem(name string) Logger {
	return l
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(configDirPathEnv, t.TempDir())
	t.Setenv("ALPACA_ROLE", "client")
	t.Setenv("ALPACA_MODE", "proxy")

	cfg, err := LoadConfig(NewLoggerIPFS("test"))
	require.NoError(t, err)
	assert.Equal(t, RoleClient, cfg.Role)
	assert.Equal(t, ModeProxy, cfg.Mode)
	assert.Equal(t, 1080, cfg.Socks5Port)
}

func TestLoadConfigRejectsInvalidRole(t *testing.T) {
	t.Setenv(configDirPathEnv, t.TempDir())
	t.Setenv("ALPACA_ROLE", "bogus")
	t.Setenv("ALPACA_MODE", "proxy")

	spy := newFatalSpyLogger()
	_, _ = LoadConfig(spy)
	assert.True(t, spy.fataled)
}

func TestLoadConfigRejectsVPNMode(t *testing.T) {
	t.Setenv(configDirPathEnv, t.TempDir())
	t.Setenv("ALPACA_ROLE", "client")
	t.Setenv("ALPACA_MODE", "vpn")

	spy := newFatalSpyLogger()
	_, _ = LoadConfig(spy)
	assert.True(t, spy.fataled)
}

func TestLoadConfigRequiresNanoSeedWithCryptoCoin(t *testing.T) {
	t.Setenv(configDirPathEnv, t.TempDir())
	t.Setenv("ALPACA_ROLE", "client")
	t.Setenv("ALPACA_MODE", "proxy")
	t.Setenv("ALPACA_CRYPTOCOIN", "nano")
	t.Setenv("ALPACA_NANO_SEED", "")

	spy := newFatalSpyLogger()
	_, _ = LoadConfig(spy)
	assert.True(t, spy.fataled)
}
