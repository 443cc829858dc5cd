//go:build linux

package fdpool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0", cfg.ListenAddr)
	assert.Equal(t, 12345, cfg.ListenPort)
	assert.Equal(t, ModeThread, cfg.Mode)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, NewConfig("0.0.0.0", 1, ModeProcess).Workers)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdpool.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
address = 127.0.0.1
port = 9003
mode = process
workers = 4
handler = echo
poll_interval = 25ms
daemon = true
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.ListenAddr)
	assert.Equal(t, 9003, cfg.ListenPort)
	assert.Equal(t, ModeProcess, cfg.Mode)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, HandlerEcho, cfg.Handler)
	assert.Equal(t, 25*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.Daemon)
	assert.Equal(t, 50, cfg.Backlog)
}

func TestParseConfig_Invalid(t *testing.T) {
	for name, text := range map[string]string{
		"bad port":         "[server]\nport = http\n",
		"unknown mode":     "[server]\nmode = fiber\n",
		"too many workers": "[server]\nmode = process\nworkers = 64\n",
		"unknown handler":  "[server]\nhandler = gopher\n",
		"bad interval":     "[server]\npoll_interval = soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(text))
			assert.Error(t, err)
		})
	}
}

func TestServer_ThreadMode(t *testing.T) {
	cfg := testConfig(ModeThread, 2)
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()

	tp := srv.strategy.(*ThreadPool)
	msg := payload(100)
	assert.Equal(t, msg, roundTrip(t, tp.Addr(), msg, 7))

	srv.Stop()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
