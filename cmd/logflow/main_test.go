package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/coffersTech/logflow/internal/broker"
	"github.com/coffersTech/logflow/internal/config"
	"github.com/coffersTech/logflow/internal/errors"
	"github.com/coffersTech/logflow/internal/ingress"
	"github.com/coffersTech/logflow/internal/model"
	"github.com/coffersTech/logflow/internal/server"
)

// captureConfig replaces the action of the named command with one that
// records the loaded configuration.
func captureConfig(t *testing.T, app *cli.App, name string) **config.Config {
	t.Helper()
	var got *config.Config
	cmd := app.Command(name)
	require.NotNil(t, cmd)
	cmd.Action = func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		got = cfg
		return err
	}
	return &got
}

func TestLogLevelFlag(t *testing.T) {
	t.Run("defaults to info", func(t *testing.T) {
		app := newApp()
		var level *cli.StringFlag
		for _, f := range app.Flags {
			if sf, ok := f.(*cli.StringFlag); ok && sf.Name == "log-level" {
				level = sf
			}
		}
		require.NotNil(t, level)
		assert.Equal(t, "info", level.Value)
	})

	t.Run("rejects unknown levels", func(t *testing.T) {
		app := newApp()
		captureConfig(t, app, "storage")
		err := app.Run([]string{"logflow", "--log-level", "loud", "storage"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("rejects unknown formats", func(t *testing.T) {
		app := newApp()
		captureConfig(t, app, "storage")
		err := app.Run([]string{"logflow", "--log-format", "xml", "storage"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log format")
	})
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
processor:
  id: processor-2
  max_deliveries: 8
storage:
  addr: ":7002"
`), 0644))

	app := newApp()
	got := captureConfig(t, app, "processor")
	require.NoError(t, app.Run([]string{"logflow", "--config", path, "--log-level", "debug",
		"processor", "--max-deliveries", "3", "--prefetch", "4", "--storage-timeout", "2s"}))

	cfg := *got
	require.NotNil(t, cfg)
	assert.Equal(t, "processor-2", cfg.Processor.ID)
	assert.Equal(t, 3, cfg.Processor.MaxDeliveries)
	assert.Equal(t, 4, cfg.Broker.Prefetch)
	assert.Equal(t, 2*time.Second, cfg.Processor.StorageTimeout)
	assert.Equal(t, ":7002", cfg.Storage.Addr)
}

func TestLoadConfig_AddrFollowsCommand(t *testing.T) {
	app := newApp()
	got := captureConfig(t, app, "ingress")
	require.NoError(t, app.Run([]string{"logflow", "ingress", "--addr", ":6000"}))
	assert.Equal(t, ":6000", (*got).Ingress.Addr)
	assert.Equal(t, ":5002", (*got).Storage.Addr)

	app = newApp()
	got = captureConfig(t, app, "standalone")
	require.NoError(t, app.Run([]string{"logflow", "standalone", "--addr", ":6002", "--ingress-addr", ":6001", "--recover"}))
	assert.Equal(t, ":6001", (*got).Ingress.Addr)
	assert.Equal(t, ":6002", (*got).Storage.Addr)
	assert.True(t, (*got).Storage.Recover)
}

func TestLoadConfig_Invalid(t *testing.T) {
	app := newApp()
	captureConfig(t, app, "processor")
	err := app.Run([]string{"logflow", "processor", "--prefetch", "0"})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "broker.prefetch")
}

func startIngress(t *testing.T) (string, *broker.Memory) {
	t.Helper()
	b := broker.NewMemory()
	srv := httptest.NewServer(server.NewIngressServer(ingress.New(b)).Handler())
	t.Cleanup(srv.Close)
	return srv.URL, b
}

// runSubmit runs the submit command with stdin and returns its output.
func runSubmit(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"logflow", "submit"}, args...))
	return out.String(), err
}

func queued(t *testing.T, b *broker.Memory, n int) []model.LogEntry {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, broker.DefaultQueue, 1)
	require.NoError(t, err)

	var entries []model.LogEntry
	for i := 0; i < n; i++ {
		select {
		case d := <-ch:
			var e model.LogEntry
			require.NoError(t, json.Unmarshal(d.Payload, &e))
			require.NoError(t, b.Ack(d))
			entries = append(entries, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d entries queued", i, n)
		}
	}
	return entries
}

func TestSubmit_Single(t *testing.T) {
	url, b := startIngress(t)

	out, err := runSubmit(t, "", "--ingress-url", url, "--level", "ERROR", "--service", "api",
		"-m", "host=web-1", "-m", "region=eu", "disk", "full")
	require.NoError(t, err)

	entries := queued(t, b, 1)
	assert.Equal(t, entries[0].Timestamp+"\n", out)
	assert.Equal(t, "ERROR", entries[0].Level)
	assert.Equal(t, "disk full", entries[0].Message)
	assert.Equal(t, "api", entries[0].Service)
	assert.Equal(t, map[string]any{"host": "web-1", "region": "eu"}, entries[0].Metadata)
}

func TestSubmit_BatchFromStdin(t *testing.T) {
	url, b := startIngress(t)

	out, err := runSubmit(t, `[{"message":"a","level":"INFO"},{"message":"b"}]`, "--ingress-url", url, "--batch", "-")
	require.NoError(t, err)
	assert.Equal(t, "2 logs queued\n", out)

	entries := queued(t, b, 2)
	assert.Equal(t, "a", entries[0].Message)
	assert.Equal(t, "b", entries[1].Message)
}

func TestSubmit_ShipsStdinLines(t *testing.T) {
	url, b := startIngress(t)

	out, err := runSubmit(t, "first\n\n  second  \n", "--ingress-url", url, "--stdin",
		"--level", "warning", "--service", "cron", "-m", "job=backup")
	require.NoError(t, err)
	assert.Equal(t, "2 lines shipped\n", out)

	entries := queued(t, b, 2)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, "second", entries[1].Message)
	for _, e := range entries {
		assert.Equal(t, "WARNING", e.Level)
		assert.Equal(t, "cron", e.Service)
		assert.Equal(t, "backup", e.Metadata["job"])
	}
}

func TestSubmit_Errors(t *testing.T) {
	url, _ := startIngress(t)

	_, err := runSubmit(t, "", "--ingress-url", url)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = runSubmit(t, "", "--ingress-url", url, "-m", "novalue", "msg")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	_, err = runSubmit(t, "{}", "--ingress-url", url, "--batch", "-")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
