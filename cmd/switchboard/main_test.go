// ABOUTME: Tests for the switchboard CLI
// ABOUTME: Covers config path resolution, logger setup, and client commands against a fake server

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG", "/etc/switchboard.toml")
	assert.Equal(t, "/etc/switchboard.toml", getConfigPath())

	t.Setenv("SWITCHBOARD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "switchboard", "config.yaml"), getConfigPath())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "switchboard", "switchboard.db"), cfg.Database.Path)
	assert.Equal(t, config.DefaultHTTPAddr, cfg.Server.HTTPAddr)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "tenant_id", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "t1", line["tenant_id"])

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "debug"}, &buf).With("component", "queue")
	logger.Debug("tick", "queued", 3)
	assert.Contains(t, buf.String(), "tick")
	assert.Contains(t, buf.String(), "component=")
	assert.Contains(t, buf.String(), "queue")
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tenants/t1/queue", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]gateway.QueueEntryResponse{
			{ConversationID: "c1", TenantID: "t1", Position: 1, Department: "billing"},
		})
	})
	mux.HandleFunc("GET /api/tenants/t1/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gateway.QueueStatsResponse{TotalQueued: 1, ServiceLevel: 100, ServiceLevelTarget: 120})
	})
	mux.HandleFunc("GET /api/tenants/missing/queue", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "temporarily unavailable"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { configFlag, serverFlag = "", "" })

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQueueCommand(t *testing.T) {
	srv := fakeServer(t)

	out, err := runCmd(t, "queue", "t1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "CONVERSATION")
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "billing")

	_, err = runCmd(t, "queue", "missing", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "temporarily unavailable")
}

func TestStatsCommand(t *testing.T) {
	srv := fakeServer(t)
	t.Setenv("SWITCHBOARD_URL", srv.URL)

	out, err := runCmd(t, "stats", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued:          1")
	assert.Contains(t, out, "within 120s")
}
