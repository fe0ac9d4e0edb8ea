package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"github.com/usfsci/bridge-x/pkg/bridgex/smsg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestFromArgs(t *testing.T) {
	req, err := requestFromArgs([]string{"7", "set", "led", `{"on":true,"serial":18446744073709551615}`})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), req.ID)
	assert.Equal(t, "set", req.Action)
	assert.Equal(t, "led", req.Kind)
	assert.Equal(t, map[string]any{"on": true, "serial": json.Number("18446744073709551615")}, req.Body)

	req, err = requestFromArgs([]string{"8", "get", "status"})
	require.NoError(t, err)
	assert.Nil(t, req.Body)

	_, err = requestFromArgs([]string{"-1", "get", "status"})
	assert.ErrorContains(t, err, "invalid id")

	_, err = requestFromArgs([]string{"1", "get", "status", "{nope"})
	assert.ErrorIs(t, err, smsg.ErrInvalidBody)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG").Level())
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning").Level())
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error").Level())
	assert.Equal(t, zapcore.InfoLevel, parseLevel("chatty").Level())
}

func TestZapCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapCronLogger(zap.New(core))

	logger.Info("schedule", "now", 1, "next", 2, "dangling")
	logger.Error(errors.New("boom"), "job failed", "entry", 3)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "cron", entries[0].LoggerName)
	assert.Len(t, entries[0].Context, 2)

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.EqualValues(t, 3, entries[1].ContextMap()["entry"])
}

func TestStatsJob(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := o11y.NewStandaloneMetricsProvider()
	metrics.Counter("gateway_connections_total").Add(t.Context(), 4)

	peer, err := relay.NewPeerConfig[[]byte]().WithName("to_ble").Build()
	require.NoError(t, err)
	sub := peer.Subscribe()
	defer sub.Close()

	job := &statsJob{
		logger:      zap.New(core),
		connections: func() int { return 2 },
		peers:       []*relay.Peer[[]byte]{peer},
		metrics:     metrics,
	}
	job.Run()

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.EqualValues(t, 2, fields["active_connections"])
	assert.EqualValues(t, 1, fields["to_ble_subscribers"])
	assert.Contains(t, fields, "counters")
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_size: 12\nerror_replies: false\n"), 0o600))

	configPath = path
	t.Cleanup(func() {
		configPath = ""
		errorReplies = false
		serveCmd.Flags().Lookup("error-replies").Changed = false
	})
	require.NoError(t, serveCmd.Flags().Set("error-replies", "true"))

	cfg, err := loadConfig(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.QueueSize)
	assert.True(t, cfg.ErrorReplies)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.hcl")
	require.NoError(t, os.WriteFile(path, []byte("queue_size = 0\n"), 0o600))

	configPath = path
	t.Cleanup(func() { configPath = "" })

	_, err := loadConfig(serveCmd)
	assert.ErrorContains(t, err, "queue_size")
}
