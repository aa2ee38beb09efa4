package main

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

func TestWriteRun_JSONRoundTrip(t *testing.T) {
	run := &model.PipelineRun{
		ID:        uuid.New(),
		Mode:      model.RunModeManual,
		Status:    model.RunStatusRunning,
		Config:    model.PipelineConfig{ClientID: "acme"},
		StartedAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	f, err := os.CreateTemp(t.TempDir(), "run-*.json")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, writeRun(f, run))

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)

	var got model.PipelineRun
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Config.ClientID, got.Config.ClientID)
}

func TestRunCmd_FlagDefaults(t *testing.T) {
	flags := runCmd.Flags()

	clientID, err := flags.GetString("client-id")
	require.NoError(t, err)
	assert.Empty(t, clientID)

	mode, err := flags.GetString("mode")
	require.NoError(t, err)
	assert.Equal(t, string(model.RunModeManual), mode)

	wait, err := flags.GetBool("wait")
	require.NoError(t, err)
	assert.False(t, wait)

	poll, err := flags.GetDuration("poll-interval")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, poll)
}

func TestRunCmd_RegisteredOnRoot(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Use == "run" {
			found = true
		}
	}
	assert.True(t, found, "run command should be registered on rootCmd")
}
