package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

func TestTruncateID(t *testing.T) {
	full := uuid.New().String()
	assert.Equal(t, full[:8], truncateID(full))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatRunsList_IncludesRunsAndDuration(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	runs := []model.PipelineRun{
		{
			ID:          uuid.New(),
			Status:      model.RunStatusCompleted,
			Mode:        model.RunModeManual,
			Config:      model.PipelineConfig{ClientID: "acme"},
			StartedAt:   started,
			CompletedAt: &completed,
			CreatedAt:   started,
		},
		{
			ID:        uuid.New(),
			Status:    model.RunStatusRunning,
			Mode:      model.RunModeScheduled,
			Config:    model.PipelineConfig{ClientID: "globex"},
			StartedAt: started,
			CreatedAt: started,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "globex")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, string(model.RunStatusCompleted))
	assert.Contains(t, out, string(model.RunStatusRunning))
}

func TestFormatRunsList_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, nil)
	assert.Contains(t, buf.String(), "ID")
}

func TestRunsCmd_SubcommandsRegistered(t *testing.T) {
	uses := map[string]bool{}
	for _, c := range runsCmd.Commands() {
		uses[c.Name()] = true
	}
	assert.True(t, uses["list"])
	assert.True(t, uses["show"])
	assert.True(t, uses["cancel"])
}

func TestRunsListCmd_FlagDefaults(t *testing.T) {
	limit, err := runsListCmd.Flags().GetInt("limit")
	assert.NoError(t, err)
	assert.Equal(t, 50, limit)
}
