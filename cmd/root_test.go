package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmd_Metadata(t *testing.T) {
	assert.Equal(t, "dsi-pipeline", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
}

func TestRootCmd_SubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "runs", "serve", "queue"} {
		assert.True(t, names[want], "expected %q to be registered on rootCmd", want)
	}
}
