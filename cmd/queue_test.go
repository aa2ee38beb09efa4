package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueCmd_SubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range queueCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["stats"])
	assert.True(t, names["retry-dead-letter"])
}

func TestQueueCmd_RegisteredOnRoot(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Use == "queue" {
			found = true
		}
	}
	assert.True(t, found, "queue command should be registered on rootCmd")
}
