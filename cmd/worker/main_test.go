package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/attemptengine/worker/internal/config"
)

func TestBindFlagsLeavesDefaultsWhenNoFlagsSet(t *testing.T) {
	cfg := config.Configuration{Port: ":8080", Capacity: 5, LogLevel: "info"}

	bindFlags(&cfg, nil)

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 5, cfg.Capacity)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestBindFlagsOverridesOnlyExplicitlySetFlags(t *testing.T) {
	cfg := config.Configuration{Port: ":8080", Capacity: 5, LogLevel: "info", Secret: "env-secret"}

	bindFlags(&cfg, []string{"--port=:9090", "--capacity=20"})

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, 20, cfg.Capacity)
	assert.Equal(t, "info", cfg.LogLevel, "unset flags must not clobber env-sourced config")
	assert.Equal(t, "env-secret", cfg.Secret)
}

func TestBindFlagsRejectsUnknownFlagWithoutPanicking(t *testing.T) {
	cfg := config.Configuration{Port: ":8080"}

	assert.NotPanics(t, func() {
		bindFlags(&cfg, []string{"--does-not-exist"})
	})
	assert.Equal(t, ":8080", cfg.Port)
}

func TestConfigFilePathReadsConfigFlag(t *testing.T) {
	assert.Equal(t, "/etc/worker/config.yaml", configFilePath([]string{"--config=/etc/worker/config.yaml"}))
}

func TestConfigFilePathFallsBackToEnvVar(t *testing.T) {
	t.Setenv("WORKER_CONFIG_FILE", "/etc/worker/env-config.yaml")

	assert.Equal(t, "/etc/worker/env-config.yaml", configFilePath(nil))
}

func TestConfigFilePathEmptyWhenNeitherSet(t *testing.T) {
	t.Setenv("WORKER_CONFIG_FILE", "")

	assert.Equal(t, "", configFilePath(nil))
}

func TestConfigFilePathTolerantOfUnrelatedFlags(t *testing.T) {
	t.Setenv("WORKER_CONFIG_FILE", "")

	assert.Equal(t, "", configFilePath([]string{"--port=:9090", "--capacity=20"}))
}
