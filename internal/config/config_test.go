package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/config"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestMergeFileOverlaysOnlyFieldsTheFileSets(t *testing.T) {
	path := writeTempConfig(t, "lightning_service_url: nats://coordinator.internal:4222\ncapacity: 10\n")

	cfg := config.Configuration{Port: ":8080", Capacity: 5, LogLevel: "info"}
	require.NoError(t, cfg.MergeFile(path))

	assert.Equal(t, "nats://coordinator.internal:4222", cfg.LightningServiceURL)
	assert.Equal(t, 10, cfg.Capacity)
	assert.Equal(t, ":8080", cfg.Port, "fields absent from the file must keep their env-sourced value")
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestMergeFileReturnsErrorForMissingFile(t *testing.T) {
	cfg := config.Configuration{}
	err := cfg.MergeFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestMergeFileReturnsErrorForInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "not: [valid: yaml")

	cfg := config.Configuration{}
	err := cfg.MergeFile(path)
	assert.Error(t, err)
}

func TestMergeFileLeavesConfigurationUntouchedWhenFileIsEmpty(t *testing.T) {
	path := writeTempConfig(t, "")

	cfg := config.Configuration{Port: ":8080", Capacity: 5}
	require.NoError(t, cfg.MergeFile(path))

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, 5, cfg.Capacity)
}
