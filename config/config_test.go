package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpubvh.toml")
	payload := `
[device]
backend = "cpu"
workers = 3
shuffle = true
seed = 42

[builder]
cluster_size = 4
validate = true
`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Device.Workers)
	assert.True(t, cfg.Device.Shuffle)
	assert.Equal(t, int64(42), cfg.Device.Seed)
	assert.Equal(t, uint32(4), cfg.Builder.ClusterSize)
	assert.True(t, cfg.Builder.Validate)

	// untouched sections keep defaults
	assert.Equal(t, 16384, cfg.Atlas.MaxSize)
	assert.Equal(t, 1, cfg.Atlas.Border)
	assert.Equal(t, "notice", cfg.Log.Level)
}

func TestValidateErrors(t *testing.T) {
	type spec struct {
		mutate func(*Config)
	}
	specs := []spec{
		{func(c *Config) { c.Device.Backend = "opencl" }},
		{func(c *Config) { c.Device.Workers = -1 }},
		{func(c *Config) { c.Builder.ClusterSize = 0 }},
		{func(c *Config) { c.Atlas.MaxSize = 0 }},
		{func(c *Config) { c.Atlas.Border = -1 }},
		{func(c *Config) { c.Atlas.Border = 0 }},
		{func(c *Config) { c.Atlas.MaxSize = 8; c.Atlas.Border = 4 }},
		{func(c *Config) { c.Log.Level = "chatty" }},
	}

	for idx, s := range specs {
		cfg := Default()
		s.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("[spec %d] expected validation error", idx)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Builder.ClusterSize = 2

	data, err := cfg.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.toml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
