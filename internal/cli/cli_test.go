package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("positional manifest path", func(t *testing.T) {
		var out bytes.Buffer
		cfg, exit, err := Parse([]string{"run.hcl"}, &out)
		require.NoError(t, err)
		require.False(t, exit)
		assert.Equal(t, "run.hcl", cfg.ManifestPath)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("manifest flag wins over positional", func(t *testing.T) {
		var out bytes.Buffer
		cfg, _, err := Parse([]string{"-manifest", "a.hcl", "b.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "a.hcl", cfg.ManifestPath)
	})

	t.Run("shorthand flag", func(t *testing.T) {
		var out bytes.Buffer
		cfg, _, err := Parse([]string{"-m", "a.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "a.hcl", cfg.ManifestPath)
	})

	t.Run("no path prints usage and exits cleanly", func(t *testing.T) {
		var out bytes.Buffer
		cfg, exit, err := Parse(nil, &out)
		require.NoError(t, err)
		assert.True(t, exit)
		assert.Nil(t, cfg)
		assert.Contains(t, out.String(), "Usage:")
	})

	t.Run("overrides", func(t *testing.T) {
		var out bytes.Buffer
		cfg, _, err := Parse([]string{
			"-log-level", "debug",
			"-log-format", "text",
			"-concurrency", "8",
			"-run-id", "run-1",
			"-resume", "latest",
			"run.hcl",
		}, &out)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, 8, cfg.Concurrency)
		assert.Equal(t, "run-1", cfg.RunID)
		assert.Equal(t, "latest", cfg.ResumeFrom)
	})

	t.Run("error cases", func(t *testing.T) {
		var out bytes.Buffer

		_, _, err := Parse([]string{"-log-format", "xml", "run.hcl"}, &out)
		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 2, exitErr.Code)

		_, _, err = Parse([]string{"-log-level", "loud", "run.hcl"}, &out)
		require.ErrorAs(t, err, &exitErr)

		_, _, err = Parse([]string{"-resume", "latest", "run.hcl"}, &out)
		require.ErrorAs(t, err, &exitErr)
		assert.Contains(t, exitErr.Message, "run-id")

		_, _, err = Parse([]string{"-bogus-flag"}, &out)
		require.ErrorAs(t, err, &exitErr)
	})
}
