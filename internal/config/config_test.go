package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validManifest = `
run {
  intent           = "add error wrapping to all exported functions"
  concurrency      = 4
  error_policy     = "skip_downstream"
  node_timeout     = "90s"
  checkpoint_every = 5
  workspace_ttl    = "15m"
  policy_overrides = {
    "file:main.go" = "stop_graph"
  }
}

discovery {
  root     = "./src"
  language = "go"
}

capability {
  backend = "openai"
  model   = "gpt-4o-mini"
}

sink {
  url       = "wss://events.example.com/socket.io"
  namespace = "/runs"
  timeout   = "5s"
}
`

func TestLoad(t *testing.T) {
	t.Run("full manifest", func(t *testing.T) {
		path := writeManifest(t, "run.hcl", validManifest)
		m, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "add error wrapping to all exported functions", m.Run.Intent)
		assert.Equal(t, 4, m.Run.Concurrency)
		assert.Equal(t, "skip_downstream", m.Run.ErrorPolicy)
		assert.Equal(t, 90*time.Second, m.Run.NodeTimeoutDuration())
		assert.Equal(t, 15*time.Minute, m.Run.WorkspaceTTLDuration())
		assert.Equal(t, map[string]string{"file:main.go": "stop_graph"}, m.Run.PolicyOverrides)
		assert.Equal(t, "go", m.Discovery.Language)
		require.Len(t, m.Sinks, 1)
		assert.Equal(t, "/runs", m.Sinks[0].Namespace)
		assert.Equal(t, 5*time.Second, m.Sinks[0].TimeoutDuration())
	})

	t.Run("directory loads every hcl file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(`
run {
  intent = "refactor"
}
`), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.hcl"), []byte(`
discovery {
  root     = "."
  language = "python"
}
`), 0o644))

		m, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "refactor", m.Run.Intent)
		assert.Equal(t, "python", m.Discovery.Language)
	})

	t.Run("env interpolation", func(t *testing.T) {
		t.Setenv("STITCHGRID_TEST_MODEL", "gpt-4o")
		path := writeManifest(t, "run.hcl", `
run {
  intent = "x"
}
discovery {
  root     = "."
  language = "go"
}
capability {
  model = env.STITCHGRID_TEST_MODEL
}
`)
		m, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", m.Capability.Model)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"))
		assert.Error(t, err)
	})

	t.Run("syntax error", func(t *testing.T) {
		path := writeManifest(t, "run.hcl", "run {")
		_, err := Load(path)
		assert.ErrorContains(t, err, "parsing")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Manifest {
		return &Manifest{
			Run:       &RunBlock{Intent: "x"},
			Discovery: &DiscoveryBlock{Root: ".", Language: "go"},
		}
	}

	t.Run("minimal manifest passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing run block", func(t *testing.T) {
		m := valid()
		m.Run = nil
		assert.ErrorContains(t, m.Validate(), "run block")
	})

	t.Run("empty intent", func(t *testing.T) {
		m := valid()
		m.Run.Intent = ""
		assert.ErrorContains(t, m.Validate(), "intent")
	})

	t.Run("missing discovery block", func(t *testing.T) {
		m := valid()
		m.Discovery = nil
		assert.ErrorContains(t, m.Validate(), "discovery block")
	})

	t.Run("bad duration", func(t *testing.T) {
		m := valid()
		m.Run.NodeTimeout = "ninety seconds"
		assert.ErrorContains(t, m.Validate(), "node_timeout")
	})

	t.Run("sink without url", func(t *testing.T) {
		m := valid()
		m.Sinks = []SinkBlock{{}}
		assert.ErrorContains(t, m.Validate(), "url")
	})
}
