package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stitchgrid/internal/capability"
	"github.com/vk/stitchgrid/internal/graph"
	"github.com/vk/stitchgrid/internal/source"
	"github.com/vk/stitchgrid/internal/testutil"
	"github.com/vk/stitchgrid/internal/workspace"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Build([]source.Descriptor{
		{ID: "file:f.go", Path: "f.go", Start: 0, End: 8},
		{ID: "n1", Path: "f.go", Start: 0, End: 3, Text: "[a]", Parent: "file:f.go"},
	})
	require.NoError(t, err)
	return g
}

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	wm := workspace.NewManager(workspace.NewMapBase(map[string][]byte{
		"f.go": []byte("[a]\n[b]\n"),
	}))
	t.Cleanup(wm.Close)
	ws, err := wm.Create(testutil.Context(nil))
	require.NoError(t, err)
	return ws
}

func TestRunNode(t *testing.T) {
	ctx := testutil.Context(nil)
	retry := capability.RetryConfig{Attempts: 1}

	t.Run("irrelevant node produces nothing", func(t *testing.T) {
		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    &testutil.FakeOracle{Irrelevant: map[string]bool{"n1": true}},
			Generator: &testutil.FakeGenerator{Default: "[x]"},
		}, "intent", retry)

		outputs, err := runner.RunNode(ctx, testGraph(t).Node("n1"), testWorkspace(t), nil)
		require.NoError(t, err)
		assert.Nil(t, outputs)
	})

	t.Run("leaf span yields a patch on its own range", func(t *testing.T) {
		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    &testutil.FakeOracle{},
			Generator: &testutil.FakeGenerator{Texts: map[string]string{"n1": "[aa]"}},
		}, "intent", retry)

		outputs, err := runner.RunNode(ctx, testGraph(t).Node("n1"), testWorkspace(t), nil)
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		patch := outputs[0].Patch
		require.NotNil(t, patch)
		assert.Equal(t, 0, patch.Start)
		assert.Equal(t, 3, patch.End)
		assert.Equal(t, "[aa]", string(patch.Content))
		assert.Equal(t, "n1", patch.NodeID)
	})

	t.Run("trailing newline of the span is preserved", func(t *testing.T) {
		g, err := graph.Build([]source.Descriptor{
			{ID: "file:f.go", Path: "f.go", Start: 0, End: 8},
			{ID: "n1", Path: "f.go", Start: 0, End: 4, Text: "[a]\n", Parent: "file:f.go"},
		})
		require.NoError(t, err)

		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    &testutil.FakeOracle{},
			Generator: &testutil.FakeGenerator{Default: "[aa]\n\n"},
		}, "intent", retry)

		outputs, err := runner.RunNode(ctx, g.Node("n1"), testWorkspace(t), nil)
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		assert.Equal(t, "[aa]\n", string(outputs[0].Patch.Content))
	})

	t.Run("aggregate node yields a text artifact", func(t *testing.T) {
		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    &testutil.FakeOracle{},
			Generator: &testutil.FakeGenerator{Default: "all children done"},
		}, "intent", retry)

		outputs, err := runner.RunNode(ctx, testGraph(t).Node("file:f.go"), testWorkspace(t), map[string]string{"n1": "[aa]"})
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		artifact := outputs[0].Artifact
		require.NotNil(t, artifact)
		assert.Equal(t, "summary.md", artifact.Name)
		assert.Equal(t, "all children done", string(artifact.Content))
	})

	t.Run("span text is read from the workspace when absent", func(t *testing.T) {
		g, err := graph.Build([]source.Descriptor{
			{ID: "file:f.go", Path: "f.go", Start: 0, End: 8},
			{ID: "n2", Path: "f.go", Start: 4, End: 7, Parent: "file:f.go"},
		})
		require.NoError(t, err)

		oracle := &testutil.FakeOracle{Irrelevant: map[string]bool{"n2": true}}
		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    oracle,
			Generator: &testutil.FakeGenerator{},
		}, "intent", retry)

		_, err = runner.RunNode(ctx, g.Node("n2"), testWorkspace(t), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"n2"}, oracle.Calls)
	})

	t.Run("span past the end of a shrunken buffer reads empty", func(t *testing.T) {
		g, err := graph.Build([]source.Descriptor{
			{ID: "file:f.go", Path: "f.go", Start: 0, End: 8},
			{ID: "n2", Path: "f.go", Start: 40, End: 47, Parent: "file:f.go"},
		})
		require.NoError(t, err)

		oracle := &testutil.FakeOracle{Irrelevant: map[string]bool{"n2": true}}
		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    oracle,
			Generator: &testutil.FakeGenerator{},
		}, "intent", retry)

		outputs, err := runner.RunNode(ctx, g.Node("n2"), testWorkspace(t), nil)
		require.NoError(t, err)
		assert.Nil(t, outputs)
		assert.Equal(t, []string{"n2"}, oracle.Calls)
	})

	t.Run("oracle failure is surfaced", func(t *testing.T) {
		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    &testutil.FakeOracle{Err: assert.AnError},
			Generator: &testutil.FakeGenerator{},
		}, "intent", retry)

		_, err := runner.RunNode(ctx, testGraph(t).Node("n1"), testWorkspace(t), nil)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("generator retries transient failures", func(t *testing.T) {
		gen := &testutil.FakeGenerator{
			Texts:    map[string]string{"n1": "[aa]"},
			Failures: map[string]int{"n1": 1},
		}
		runner := NewLLMRunner(capability.Capabilities{
			Oracle:    &testutil.FakeOracle{},
			Generator: gen,
		}, "intent", capability.RetryConfig{Attempts: 2, Backoff: time.Millisecond})

		outputs, err := runner.RunNode(ctx, testGraph(t).Node("n1"), testWorkspace(t), nil)
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		assert.Equal(t, 2, gen.CallCount("n1"))
	})
}
