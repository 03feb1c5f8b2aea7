package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stitchgrid/internal/bus"
	"github.com/vk/stitchgrid/internal/graph"
	"github.com/vk/stitchgrid/internal/source"
	"github.com/vk/stitchgrid/internal/stitch"
	"github.com/vk/stitchgrid/internal/testutil"
	"github.com/vk/stitchgrid/internal/workspace"
)

func testNode(t *testing.T) (*graph.Node, *workspace.Workspace) {
	t.Helper()
	ctx := testutil.Context(nil)
	wm := workspace.NewManager(workspace.NewMapBase(map[string][]byte{
		"f.go": []byte("[a]\n[b]\n"),
	}))
	t.Cleanup(wm.Close)
	ws, err := wm.Create(ctx)
	require.NoError(t, err)

	g, err := graph.Build([]source.Descriptor{
		{ID: "file:f.go", Path: "f.go", Start: 0, End: 8},
		{ID: "n1", Path: "f.go", Start: 0, End: 3, Parent: "file:f.go"},
	})
	require.NoError(t, err)
	return g.Node("n1"), ws
}

func TestAcceptPersistsOutputs(t *testing.T) {
	ctx := testutil.Context(nil)
	node, ws := testNode(t)
	events := bus.New()
	defer events.Close()
	collector := testutil.Collect(events)
	h := NewHandler(nil, events)

	summary, err := h.Accept(ctx, node, ws, []Output{
		{Patch: &stitch.Patch{Start: 0, End: 3, Content: []byte("[aa]"), NodeID: "n1"}},
		{Artifact: &Artifact{Name: "notes.md", Kind: ArtifactText, Content: []byte("hello")}},
	})
	require.NoError(t, err)
	require.Len(t, summary.Patches, 1)
	assert.Equal(t, []string{"notes.md"}, summary.Artifacts)

	content, err := ws.Read("artifacts/n1/notes.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	_, err = ws.Read("patches/n1.json")
	require.NoError(t, err)

	collector.Stop()
	assert.Len(t, collector.OfType(bus.TypeResultAccepted), 1)
	assert.Empty(t, collector.OfType(bus.TypeResultRejected))
}

func TestAcceptRejectsAndPersistsNothing(t *testing.T) {
	ctx := testutil.Context(nil)

	t.Run("patch escaping the node span", func(t *testing.T) {
		node, ws := testNode(t)
		events := bus.New()
		defer events.Close()
		collector := testutil.Collect(events)
		h := NewHandler(nil, events)

		_, err := h.Accept(ctx, node, ws, []Output{
			{Artifact: &Artifact{Name: "notes.md", Kind: ArtifactText, Content: []byte("x")}},
			{Patch: &stitch.Patch{Start: 0, End: 7, Content: []byte("x"), NodeID: "n1"}},
		})
		var validationErr *source.ValidationError
		require.ErrorAs(t, err, &validationErr)

		// The earlier artifact in the batch must not have been persisted.
		_, err = ws.Read("artifacts/n1/notes.md")
		assert.Error(t, err)

		collector.Stop()
		assert.Len(t, collector.OfType(bus.TypeResultRejected), 1)
		assert.Empty(t, collector.OfType(bus.TypeResultAccepted))
	})

	t.Run("malformed diff artifact", func(t *testing.T) {
		node, ws := testNode(t)
		events := bus.New()
		defer events.Close()
		h := NewHandler(nil, events)

		_, err := h.Accept(ctx, node, ws, []Output{
			{Artifact: &Artifact{Name: "change.diff", Kind: ArtifactDiff, Content: []byte("this is not a diff")}},
		})
		var validationErr *source.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("empty output entry", func(t *testing.T) {
		node, ws := testNode(t)
		events := bus.New()
		defer events.Close()
		h := NewHandler(nil, events)

		_, err := h.Accept(ctx, node, ws, []Output{{}})
		assert.ErrorContains(t, err, "empty output entry")
	})
}

func TestAcceptValidDiffArtifact(t *testing.T) {
	ctx := testutil.Context(nil)
	node, ws := testNode(t)
	events := bus.New()
	defer events.Close()
	h := NewHandler(nil, events)

	diffText := `--- a/f.go
+++ b/f.go
@@ -1,2 +1,2 @@
-[a]
+[aa]
 [b]
`
	summary, err := h.Accept(ctx, node, ws, []Output{
		{Artifact: &Artifact{Name: "change.diff", Kind: ArtifactDiff, Content: []byte(diffText)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"change.diff"}, summary.Artifacts)
}
