package stitch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stitchgrid/internal/source"
	"github.com/vk/stitchgrid/internal/testutil"
)

// rejectAll is a validator that refuses every buffer.
type rejectAll struct{}

func (rejectAll) Validate(_ context.Context, path string, _ []byte) error {
	return &source.ValidationError{Path: path, Diagnostics: []source.Diagnostic{{Message: "no"}}}
}

func TestStitch(t *testing.T) {
	ctx := testutil.Context(nil)
	base := []byte("[a]\n[b]\n")

	t.Run("disjoint sibling patches merge", func(t *testing.T) {
		merged, err := Stitch(ctx, "f.go", base, []Patch{
			{Start: 0, End: 3, Content: []byte("[aa]"), NodeID: "n1"},
			{Start: 4, End: 7, Content: []byte("[bb]"), NodeID: "n2"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "[aa]\n[bb]\n", string(merged))
		assert.Equal(t, "[a]\n[b]\n", string(base), "base buffer is never mutated")
	})

	t.Run("empty batch is identity", func(t *testing.T) {
		merged, err := Stitch(ctx, "f.go", base, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, base, merged)
	})

	t.Run("overlapping ranges reject the whole batch", func(t *testing.T) {
		out, err := Stitch(ctx, "f.go", []byte("0123456789ab"), []Patch{
			{Start: 5, End: 10, Content: []byte("x"), NodeID: "n1"},
			{Start: 8, End: 12, Content: []byte("y"), NodeID: "n2"},
		}, nil)
		var conflict *MergeConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "n1", conflict.A.NodeID)
		assert.Equal(t, "n2", conflict.B.NodeID)
		assert.Equal(t, "0123456789ab", string(out), "buffer unchanged on rejection")
	})

	t.Run("out of bounds range is rejected", func(t *testing.T) {
		_, err := Stitch(ctx, "f.go", base, []Patch{
			{Start: 0, End: 99, Content: []byte("x"), NodeID: "n1"},
		}, nil)
		assert.ErrorContains(t, err, "invalid range")
	})

	t.Run("result is independent of batch order", func(t *testing.T) {
		patches := []Patch{
			{Start: 0, End: 3, Content: []byte("[aa]"), NodeID: "n1"},
			{Start: 4, End: 7, Content: []byte("[bb]"), NodeID: "n2"},
		}
		forward, err := Stitch(ctx, "f.go", base, patches, nil)
		require.NoError(t, err)
		reversed, err := Stitch(ctx, "f.go", base, []Patch{patches[1], patches[0]}, nil)
		require.NoError(t, err)
		assert.Equal(t, forward, reversed)
	})

	t.Run("same batch twice yields the same result", func(t *testing.T) {
		patches := []Patch{{Start: 0, End: 3, Content: []byte("[aa]"), NodeID: "n1"}}
		first, err := Stitch(ctx, "f.go", base, patches, nil)
		require.NoError(t, err)
		second, err := Stitch(ctx, "f.go", base, patches, nil)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("validator rejection returns base unchanged", func(t *testing.T) {
		out, err := Stitch(ctx, "f.go", base, []Patch{
			{Start: 0, End: 3, Content: []byte("[aa]"), NodeID: "n1"},
		}, rejectAll{})
		var validationErr *source.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, base, out)
	})

	t.Run("length changes do not shift later patches", func(t *testing.T) {
		// The first patch grows its range; the second must still land on the
		// original offsets.
		merged, err := Stitch(ctx, "f.go", base, []Patch{
			{Start: 0, End: 3, Content: []byte("[aaaaaa]"), NodeID: "n1"},
			{Start: 4, End: 7, Content: []byte("[b2]"), NodeID: "n2"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "[aaaaaa]\n[b2]\n", string(merged))
	})
}

func TestPatchLen(t *testing.T) {
	p := Patch{Start: 4, End: 7}
	assert.Equal(t, 3, p.Len())
}
