package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stitchgrid/internal/testutil"
)

func TestSitterLanguage(t *testing.T) {
	for _, lang := range []string{"go", "python", "javascript"} {
		l, err := SitterLanguage(lang)
		require.NoError(t, err)
		assert.NotNil(t, l)
	}
	_, err := SitterLanguage("cobol")
	assert.ErrorContains(t, err, "unsupported language")
}

func TestSitterValidator(t *testing.T) {
	ctx := testutil.Context(nil)
	v, err := NewSitterValidator("go")
	require.NoError(t, err)

	t.Run("valid source passes", func(t *testing.T) {
		assert.NoError(t, v.Validate(ctx, "main.go", []byte("package main\n\nfunc main() {}\n")))
	})

	t.Run("broken source yields diagnostics", func(t *testing.T) {
		err := v.Validate(ctx, "main.go", []byte("package main\n\nfunc (\n"))
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "main.go", validationErr.Path)
		assert.NotEmpty(t, validationErr.Diagnostics)
		for _, d := range validationErr.Diagnostics {
			assert.Positive(t, d.Line)
		}
	})

	t.Run("unknown language", func(t *testing.T) {
		_, err := NewSitterValidator("cobol")
		assert.Error(t, err)
	})
}

func TestSitterDiscoverer(t *testing.T) {
	ctx := testutil.Context(nil)
	d, err := NewSitterDiscoverer("go")
	require.NoError(t, err)

	content := []byte("package main\n\nfunc A() {}\n\nfunc B() {}\n")
	descriptors, err := d.Discover(ctx, map[string][]byte{"main.go": content})
	require.NoError(t, err)

	// One root span for the file plus one per top-level declaration.
	require.Len(t, descriptors, 4)

	root := descriptors[0]
	assert.Equal(t, FileDescriptorID("main.go"), root.ID)
	assert.Equal(t, 0, root.Start)
	assert.Equal(t, len(content), root.End)
	assert.Empty(t, root.Parent)

	for _, child := range descriptors[1:] {
		assert.Equal(t, root.ID, child.Parent)
		assert.Equal(t, "main.go", child.Path)
		assert.Equal(t, string(content[child.Start:child.End]), child.Text)
		require.NoError(t, child.Validate())
	}
	assert.Contains(t, descriptors[1].ID, "package_clause")
	assert.Contains(t, descriptors[2].ID, "function_declaration")
}

func TestDiscoverDeterministicOrder(t *testing.T) {
	ctx := testutil.Context(nil)
	d, err := NewSitterDiscoverer("go")
	require.NoError(t, err)

	files := map[string][]byte{
		"b.go": []byte("package b\n"),
		"a.go": []byte("package a\n"),
	}
	first, err := d.Discover(ctx, files)
	require.NoError(t, err)
	second, err := d.Discover(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, FileDescriptorID("a.go"), first[0].ID, "files are processed in sorted path order")
}
