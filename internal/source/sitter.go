package source

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/vk/stitchgrid/internal/ctxlog"
)

// Validator re-validates a merged buffer. A structural failure is reported
// as *ValidationError; any other error means the validator itself broke.
type Validator interface {
	Validate(ctx context.Context, path string, content []byte) error
}

// Discoverer produces the initial span descriptors for a set of files.
type Discoverer interface {
	Discover(ctx context.Context, files map[string][]byte) ([]Descriptor, error)
}

// maxDiagnostics caps how many ERROR/MISSING nodes are reported per buffer.
const maxDiagnostics = 50

// SitterLanguage resolves a language name to its tree-sitter grammar.
func SitterLanguage(lang string) (*sitter.Language, error) {
	switch lang {
	case "go":
		return golang.GetLanguage(), nil
	case "python":
		return python.GetLanguage(), nil
	case "javascript":
		return javascript.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
}

// SitterValidator validates buffers by reparsing them with tree-sitter and
// rejecting any tree that contains ERROR or MISSING nodes.
//
// Parsers are created per call; tree-sitter parsers are not safe to share
// across goroutines.
type SitterValidator struct {
	language string
}

// NewSitterValidator creates a validator for the given language name.
func NewSitterValidator(language string) (*SitterValidator, error) {
	if _, err := SitterLanguage(language); err != nil {
		return nil, err
	}
	return &SitterValidator{language: language}, nil
}

// Validate implements Validator.
func (v *SitterValidator) Validate(ctx context.Context, path string, content []byte) error {
	lang, err := SitterLanguage(v.language)
	if err != nil {
		return err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}

	diags := make([]Diagnostic, 0, 4)
	collectDiagnostics(root, content, &diags, 0)
	return &ValidationError{Path: path, Diagnostics: diags}
}

// collectDiagnostics walks the tree gathering ERROR/MISSING nodes. Depth is
// bounded to survive heavily malformed input.
func collectDiagnostics(node *sitter.Node, content []byte, diags *[]Diagnostic, depth int) {
	if depth > 1000 || len(*diags) >= maxDiagnostics {
		return
	}

	if node.IsError() || node.IsMissing() {
		point := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		} else if ctxStr := errorContext(node, content); ctxStr != "" {
			msg = fmt.Sprintf("unexpected %q", ctxStr)
		}
		*diags = append(*diags, Diagnostic{
			Line:    int(point.Row) + 1,
			Column:  int(point.Column),
			Message: msg,
		})
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		collectDiagnostics(node.Child(i), content, diags, depth+1)
	}
}

// errorContext extracts a short slice of the offending bytes.
func errorContext(node *sitter.Node, content []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(content)) {
		end = uint32(len(content))
	}
	if end <= start || end-start > 60 {
		return ""
	}
	return strings.TrimSpace(string(content[start:end]))
}

// SitterDiscoverer derives span descriptors from parsed files: one root
// descriptor per file plus one child descriptor per top-level declaration.
// Children are linked to their file via the Parent field, which the graph
// turns into child-before-parent edges for bottom-up aggregation.
type SitterDiscoverer struct {
	language string
}

// NewSitterDiscoverer creates a discoverer for the given language name.
func NewSitterDiscoverer(language string) (*SitterDiscoverer, error) {
	if _, err := SitterLanguage(language); err != nil {
		return nil, err
	}
	return &SitterDiscoverer{language: language}, nil
}

// FileDescriptorID returns the id used for a file's root span.
func FileDescriptorID(path string) string {
	return "file:" + filepath.ToSlash(path)
}

// Discover implements Discoverer. Files are processed in sorted path order
// so descriptor ids and ordering are stable across runs.
func (d *SitterDiscoverer) Discover(ctx context.Context, files map[string][]byte) ([]Descriptor, error) {
	logger := ctxlog.FromContext(ctx)
	lang, err := SitterLanguage(d.language)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []Descriptor
	for _, path := range paths {
		content := files[path]

		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		tree, err := parser.ParseCtx(ctx, nil, content)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}

		root := tree.RootNode()
		fileID := FileDescriptorID(path)
		out = append(out, Descriptor{
			ID:    fileID,
			Path:  path,
			Start: 0,
			End:   len(content),
		})

		count := 0
		for i := 0; i < int(root.NamedChildCount()); i++ {
			child := root.NamedChild(i)
			if child.Type() == "comment" {
				continue
			}
			start, end := int(child.StartByte()), int(child.EndByte())
			if end > len(content) {
				end = len(content)
			}
			out = append(out, Descriptor{
				ID:     fmt.Sprintf("%s#%d:%s", fileID, count, child.Type()),
				Path:   path,
				Start:  start,
				End:    end,
				Text:   string(content[start:end]),
				Parent: fileID,
			})
			count++
		}
		tree.Close()
		logger.Debug("Discovered spans for file.", "path", path, "spans", count)
	}

	return out, nil
}
