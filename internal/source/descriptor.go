// Package source holds the contract between the engine and its discovery
// and validation collaborators, plus tree-sitter backed implementations of
// both. The engine itself never parses source text; it consumes the span
// descriptors produced here and hands merged buffers back for re-validation.
package source

import "fmt"

// Descriptor describes one schedulable span of a source file, as supplied
// by a discovery collaborator. Start and End are byte offsets into the
// file's content, half-open.
type Descriptor struct {
	// ID uniquely identifies the span within the run.
	ID string `json:"id"`
	// Path is the file the span belongs to, relative to the base layer root.
	Path string `json:"path"`
	// Start is the inclusive byte offset of the span.
	Start int `json:"start"`
	// End is the exclusive byte offset of the span.
	End int `json:"end"`
	// Text is the raw content of the span at discovery time.
	Text string `json:"text,omitempty"`
	// Parent is the id of the enclosing span, or empty for a root span.
	Parent string `json:"parent,omitempty"`
	// DependsOn lists additional upstream span ids beyond the parent link.
	DependsOn []string `json:"depends_on,omitempty"`
	// Priority is a scheduling hint; higher runs earlier among ready nodes.
	Priority int `json:"priority,omitempty"`
}

// Validate performs basic sanity checks on the descriptor itself.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor has empty id")
	}
	if d.Start < 0 || d.End < d.Start {
		return fmt.Errorf("descriptor %q has invalid byte range [%d, %d)", d.ID, d.Start, d.End)
	}
	return nil
}

// Diagnostic is a single structural problem reported by a Validator.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
}
