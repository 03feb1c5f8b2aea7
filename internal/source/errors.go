package source

import (
	"fmt"
	"strings"
)

// ValidationError reports that a buffer failed structural validation. It is
// locally retryable: the owning patch or batch is rejected, the run goes on.
type ValidationError struct {
	// Path names the buffer that failed, when known.
	Path string
	// Diagnostics holds the individual structural problems found.
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("structural validation failed for %q", e.Path)
	}
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("structural validation failed for %q: %s", e.Path, strings.Join(parts, "; "))
}
