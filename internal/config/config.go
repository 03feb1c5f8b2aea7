// Package config loads and validates the HCL run manifest. A manifest
// describes one run: where to discover source spans, how to execute the
// graph, which capability backend to call, and optional event sinks.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/stitchgrid/internal/fsutil"
)

// Manifest is the decoded form of a run manifest.
type Manifest struct {
	Run        *RunBlock        `hcl:"run,block"`
	Discovery  *DiscoveryBlock  `hcl:"discovery,block"`
	Capability *CapabilityBlock `hcl:"capability,block"`
	Sinks      []SinkBlock      `hcl:"sink,block"`
}

// RunBlock configures the executor.
type RunBlock struct {
	Intent          string            `hcl:"intent"`
	Concurrency     int               `hcl:"concurrency,optional"`
	ErrorPolicy     string            `hcl:"error_policy,optional"`
	PolicyOverrides map[string]string `hcl:"policy_overrides,optional"`
	NodeTimeout     string            `hcl:"node_timeout,optional"`
	CheckpointEvery int               `hcl:"checkpoint_every,optional"`
	CheckpointDir   string            `hcl:"checkpoint_dir,optional"`
	WorkspaceTTL    string            `hcl:"workspace_ttl,optional"`
}

// DiscoveryBlock configures span discovery.
type DiscoveryBlock struct {
	Root      string `hcl:"root"`
	Language  string `hcl:"language"`
	Extension string `hcl:"extension,optional"`
}

// CapabilityBlock selects and configures the capability backend.
type CapabilityBlock struct {
	Backend string `hcl:"backend,optional"`
	Model   string `hcl:"model,optional"`
	BaseURL string `hcl:"base_url,optional"`
	APIKey  string `hcl:"api_key,optional"`
}

// SinkBlock configures one socket.io event sink.
type SinkBlock struct {
	URL                string `hcl:"url"`
	Namespace          string `hcl:"namespace,optional"`
	EmitEvent          string `hcl:"emit_event,optional"`
	Timeout            string `hcl:"timeout,optional"`
	InsecureSkipVerify bool   `hcl:"insecure_skip_verify,optional"`
}

// Load reads the manifest at path. A directory loads every .hcl file under
// it, merged as one manifest.
func Load(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}

	paths := []string{path}
	if info.IsDir() {
		paths, err = fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("scanning manifest directory: %w", err)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no .hcl manifest files found under %q", path)
		}
	}

	parser := hclparse.NewParser()
	files := make([]*hcl.File, 0, len(paths))
	for _, p := range paths {
		file, diags := parser.ParseHCLFile(p)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing %s: %s", p, diags.Error())
		}
		files = append(files, file)
	}

	var manifest Manifest
	diags := gohcl.DecodeBody(hcl.MergeFiles(files), evalContext(), &manifest)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decoding manifest: %s", diags.Error())
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// evalContext exposes process environment variables to manifest
// expressions as env.<NAME>.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}

// Validate enforces required blocks and value shapes.
func (m *Manifest) Validate() error {
	if m.Run == nil {
		return fmt.Errorf("manifest is missing the required run block")
	}
	if m.Run.Intent == "" {
		return fmt.Errorf("run.intent must not be empty")
	}
	if m.Run.Concurrency < 0 {
		return fmt.Errorf("run.concurrency must not be negative")
	}
	if m.Discovery == nil {
		return fmt.Errorf("manifest is missing the required discovery block")
	}
	if m.Discovery.Root == "" {
		return fmt.Errorf("discovery.root must not be empty")
	}
	if m.Discovery.Language == "" {
		return fmt.Errorf("discovery.language must not be empty")
	}
	for _, field := range []struct{ name, value string }{
		{"run.node_timeout", m.Run.NodeTimeout},
		{"run.workspace_ttl", m.Run.WorkspaceTTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	for i, sink := range m.Sinks {
		if sink.URL == "" {
			return fmt.Errorf("sink block %d: url must not be empty", i)
		}
		if sink.Timeout != "" {
			if _, err := time.ParseDuration(sink.Timeout); err != nil {
				return fmt.Errorf("sink block %d: timeout: %w", i, err)
			}
		}
	}
	return nil
}

// NodeTimeoutDuration returns the parsed per-node deadline, zero when unset.
func (r *RunBlock) NodeTimeoutDuration() time.Duration {
	return mustDuration(r.NodeTimeout)
}

// WorkspaceTTLDuration returns the parsed workspace TTL, zero when unset.
func (r *RunBlock) WorkspaceTTLDuration() time.Duration {
	return mustDuration(r.WorkspaceTTL)
}

// TimeoutDuration returns the parsed sink connect timeout, zero when unset.
func (s *SinkBlock) TimeoutDuration() time.Duration {
	return mustDuration(s.Timeout)
}

// mustDuration parses a duration already vetted by Validate.
func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
