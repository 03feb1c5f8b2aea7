package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/stitchgrid/internal/agent"
	"github.com/vk/stitchgrid/internal/bus"
	"github.com/vk/stitchgrid/internal/capability"
	"github.com/vk/stitchgrid/internal/checkpoint"
	"github.com/vk/stitchgrid/internal/ctxlog"
	"github.com/vk/stitchgrid/internal/executor"
	"github.com/vk/stitchgrid/internal/graph"
	"github.com/vk/stitchgrid/internal/result"
	"github.com/vk/stitchgrid/internal/sink"
	"github.com/vk/stitchgrid/internal/source"
	"github.com/vk/stitchgrid/internal/workspace"
)

// languageExtensions maps a discovery language to its default file suffix.
var languageExtensions = map[string]string{
	"go":         ".go",
	"python":     ".py",
	"javascript": ".js",
}

// Run executes the main application logic based on the provided configuration.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	runID := appConfig.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	base, files, err := a.loadBase(ctx)
	if err != nil {
		return err
	}
	defer base.Close()

	discoverer, err := source.NewSitterDiscoverer(a.manifest.Discovery.Language)
	if err != nil {
		return err
	}
	descriptors, err := discoverer.Discover(ctx, files)
	if err != nil {
		return fmt.Errorf("discovering source spans: %w", err)
	}
	a.logger.Debug("Source spans discovered.", "files", len(files), "descriptors", len(descriptors))

	g, err := graph.Build(descriptors)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "node_count", g.Len())
	if g.Len() == 0 {
		a.logger.Warn("No nodes found in graph, execution not required.")
		return nil
	}

	validator, err := source.NewSitterValidator(a.manifest.Discovery.Language)
	if err != nil {
		return err
	}

	caps, err := a.buildCapabilities()
	if err != nil {
		return err
	}
	runner := agent.NewLLMRunner(caps, a.manifest.Run.Intent, capability.DefaultRetry)

	events := bus.New()
	defer events.Close()

	workspaceOpts := []workspace.ManagerOption{}
	if ttl := a.manifest.Run.WorkspaceTTLDuration(); ttl > 0 {
		workspaceOpts = append(workspaceOpts, workspace.WithTTL(ttl))
	}
	workspaces := workspace.NewManager(base, workspaceOpts...)
	workspaces.StartReaper(ctx, time.Minute)
	defer workspaces.Close()

	checkpoints, err := a.openCheckpoints(appConfig)
	if err != nil {
		return err
	}
	if checkpoints != nil {
		defer checkpoints.Close()
	}

	opts, err := a.executorOptions(runID, appConfig)
	if err != nil {
		return err
	}
	handler := result.NewHandler(validator, events)
	exec := executor.New(g, runner, workspaces, handler, validator, events, checkpoints, opts)

	if appConfig.ResumeFrom != "" {
		if err := a.resume(ctx, exec, checkpoints, runID, appConfig.ResumeFrom); err != nil {
			return err
		}
	}

	a.startSinks(ctx, events)

	a.logger.Debug("Executor starting run.")
	report, err := exec.Run(ctx)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	if err := a.printReport(report); err != nil {
		return err
	}
	if report.Status == "failed" {
		return fmt.Errorf("run %s failed", runID)
	}

	a.logger.Debug("App.Run method finished.")
	return nil
}

// loadBase opens the discovery root as an immutable base layer and reads
// every file matching the discovery extension.
func (a *App) loadBase(ctx context.Context) (*workspace.DirBase, map[string][]byte, error) {
	discovery := a.manifest.Discovery

	ext := discovery.Extension
	if ext == "" {
		ext = languageExtensions[discovery.Language]
	}
	if ext == "" {
		return nil, nil, fmt.Errorf("no file extension known for language %q, set discovery.extension", discovery.Language)
	}

	base, err := workspace.NewDirBase(ctx, discovery.Root)
	if err != nil {
		return nil, nil, err
	}

	paths, err := base.Paths()
	if err != nil {
		base.Close()
		return nil, nil, fmt.Errorf("listing base layer: %w", err)
	}

	var mu sync.Mutex
	files := make(map[string][]byte)
	var tasks []func(context.Context) error
	for _, p := range paths {
		if !strings.HasSuffix(p, ext) {
			continue
		}
		tasks = append(tasks, func(context.Context) error {
			content, err := base.ReadFile(p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			mu.Lock()
			files[p] = content
			mu.Unlock()
			return nil
		})
	}
	if err := agent.FanOut(ctx, 8, tasks); err != nil {
		base.Close()
		return nil, nil, err
	}
	if len(files) == 0 {
		base.Close()
		return nil, nil, fmt.Errorf("no %s files found under %q", ext, discovery.Root)
	}
	return base, files, nil
}

// buildCapabilities constructs the configured capability backend.
func (a *App) buildCapabilities() (capability.Capabilities, error) {
	block := a.manifest.Capability
	backend := "openai"
	cfg := capability.OpenAIConfig{}
	if block != nil {
		if block.Backend != "" {
			backend = block.Backend
		}
		cfg = capability.OpenAIConfig{APIKey: block.APIKey, Model: block.Model, BaseURL: block.BaseURL}
	}

	switch backend {
	case "openai":
		client, err := capability.NewOpenAIClient(cfg)
		if err != nil {
			return capability.Capabilities{}, err
		}
		return capability.Capabilities{Oracle: client, Generator: client}, nil
	default:
		return capability.Capabilities{}, fmt.Errorf("unknown capability backend %q", backend)
	}
}

// openCheckpoints opens the checkpoint store when the manifest asks for
// one. Resuming without a configured store is an error.
func (a *App) openCheckpoints(appConfig *Config) (*checkpoint.Manager, error) {
	dir := a.manifest.Run.CheckpointDir
	if dir == "" {
		if appConfig.ResumeFrom != "" {
			return nil, fmt.Errorf("cannot resume: run.checkpoint_dir is not set in the manifest")
		}
		return nil, nil
	}
	return checkpoint.Open(checkpoint.DefaultConfig(dir))
}

// executorOptions translates the manifest's run block, with CLI overrides,
// into executor options.
func (a *App) executorOptions(runID string, appConfig *Config) (executor.Options, error) {
	run := a.manifest.Run

	policy := executor.PolicyStopGraph
	if run.ErrorPolicy != "" {
		var err error
		policy, err = executor.ParsePolicy(run.ErrorPolicy)
		if err != nil {
			return executor.Options{}, err
		}
	}

	var overrides map[string]executor.ErrorPolicy
	if len(run.PolicyOverrides) > 0 {
		overrides = make(map[string]executor.ErrorPolicy, len(run.PolicyOverrides))
		for id, name := range run.PolicyOverrides {
			p, err := executor.ParsePolicy(name)
			if err != nil {
				return executor.Options{}, fmt.Errorf("policy override for %q: %w", id, err)
			}
			overrides[id] = p
		}
	}

	concurrency := run.Concurrency
	if appConfig.Concurrency > 0 {
		concurrency = appConfig.Concurrency
	}

	return executor.Options{
		RunID:           runID,
		Intent:          run.Intent,
		Concurrency:     concurrency,
		NodeTimeout:     run.NodeTimeoutDuration(),
		Policy:          policy,
		PolicyOverrides: overrides,
		CheckpointEvery: run.CheckpointEvery,
	}, nil
}

// resume loads the requested checkpoint and primes the executor from it.
func (a *App) resume(ctx context.Context, exec *executor.Executor, checkpoints *checkpoint.Manager, runID, from string) error {
	id := from
	if id == "latest" {
		var err error
		id, err = checkpoints.Latest(runID)
		if err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("no checkpoints recorded for run %s", runID)
		}
	}

	cp, err := checkpoints.Resume(ctx, runID, id)
	if err != nil {
		return err
	}
	return exec.Restore(ctx, cp)
}

// startSinks launches each configured event sink. Sink failures are logged
// and never affect the run.
func (a *App) startSinks(ctx context.Context, events *bus.Bus) {
	for _, block := range a.manifest.Sinks {
		s := sink.New(sink.Config{
			URL:                block.URL,
			Namespace:          block.Namespace,
			EmitEvent:          block.EmitEvent,
			ConnectTimeout:     block.TimeoutDuration(),
			InsecureSkipVerify: block.InsecureSkipVerify,
		})
		go func(url string) {
			if err := s.Run(ctx, events); err != nil && ctx.Err() == nil {
				a.logger.Warn("Event sink stopped.", "url", url, "error", err)
			}
		}(block.URL)
	}
}

// printReport writes the final report as JSON to the app's output writer.
func (a *App) printReport(report *executor.Report) error {
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if _, err := fmt.Fprintln(a.outW, string(encoded)); err != nil {
		return err
	}
	return nil
}
