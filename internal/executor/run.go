package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vk/stitchgrid/internal/bus"
	"github.com/vk/stitchgrid/internal/checkpoint"
	"github.com/vk/stitchgrid/internal/ctxlog"
	"github.com/vk/stitchgrid/internal/graph"
	"github.com/vk/stitchgrid/internal/result"
	"github.com/vk/stitchgrid/internal/stitch"
)

// nodeDone reports one finished node back to the coordinating loop.
type nodeDone struct {
	id  string
	err error
}

// Run drives the graph to completion and returns the aggregate report.
// The report is also emitted as the terminal graph.complete event.
func (e *Executor) Run(ctx context.Context) (*Report, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", e.opts.RunID)
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "executor.run",
		trace.WithAttributes(
			attribute.String("run.id", e.opts.RunID),
			attribute.Int("run.nodes", e.graph.Len()),
			attribute.Int("run.concurrency", e.opts.Concurrency),
		))
	defer span.End()

	start := time.Now()
	sem := make(chan struct{}, e.opts.Concurrency)
	done := make(chan nodeDone, e.graph.Len())
	inFlight := 0

	logger.Info("🚀 Starting graph execution.", "nodes", e.graph.Len(), "concurrency", e.opts.Concurrency, "policy", string(e.opts.Policy))

	for {
		e.mu.Lock()
		stopped := e.stopped
		scheduled := make(map[string]bool, len(e.scheduled))
		for id := range e.scheduled {
			scheduled[id] = true
		}
		e.mu.Unlock()

		if !stopped {
			for _, id := range e.graph.ReadySet(scheduled) {
				node := e.graph.Node(id)
				node.SetStatus(graph.StatusReady)
				e.mu.Lock()
				e.scheduled[id] = true
				e.mu.Unlock()
				inFlight++
				go e.execute(ctx, node, sem, done)
			}
		}

		if inFlight == 0 {
			break
		}
		finished := <-done
		inFlight--
		e.afterNode(ctx, finished)
	}

	report := e.finalReport()
	span.SetAttributes(attribute.String("run.status", report.Status))
	if report.Status == "failed" {
		span.SetStatus(codes.Error, "run failed")
	}
	e.events.Emit(bus.TypeGraphComplete, "", report)
	logger.Info("🏁 Graph execution finished.", "status", report.Status, "duration", time.Since(start).Round(time.Millisecond))
	return report, nil
}

// execute runs a single node: semaphore admission, workspace creation,
// agent execution under the node deadline, then result acceptance. The
// deferred order matters: the workspace is disposed and the semaphore slot
// released before completion is reported to the loop.
func (e *Executor) execute(ctx context.Context, node *graph.Node, sem chan struct{}, done chan<- nodeDone) {
	logger := ctxlog.FromContext(ctx).With("node_id", node.ID)

	var runErr error
	defer func() {
		done <- nodeDone{id: node.ID, err: runErr}
	}()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		runErr = ctx.Err()
		e.finishNode(ctx, node, nil, 0, runErr)
		return
	}
	defer func() { <-sem }()

	nodeCtx, span := tracer.Start(ctx, "executor.node",
		trace.WithAttributes(attribute.String("node.id", node.ID)))
	defer span.End()

	if e.activeNodes != nil {
		e.activeNodes.Add(nodeCtx, 1)
		defer e.activeNodes.Add(nodeCtx, -1)
	}

	node.SetStatus(graph.StatusRunning)
	e.events.Emit(bus.TypeNodeStarted, node.ID, node.Descriptor.Path)
	logger.Info("▶️ Node started.", "path", node.Descriptor.Path)
	start := time.Now()

	ws, err := e.workspaces.Create(nodeCtx)
	if err != nil {
		runErr = err
		span.SetStatus(codes.Error, err.Error())
		e.finishNode(nodeCtx, node, nil, time.Since(start), runErr)
		return
	}
	defer func() {
		if err := e.workspaces.Dispose(ws.ID()); err != nil {
			logger.Warn("Workspace dispose failed.", "workspace_id", ws.ID(), "error", err)
		}
	}()

	// An aggregate node sees the stitched content of its children instead
	// of the untouched base file.
	e.mu.Lock()
	merged, hasMerged := e.merged[node.Descriptor.Path]
	upstream := make(map[string]string, len(node.Upstream))
	for _, up := range node.Upstream {
		if out, ok := e.outputs[up]; ok {
			upstream[up] = out
		}
	}
	e.mu.Unlock()
	if hasMerged {
		if err := ws.Write(node.Descriptor.Path, merged); err != nil {
			logger.Warn("Seeding merged content failed.", "path", node.Descriptor.Path, "error", err)
		}
	}

	runCtx := nodeCtx
	cancel := context.CancelFunc(func() {})
	if e.opts.NodeTimeout > 0 {
		runCtx, cancel = context.WithTimeout(nodeCtx, e.opts.NodeTimeout)
	}
	defer cancel()

	outputs, err := e.runner.RunNode(runCtx, node, ws, upstream)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil && nodeCtx.Err() == nil {
			err = &TimeoutError{NodeID: node.ID, Timeout: e.opts.NodeTimeout}
		}
		runErr = err
		span.SetStatus(codes.Error, err.Error())
		e.finishNode(nodeCtx, node, nil, time.Since(start), runErr)
		return
	}

	summary, err := e.handler.Accept(nodeCtx, node, ws, outputs)
	if err != nil {
		runErr = err
		span.SetStatus(codes.Error, err.Error())
		e.finishNode(nodeCtx, node, nil, time.Since(start), runErr)
		return
	}

	e.rememberOutput(node.ID, outputs)
	e.finishNode(nodeCtx, node, summary, time.Since(start), nil)
}

// rememberOutput keeps a textual rendition of a node's output so
// downstream nodes can receive it as upstream context.
func (e *Executor) rememberOutput(id string, outputs []result.Output) {
	var text string
	for _, out := range outputs {
		switch {
		case out.Patch != nil:
			text = string(out.Patch.Content)
		case out.Artifact != nil:
			text = string(out.Artifact.Content)
		}
		if text != "" {
			break
		}
	}
	if text == "" {
		return
	}
	e.mu.Lock()
	e.outputs[id] = text
	e.mu.Unlock()
}

// finishNode moves a node to its terminal state and records its summary.
func (e *Executor) finishNode(ctx context.Context, node *graph.Node, summary *result.Summary, elapsed time.Duration, runErr error) {
	logger := ctxlog.FromContext(ctx).With("node_id", node.ID)

	status := graph.StatusSucceeded
	if runErr != nil {
		status = graph.StatusFailed
	}
	node.SetStatus(status)

	if summary == nil {
		summary = &result.Summary{NodeID: node.ID}
	}
	summary.Status = status.String()
	summary.Duration = elapsed
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	e.mu.Lock()
	e.summaries[node.ID] = summary
	e.mu.Unlock()

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, elapsed.Seconds())
	}
	if e.nodeOutcomes != nil {
		e.nodeOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
	}

	if runErr != nil {
		logger.Error("🔥 Node failed.", "error", runErr, "duration", elapsed.Round(time.Millisecond))
	} else {
		logger.Info("✅ Node finished.", "duration", elapsed.Round(time.Millisecond))
	}
	e.events.Emit(bus.TypeNodeFinished, node.ID, summary)
}

// afterNode applies policy effects, stitches any sibling group the node
// completed, and checkpoints at the safe point between commits. It runs on
// the loop goroutine, strictly before readiness is recomputed, so a parent
// never becomes ready ahead of its group's stitch.
func (e *Executor) afterNode(ctx context.Context, finished nodeDone) {
	logger := ctxlog.FromContext(ctx)
	node := e.graph.Node(finished.id)

	if finished.err != nil {
		switch e.policyFor(finished.id) {
		case PolicyStopGraph:
			logger.Warn("Node failure halts the graph.", "node_id", finished.id, "policy", string(PolicyStopGraph))
			e.mu.Lock()
			e.stopped = true
			e.mu.Unlock()
		case PolicySkipDownstream:
			e.skipDownstream(ctx, finished.id)
		case PolicyContinue:
			logger.Warn("Node failure recorded, downstream proceeds without its output.", "node_id", finished.id, "policy", string(PolicyContinue))
		}
	}

	if node.Descriptor.Parent != "" {
		e.maybeStitchSiblings(ctx, node.Descriptor.Path, node.Descriptor.Parent)
	}

	e.maybeCheckpoint(ctx)
}

// skipDownstream marks the failed node's transitive dependents skipped.
// Each skipped node still gets its completion event and summary.
func (e *Executor) skipDownstream(ctx context.Context, id string) {
	logger := ctxlog.FromContext(ctx)
	for _, depID := range e.graph.DownstreamClosure(id) {
		dep := e.graph.Node(depID)
		e.mu.Lock()
		alreadyScheduled := e.scheduled[depID]
		if !alreadyScheduled {
			e.scheduled[depID] = true
		}
		e.mu.Unlock()
		if alreadyScheduled || dep.Status().Terminal() {
			continue
		}

		logger.Warn("Skipping node due to upstream failure.", "node_id", depID, "failed_upstream", id)
		dep.SetStatus(graph.StatusSkipped)
		summary := &result.Summary{
			NodeID: depID,
			Status: graph.StatusSkipped.String(),
			Error:  fmt.Sprintf("skipped due to upstream failure of %q", id),
		}
		e.mu.Lock()
		e.summaries[depID] = summary
		e.mu.Unlock()
		e.events.Emit(bus.TypeNodeFinished, depID, summary)

		// A skip can be the terminal state that completes a sibling group;
		// patches already accepted from its succeeded siblings still stitch.
		if dep.Descriptor.Parent != "" {
			e.maybeStitchSiblings(ctx, dep.Descriptor.Path, dep.Descriptor.Parent)
		}
	}
}

// maybeStitchSiblings merges the accepted patches of a completed sibling
// group into the parent buffer. A rejected batch leaves the buffer
// untouched and is recorded on the report.
func (e *Executor) maybeStitchSiblings(ctx context.Context, path, parentID string) {
	logger := ctxlog.FromContext(ctx)

	parent := e.graph.Node(parentID)
	if parent == nil {
		return
	}

	e.mu.Lock()
	already := e.stitched[parentID]
	e.mu.Unlock()
	if already {
		return
	}

	var patches []stitch.Patch
	for _, childID := range parent.Upstream {
		child := e.graph.Node(childID)
		if child.Descriptor.Parent != parentID {
			continue
		}
		if !child.Status().Terminal() {
			return // group not complete yet
		}
		e.mu.Lock()
		if s, ok := e.summaries[childID]; ok && s.Status == graph.StatusSucceeded.String() {
			patches = append(patches, s.Patches...)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.stitched[parentID] = true
	e.mu.Unlock()

	if len(patches) == 0 {
		return
	}

	base, err := e.workspaces.Base().ReadFile(path)
	if err != nil {
		logger.Warn("Reading base file for stitch failed.", "path", path, "error", err)
		e.recordStitchError(path, parentID, err)
		return
	}

	merged, err := stitch.Stitch(ctx, path, base, patches, e.validator)
	if err != nil {
		logger.Warn("Sibling patch batch rejected.", "path", path, "parent", parentID, "error", err)
		e.recordStitchError(path, parentID, err)
		return
	}

	e.mu.Lock()
	e.merged[path] = merged
	e.mu.Unlock()
	logger.Info("Stitched sibling patches into parent buffer.", "path", path, "parent", parentID, "patches", len(patches), "bytes", len(merged))
	e.events.Emit(bus.TypeStitchApplied, parentID, path)
}

func (e *Executor) recordStitchError(path, parentID string, err error) {
	e.mu.Lock()
	e.stitchErrors[path] = err.Error()
	e.mu.Unlock()
	e.events.Emit(bus.TypeStitchRejected, parentID, err.Error())
}

// maybeCheckpoint snapshots progress if enough nodes committed since the
// last checkpoint. This runs on the loop goroutine between commits, so it
// is always a safe point.
func (e *Executor) maybeCheckpoint(ctx context.Context) {
	if e.checkpoints == nil || e.opts.CheckpointEvery <= 0 {
		return
	}
	logger := ctxlog.FromContext(ctx)

	e.mu.Lock()
	e.sinceCheckpoint++
	due := e.sinceCheckpoint >= e.opts.CheckpointEvery
	if due {
		e.sinceCheckpoint = 0
	}
	e.mu.Unlock()
	if !due {
		return
	}

	state := e.runState()
	snap, err := e.workspaces.Snapshot()
	if err != nil {
		logger.Error("Workspace snapshot failed, skipping checkpoint.", "error", err)
		return
	}
	id, err := e.checkpoints.Snapshot(ctx, state, snap)
	if err != nil {
		logger.Error("Checkpoint failed.", "error", err)
		return
	}
	e.events.Emit(bus.TypeCheckpointSaved, "", id)
}

// runState serializes current progress for a checkpoint.
func (e *Executor) runState() *checkpoint.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := &checkpoint.RunState{
		RunID:        e.opts.RunID,
		Intent:       e.opts.Intent,
		Statuses:     make(map[string]string),
		Summaries:    make(map[string]*result.Summary, len(e.summaries)),
		Merged:       make(map[string][]byte, len(e.merged)),
		LastEventSeq: e.events.LastSeq(),
	}
	for _, id := range e.graph.NodeIDs() {
		status := e.graph.Node(id).Status()
		if status.Terminal() {
			state.Statuses[id] = status.String()
		} else {
			state.Pending = append(state.Pending, id)
		}
	}
	for id, s := range e.summaries {
		state.Summaries[id] = s
	}
	for p, c := range e.merged {
		state.Merged[p] = append([]byte(nil), c...)
	}
	return state
}

// finalReport assembles the terminal report. Nodes never scheduled (after
// stop_graph) are closed out as skipped so every node reports exactly one
// summary.
func (e *Executor) finalReport() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	succeeded := 0
	for _, id := range e.graph.NodeIDs() {
		node := e.graph.Node(id)
		if !node.Status().Terminal() {
			node.SetStatus(graph.StatusSkipped)
			summary := &result.Summary{
				NodeID: id,
				Status: graph.StatusSkipped.String(),
				Error:  "not started: graph halted",
			}
			e.summaries[id] = summary
			e.events.Emit(bus.TypeNodeFinished, id, summary)
		}
		if node.Status() == graph.StatusSucceeded {
			succeeded++
		}
	}

	status := "partial"
	switch {
	case succeeded == e.graph.Len() && len(e.stitchErrors) == 0:
		status = "succeeded"
	case e.stopped:
		status = "failed"
	}

	summaries := make(map[string]*result.Summary, len(e.summaries))
	for id, s := range e.summaries {
		summaries[id] = s
	}
	merged := make(map[string][]byte, len(e.merged))
	for p, c := range e.merged {
		merged[p] = append([]byte(nil), c...)
	}
	stitchErrors := make(map[string]string, len(e.stitchErrors))
	for p, msg := range e.stitchErrors {
		stitchErrors[p] = msg
	}

	return &Report{
		RunID:        e.opts.RunID,
		Status:       status,
		Summaries:    summaries,
		Merged:       merged,
		StitchErrors: stitchErrors,
	}
}
