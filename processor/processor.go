// Package processor is the pipeline orchestrator: it takes one normalized
// inbound discussion through ingestion, thread retrieval, AI analysis,
// domain routing and destination fan-out, persisting the audit trail and
// handling duplicates and partial failures along the way.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"taskbridge/analysis"
	"taskbridge/destination"
	"taskbridge/discussion"
	"taskbridge/feed"
	"taskbridge/flows"
	"taskbridge/retry"
	"taskbridge/routing"
	"taskbridge/store"
)

// Analyzer is the AI-analysis collaborator. Called once per discussion.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error)
}

// TaskCreator is the destination-board collaborator. One call per
// (task, output) pair.
type TaskCreator interface {
	Create(ctx context.Context, req destination.Request) (*destination.CreatedTask, error)
}

// Outcome is the explicit three-state job result, plus the duplicate
// short-circuit.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomePartiallyCompleted Outcome = "partially_completed"
	OutcomeFailed             Outcome = "failed"
	OutcomeDuplicate          Outcome = "duplicate"
)

// PairResult is the outcome of one (task, output) creation attempt.
type PairResult struct {
	TaskTitle  string                   `json:"task_title"`
	Domain     string                   `json:"domain,omitempty"`
	OutputName string                   `json:"output_name"`
	Created    *destination.CreatedTask `json:"created,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Result is what one pipeline run produced.
type Result struct {
	Outcome      Outcome          `json:"outcome"`
	DiscussionID string           `json:"discussion_id,omitempty"`
	JobID        string           `json:"job_id,omitempty"`
	Analysis     *analysis.Result `json:"analysis,omitempty"`
	Pairs        []PairResult     `json:"pairs,omitempty"`
}

// Processor sequences the pipeline. All durable state lives in the record
// store; concurrent discussions share nothing else.
type Processor struct {
	registry    *discussion.Registry
	flows       *flows.Registry
	records     *store.RecordStore
	analyzer    Analyzer
	creator     TaskCreator
	feed        *feed.Bus
	inFlightTTL time.Duration
	fetchRetry  retry.Config
}

// Options tune the processor; zero values use the defaults below.
type Options struct {
	InFlightTTL time.Duration
	FetchRetry  retry.Config
}

const defaultInFlightTTL = 10 * time.Minute

// New wires a processor. The feed bus may be nil; feed publishing is best
// effort either way.
func New(registry *discussion.Registry, flowReg *flows.Registry, records *store.RecordStore, analyzer Analyzer, creator TaskCreator, bus *feed.Bus, opts Options) *Processor {
	ttl := opts.InFlightTTL
	if ttl <= 0 {
		ttl = defaultInFlightTTL
	}
	return &Processor{
		registry:    registry,
		flows:       flowReg,
		records:     records,
		analyzer:    analyzer,
		creator:     creator,
		feed:        bus,
		inFlightTTL: ttl,
		fetchRetry:  opts.FetchRetry,
	}
}

// Process runs the full state machine for one inbound discussion. It is
// safe to call from a fire-and-forget goroutine: every path persists a
// terminal state before returning. The returned error keeps its retryable
// classification for the transport layer.
func (p *Processor) Process(ctx context.Context, parsed *discussion.ParsedDiscussion) (*Result, error) {
	if parsed == nil {
		return nil, discussion.Malformedf("nil discussion")
	}
	if parsed.TeamID == "" || parsed.SourceThreadID == "" {
		return nil, discussion.Malformedf("discussion missing team_id or source_thread_id")
	}

	// Resolve configuration before touching any record: an unconfigured
	// tenant is an operator problem, not a pipeline run.
	sourceCfg, outputs, ai, err := p.resolveFlow(parsed)
	if err != nil {
		return nil, err
	}
	if err := requireSingleDefault(outputs); err != nil {
		return nil, err
	}

	adapter, err := p.registry.Get(parsed.SourceType)
	if err != nil {
		return nil, err
	}

	// Idempotency gate: one active run per (team, thread). The marker has
	// a TTL so a crashed run eventually frees the key for reprocessing.
	acquired, err := p.records.AcquireInFlight(ctx, parsed.TeamID, parsed.SourceThreadID, p.inFlightTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		existing, err := p.records.GetDiscussion(ctx, parsed.TeamID, parsed.SourceThreadID)
		if err != nil {
			return nil, err
		}
		log.Printf("Processor: duplicate delivery for %s, run already in flight", parsed.Key())
		res := &Result{Outcome: OutcomeDuplicate}
		if existing != nil {
			res.DiscussionID = existing.ID
		}
		return res, nil
	}
	defer func() {
		if err := p.records.ReleaseInFlight(context.WithoutCancel(ctx), parsed.TeamID, parsed.SourceThreadID); err != nil {
			log.Printf("Processor: release in-flight marker for %s: %v", parsed.Key(), err)
		}
	}()

	// received: persist the discussion and open a job.
	disc, created, err := p.records.GetOrCreateDiscussion(ctx, parsed.TeamID, parsed.SourceThreadID, store.DiscussionRecord{
		SourceType: string(parsed.SourceType),
		Title:      parsed.Title,
		Status:     store.DiscussionProcessing,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// A new event on a known thread reprocesses in place; the marker
		// guarantees no second run is active.
		if err := p.records.UpdateDiscussionStatus(ctx, parsed.TeamID, parsed.SourceThreadID, store.DiscussionProcessing, ""); err != nil {
			return nil, err
		}
	}

	job, err := p.records.CreateJob(ctx, disc.ID)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, parsed, "received", map[string]any{"discussion_id": disc.ID, "job_id": job.ID})

	result, err := p.run(ctx, parsed, adapter, sourceCfg, outputs, ai, disc, job)
	if err != nil {
		p.fail(ctx, parsed, disc, job, err)
		if result == nil {
			result = &Result{Outcome: OutcomeFailed, DiscussionID: disc.ID, JobID: job.ID}
		}
		return result, err
	}

	result.DiscussionID = disc.ID
	result.JobID = job.ID
	return result, nil
}

// run drives the non-terminal stages; Process handles terminal bookkeeping
// for the error path.
func (p *Processor) run(ctx context.Context, parsed *discussion.ParsedDiscussion, adapter discussion.SourceAdapter, sourceCfg *discussion.SourceConfig, outputs []flows.FlowOutput, ai flows.AISettings, disc *store.DiscussionRecord, job *store.JobRecord) (*Result, error) {
	// thread-resolved: reuse a supplied thread, otherwise fetch fresh.
	thread := parsed.Thread
	if thread == nil {
		var err error
		err = retry.Do(ctx, p.fetchRetry, func(ctx context.Context) error {
			t, ferr := adapter.FetchThread(ctx, parsed.SourceThreadID, sourceCfg)
			if ferr != nil {
				return ferr
			}
			thread = t
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("fetch thread: %w", err)
		}
	}

	job.Stage = store.StageThread
	if err := p.records.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	p.publish(ctx, parsed, "thread-resolved", map[string]any{"messages": thread.MessageCount()})

	// analyzed: exactly one model call per discussion.
	analysisResult, err := p.analyzer.Analyze(ctx, analysis.Input{
		Content:       parsed.Content,
		Thread:        thread,
		SummaryPrompt: ai.SummaryPrompt,
		TaskPrompt:    ai.TaskPrompt,
		Domains:       ai.Domains,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze discussion: %w", err)
	}

	job.Stage = store.StageAnalysis
	if raw, merr := json.Marshal(analysisResult); merr == nil {
		job.Analysis = raw
	}
	if err := p.records.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	p.publish(ctx, parsed, "analyzed", map[string]any{
		"tasks":      len(analysisResult.Tasks),
		"confidence": analysisResult.Confidence,
	})

	// routed: the router runs independently per detected task; a missing
	// default surfaces here and fails the whole job.
	type pair struct {
		task   analysis.DetectedTask
		output flows.FlowOutput
	}
	var pairs []pair
	for _, task := range analysisResult.Tasks {
		matched, err := routing.Route(task.Domain, outputs)
		if err != nil {
			return nil, err
		}
		for _, o := range matched {
			pairs = append(pairs, pair{task: task, output: o})
		}
	}

	job.Stage = store.StageRouting
	if err := p.records.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	p.publish(ctx, parsed, "routed", map[string]any{"pairs": len(pairs)})

	// creating-outputs: pairs run concurrently; the creator serializes
	// calls per credential set to respect the destination rate limit. A
	// pair failure is recorded and never stops its siblings. The stage is
	// persisted first so a run that dies mid-creation is diagnosable from
	// the records.
	job.Stage = store.StageOutputs
	if err := p.records.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	results := make([]PairResult, len(pairs))
	var wg sync.WaitGroup
	for i, pr := range pairs {
		wg.Add(1)
		go func(i int, pr pair) {
			defer wg.Done()
			res := PairResult{
				TaskTitle:  pr.task.Title,
				Domain:     pr.task.Domain,
				OutputName: pr.output.Name,
			}
			created, err := p.creator.Create(ctx, destination.Request{
				Task:    pr.task,
				Thread:  thread,
				Summary: analysisResult.Summary,
				Source:  parsed,
				Output:  pr.output,
			})
			if err != nil {
				log.Printf("Processor: create task %q on output %q failed: %v", pr.task.Title, pr.output.Name, err)
				res.Error = err.Error()
			} else {
				res.Created = created
				if _, serr := p.records.CreateTask(ctx, store.TaskRecord{
					JobID:          job.ID,
					DiscussionID:   disc.ID,
					Title:          pr.task.Title,
					Domain:         pr.task.Domain,
					OutputName:     pr.output.Name,
					DestinationID:  created.ID,
					DestinationURL: created.URL,
				}); serr != nil {
					log.Printf("Processor: record task for %s failed: %v", parsed.Key(), serr)
				}
			}
			results[i] = res
			p.publish(ctx, parsed, "output", map[string]any{
				"output": pr.output.Name,
				"task":   pr.task.Title,
				"ok":     err == nil,
			})
		}(i, pr)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Error == "" {
			succeeded++
		}
	}

	outcome := OutcomeCompleted
	jobOutcome := store.JobCompleted
	discStatus := store.DiscussionCompleted
	switch {
	case len(results) > 0 && succeeded == 0:
		outcome = OutcomeFailed
		jobOutcome = store.JobFailed
		discStatus = store.DiscussionFailed
	case succeeded < len(results):
		// Some value was delivered; the discussion reads completed while
		// the job keeps the partial outcome for operators.
		outcome = OutcomePartiallyCompleted
		jobOutcome = store.JobPartiallyCompleted
	}

	job.Stage = store.StageDone
	job.Outcome = jobOutcome
	job.Error = pairErrors(results)
	if err := p.records.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := p.records.UpdateDiscussionStatus(ctx, parsed.TeamID, parsed.SourceThreadID, discStatus, ""); err != nil {
		return nil, err
	}
	p.publish(ctx, parsed, string(outcome), map[string]any{"succeeded": succeeded, "attempted": len(results)})

	p.acknowledge(ctx, parsed, adapter, sourceCfg, results, succeeded, discStatus)

	return &Result{
		Outcome:  outcome,
		Analysis: analysisResult,
		Pairs:    results,
	}, nil
}

// acknowledge posts the best-effort reply and status reaction back to the
// source. Failures here never change the pipeline outcome.
func (p *Processor) acknowledge(ctx context.Context, parsed *discussion.ParsedDiscussion, adapter discussion.SourceAdapter, cfg *discussion.SourceConfig, results []PairResult, succeeded int, status store.DiscussionStatus) {
	if cfg == nil {
		return
	}
	if succeeded > 0 {
		msg := fmt.Sprintf("Created %d task(s) from this discussion.", succeeded)
		if len(results) == 1 && results[0].Created != nil && results[0].Created.URL != "" {
			msg = fmt.Sprintf("Created a task from this discussion: %s", results[0].Created.URL)
		}
		if !adapter.PostReply(ctx, parsed.SourceThreadID, msg, cfg) {
			log.Printf("Processor: acknowledgment reply for %s was not delivered", parsed.Key())
		}
	}
	if !adapter.UpdateStatus(ctx, parsed.SourceThreadID, string(status), cfg) {
		log.Printf("Processor: status update for %s was not delivered", parsed.Key())
	}
}

// fail records the terminal failure on both the job and the discussion.
// The processor never swallows a terminal error silently.
func (p *Processor) fail(ctx context.Context, parsed *discussion.ParsedDiscussion, disc *store.DiscussionRecord, job *store.JobRecord, cause error) {
	ctx = context.WithoutCancel(ctx)

	job.Outcome = store.JobFailed
	job.Error = cause.Error()
	if err := p.records.UpdateJob(ctx, job); err != nil {
		log.Printf("Processor: persist failed job %s: %v", job.ID, err)
	}

	status := store.DiscussionFailed
	if discussion.IsRetryable(cause) {
		status = store.DiscussionRetrying
	}
	if err := p.records.UpdateDiscussionStatus(ctx, parsed.TeamID, parsed.SourceThreadID, status, cause.Error()); err != nil {
		log.Printf("Processor: persist failed discussion %s: %v", disc.ID, err)
	}
	p.publish(ctx, parsed, "failed", map[string]any{"error": cause.Error(), "stage": string(job.Stage)})
}

// resolveFlow finds the owning flow, falling back to the legacy
// single-source + single-output path when no flow matches.
func (p *Processor) resolveFlow(parsed *discussion.ParsedDiscussion) (*discussion.SourceConfig, []flows.FlowOutput, flows.AISettings, error) {
	if flow := p.flows.Find(parsed.TeamID, parsed.WorkspaceID, parsed.SourceType); flow != nil {
		return flow.Input(parsed.SourceType), flow.ActiveOutputs(), flow.AI, nil
	}

	if legacy := p.flows.FindLegacy(parsed.TeamID, parsed.SourceType); legacy != nil {
		// The legacy path collapses routing to "always the one output".
		output := legacy.Output
		output.IsDefault = true
		return &legacy.Source, []flows.FlowOutput{output}, flows.AISettings{}, nil
	}

	return nil, nil, flows.AISettings{}, discussion.Configf("no flow or legacy config for team %q source %q", parsed.TeamID, parsed.SourceType)
}

// requireSingleDefault enforces the configuration invariant before any
// external call: exactly one enabled default output.
func requireSingleDefault(outputs []flows.FlowOutput) error {
	defaults := 0
	for _, o := range outputs {
		if !o.Disabled && o.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		return discussion.Configf("flow must have exactly one default output, found %d", defaults)
	}
	return nil
}

func pairErrors(results []PairResult) string {
	var parts []string
	for _, r := range results {
		if r.Error != "" {
			parts = append(parts, fmt.Sprintf("%s -> %s: %s", r.TaskTitle, r.OutputName, r.Error))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("%d output attempt(s) failed: %s", len(parts), joinMax(parts, 5))
}

func joinMax(parts []string, max int) string {
	if len(parts) > max {
		parts = append(parts[:max], fmt.Sprintf("and %d more", len(parts)-max))
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}

func (p *Processor) publish(ctx context.Context, parsed *discussion.ParsedDiscussion, stage string, values map[string]any) {
	if p.feed == nil {
		return
	}
	if _, err := p.feed.Publish(ctx, parsed.TeamID, parsed.SourceThreadID, stage, values); err != nil {
		log.Printf("Processor: publish %s event for %s: %v", stage, parsed.Key(), err)
	}
}
