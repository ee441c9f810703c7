package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"taskbridge/analysis"
	"taskbridge/destination"
	"taskbridge/discussion"
	"taskbridge/flows"
	"taskbridge/retry"
	"taskbridge/store"
)

type stubAdapter struct {
	mu         sync.Mutex
	st         discussion.SourceType
	thread     *discussion.Thread
	fetchErrs  []error
	fetchCalls int
	replies    []string
	statuses   []string
}

func (a *stubAdapter) SourceType() discussion.SourceType { return a.st }

func (a *stubAdapter) ParseIncoming(ctx context.Context, payload []byte, cfg *discussion.SourceConfig) (*discussion.ParsedDiscussion, error) {
	return nil, discussion.Malformedf("not used in these tests")
}

func (a *stubAdapter) FetchThread(ctx context.Context, threadID string, cfg *discussion.SourceConfig) (*discussion.Thread, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	if len(a.fetchErrs) > 0 {
		err := a.fetchErrs[0]
		a.fetchErrs = a.fetchErrs[1:]
		return nil, err
	}
	return a.thread, nil
}

func (a *stubAdapter) PostReply(ctx context.Context, threadID, message string, cfg *discussion.SourceConfig) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, message)
	return true
}

func (a *stubAdapter) UpdateStatus(ctx context.Context, threadID, status string, cfg *discussion.SourceConfig) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = append(a.statuses, status)
	return true
}

func (a *stubAdapter) ValidateConfig(cfg *discussion.SourceConfig) discussion.ValidationResult {
	return discussion.ValidationResult{Valid: true}
}

func (a *stubAdapter) TestConnection(ctx context.Context, cfg *discussion.SourceConfig) bool {
	return true
}

type stubAnalyzer struct {
	mu     sync.Mutex
	result *analysis.Result
	err    error
	calls  int
}

func (s *stubAnalyzer) Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubCreator struct {
	mu      sync.Mutex
	calls   []destination.Request
	failFor map[string]error
	gate    chan struct{} // when set, Create blocks until the channel closes
}

func (c *stubCreator) Create(ctx context.Context, req destination.Request) (*destination.CreatedTask, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	gate := c.gate
	err, failed := c.failFor[req.Output.Name]
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failed {
		return nil, err
	}
	return &destination.CreatedTask{
		ID:  "page-" + req.Output.Name,
		URL: "https://notion.so/page-" + req.Output.Name,
	}, nil
}

func (c *stubCreator) outputNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.calls))
	for _, r := range c.calls {
		names = append(names, r.Output.Name)
	}
	return names
}

func testThread() *discussion.Thread {
	return &discussion.Thread{
		ID:           "C1:100.1",
		RootMessage:  discussion.Message{ID: "100.1", AuthorHandle: "ava", Content: "login is broken"},
		Replies:      []discussion.Message{{ID: "100.2", AuthorHandle: "ben", Content: "confirmed"}},
		Participants: []string{"ava", "ben"},
	}
}

func testParsed() *discussion.ParsedDiscussion {
	return &discussion.ParsedDiscussion{
		SourceType:     discussion.SourceSlack,
		SourceThreadID: "C1:100.1",
		TeamID:         "T1",
		AuthorHandle:   "ava",
		Title:          "login is broken",
		Content:        "login is broken",
	}
}

func testFlow() flows.Flow {
	return flows.Flow{
		ID:     "flow-1",
		TeamID: "T1",
		Inputs: []discussion.SourceConfig{
			{SourceType: discussion.SourceSlack, TeamID: "T1", APIToken: "xoxb-test"},
		},
		Outputs: []flows.FlowOutput{
			{Name: "engineering", DomainFilter: []string{"engineering", "infra"}, OutputConfig: flows.OutputConfig{Token: "tok", DatabaseID: "db-eng"}},
			{Name: "design", DomainFilter: []string{"design"}, OutputConfig: flows.OutputConfig{Token: "tok", DatabaseID: "db-des"}},
			{Name: "general", IsDefault: true, OutputConfig: flows.OutputConfig{Token: "tok", DatabaseID: "db-gen"}},
		},
		AI: flows.AISettings{Domains: []string{"engineering", "design", "infra"}},
	}
}

func analysisWithTasks(tasks ...analysis.DetectedTask) *analysis.Result {
	return &analysis.Result{
		Summary:     analysis.AISummary{Summary: "summary", Confidence: 0.9},
		Tasks:       tasks,
		IsMultiTask: len(tasks) > 1,
		Confidence:  0.9,
	}
}

type fixture struct {
	proc     *Processor
	records  *store.RecordStore
	adapter  *stubAdapter
	analyzer *stubAnalyzer
	creator  *stubCreator
}

func newFixture(t *testing.T, flowList []flows.Flow, legacy []flows.LegacyConfig, analyzer *stubAnalyzer, creator *stubCreator) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	records := store.NewRecordStore(client)

	adapter := &stubAdapter{st: discussion.SourceSlack, thread: testThread()}
	registry := discussion.NewRegistry(adapter)

	proc := New(registry, flows.NewRegistry(flowList, legacy), records, analyzer, creator, nil, Options{
		FetchRetry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})

	return &fixture{proc: proc, records: records, adapter: adapter, analyzer: analyzer, creator: creator}
}

func TestProcessCompletedRun(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Fix login", Domain: "engineering"},
	)}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	result, err := f.proc.Process(ctx, testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Len(t, result.Pairs, 1)
	require.Equal(t, "engineering", result.Pairs[0].OutputName)
	require.NotNil(t, result.Pairs[0].Created)

	require.Equal(t, 1, analyzer.calls, "exactly one model call per discussion")

	disc, err := f.records.GetDiscussion(ctx, "T1", "C1:100.1")
	require.NoError(t, err)
	require.Equal(t, store.DiscussionCompleted, disc.Status)

	jobs, err := f.records.ListJobs(ctx, disc.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, store.StageDone, jobs[0].Stage)
	require.Equal(t, store.JobCompleted, jobs[0].Outcome)
	require.NotEmpty(t, jobs[0].Analysis)

	tasks, err := f.records.ListTasks(ctx, disc.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "page-engineering", tasks[0].DestinationID)

	require.Len(t, f.adapter.replies, 1)
	require.Contains(t, f.adapter.replies[0], "page-engineering")
	require.Equal(t, []string{"completed"}, f.adapter.statuses)

	// The in-flight marker must be released on completion.
	acquired, err := f.records.AcquireInFlight(ctx, "T1", "C1:100.1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestProcessDuplicateDeliveryShortCircuits(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks()}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	acquired, err := f.records.AcquireInFlight(ctx, "T1", "C1:100.1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := f.proc.Process(ctx, testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, result.Outcome)
	require.Zero(t, analyzer.calls, "duplicate delivery must not reach the model")
	require.Empty(t, creator.calls)

	// The held marker belongs to the first run; the duplicate must not drop it.
	acquired, err = f.records.AcquireInFlight(ctx, "T1", "C1:100.1", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestProcessPartialFailure(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Fix login", Domain: "engineering"},
		analysis.DetectedTask{Title: "Refresh mockups", Domain: "design"},
	)}
	creator := &stubCreator{failFor: map[string]error{
		"design": discussion.Transientf("destination API returned 503"),
	}}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	result, err := f.proc.Process(ctx, testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomePartiallyCompleted, result.Outcome)

	disc, err := f.records.GetDiscussion(ctx, "T1", "C1:100.1")
	require.NoError(t, err)
	require.Equal(t, store.DiscussionCompleted, disc.Status, "partial success still delivered value")

	jobs, err := f.records.ListJobs(ctx, disc.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, store.JobPartiallyCompleted, jobs[0].Outcome)
	require.Contains(t, jobs[0].Error, "design")

	tasks, err := f.records.ListTasks(ctx, disc.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "only the successful pair is recorded")
}

func TestProcessAllOutputsFail(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Fix login", Domain: "engineering"},
	)}
	creator := &stubCreator{failFor: map[string]error{
		"engineering": discussion.Transientf("destination API returned 503"),
	}}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	result, err := f.proc.Process(ctx, testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)

	disc, err := f.records.GetDiscussion(ctx, "T1", "C1:100.1")
	require.NoError(t, err)
	require.Equal(t, store.DiscussionFailed, disc.Status)
	require.Equal(t, []string{"failed"}, f.adapter.statuses)
	require.Empty(t, f.adapter.replies, "no success, nothing to announce")
}

func TestProcessUnclassifiedTaskFallsToDefault(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Follow up with legal"},
	)}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)

	result, err := f.proc.Process(context.Background(), testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, []string{"general"}, f.creator.outputNames())
}

func TestProcessFanOutOverlappingFilters(t *testing.T) {
	flow := testFlow()
	flow.Outputs = append(flow.Outputs, flows.FlowOutput{
		Name:         "platform",
		DomainFilter: []string{"infra"},
		OutputConfig: flows.OutputConfig{Token: "tok", DatabaseID: "db-plat"},
	})

	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Upgrade the cluster", Domain: "infra"},
	)}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{flow}, nil, analyzer, creator)

	result, err := f.proc.Process(context.Background(), testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.ElementsMatch(t, []string{"engineering", "platform"}, f.creator.outputNames())

	disc, err := f.records.GetDiscussion(context.Background(), "T1", "C1:100.1")
	require.NoError(t, err)
	tasks, err := f.records.ListTasks(context.Background(), disc.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2, "one record per (task, output) pair")
}

func TestProcessPersistsOutputStageBeforeCreation(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Fix login", Domain: "engineering"},
	)}
	creator := &stubCreator{gate: make(chan struct{})}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.proc.Process(ctx, testParsed())
	}()

	// While the creation call is in flight the job must already read the
	// outputs stage, so a run that dies here is diagnosable from records.
	require.Eventually(t, func() bool {
		disc, err := f.records.GetDiscussion(ctx, "T1", "C1:100.1")
		if err != nil || disc == nil {
			return false
		}
		jobs, err := f.records.ListJobs(ctx, disc.ID)
		return err == nil && len(jobs) == 1 && jobs[0].Stage == store.StageOutputs
	}, 2*time.Second, 10*time.Millisecond)

	close(creator.gate)
	<-done

	disc, err := f.records.GetDiscussion(ctx, "T1", "C1:100.1")
	require.NoError(t, err)
	jobs, err := f.records.ListJobs(ctx, disc.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, store.StageDone, jobs[0].Stage)
	require.Equal(t, store.JobCompleted, jobs[0].Outcome)
}

func TestProcessNoTasksStillCompletes(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks()}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)

	result, err := f.proc.Process(context.Background(), testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Empty(t, creator.calls)
}

func TestProcessTransientAnalysisFailureMarksRetrying(t *testing.T) {
	analyzer := &stubAnalyzer{err: discussion.Transientf("model returned 503")}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, testParsed())
	require.Error(t, err)
	require.True(t, discussion.IsRetryable(err))

	disc, err := f.records.GetDiscussion(ctx, "T1", "C1:100.1")
	require.NoError(t, err)
	require.Equal(t, store.DiscussionRetrying, disc.Status)

	jobs, err := f.records.ListJobs(ctx, disc.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, store.JobFailed, jobs[0].Outcome)

	// The marker is released so a redelivery can retry immediately.
	acquired, err := f.records.AcquireInFlight(ctx, "T1", "C1:100.1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestProcessMalformedAnalysisFailsTerminally(t *testing.T) {
	analyzer := &stubAnalyzer{err: discussion.Malformedf("model returned malformed analysis 3 times")}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, testParsed())
	require.Error(t, err)
	require.False(t, discussion.IsRetryable(err))

	disc, err := f.records.GetDiscussion(ctx, "T1", "C1:100.1")
	require.NoError(t, err)
	require.Equal(t, store.DiscussionFailed, disc.Status)
}

func TestProcessFetchThreadRetriesTransient(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks()}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	f.adapter.fetchErrs = []error{
		discussion.Transientf("rate limited"),
		discussion.Transientf("rate limited"),
	}

	result, err := f.proc.Process(context.Background(), testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, 3, f.adapter.fetchCalls)
}

func TestProcessFetchThreadNotFoundFailsWithoutRetry(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks()}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	f.adapter.fetchErrs = []error{discussion.NotFoundf("thread gone")}

	_, err := f.proc.Process(context.Background(), testParsed())
	require.Error(t, err)
	require.Equal(t, 1, f.adapter.fetchCalls)
	require.Zero(t, analyzer.calls)
}

func TestProcessReusesPrefetchedThread(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks()}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)

	parsed := testParsed()
	parsed.Thread = testThread()

	_, err := f.proc.Process(context.Background(), parsed)
	require.NoError(t, err)
	require.Zero(t, f.adapter.fetchCalls, "prefetched thread must not be refetched")
}

func TestProcessLegacyFallback(t *testing.T) {
	legacy := []flows.LegacyConfig{{
		Source: discussion.SourceConfig{SourceType: discussion.SourceSlack, TeamID: "T1", APIToken: "xoxb-legacy"},
		Output: flows.FlowOutput{Name: "legacy-board", OutputConfig: flows.OutputConfig{Token: "tok", DatabaseID: "db-legacy"}},
	}}

	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Fix login", Domain: "engineering"},
	)}
	creator := &stubCreator{}
	f := newFixture(t, nil, legacy, analyzer, creator)

	result, err := f.proc.Process(context.Background(), testParsed())
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, []string{"legacy-board"}, f.creator.outputNames(), "legacy path sends everything to the one output")
}

func TestProcessUnconfiguredTeamIsConfigError(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks()}
	creator := &stubCreator{}
	f := newFixture(t, nil, nil, analyzer, creator)

	_, err := f.proc.Process(context.Background(), testParsed())
	require.Error(t, err)
	require.Equal(t, discussion.KindConfiguration, discussion.KindOf(err))
	require.Zero(t, analyzer.calls)
}

func TestProcessRejectsIncompleteDiscussion(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks()}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)

	_, err := f.proc.Process(context.Background(), nil)
	require.Error(t, err)

	parsed := testParsed()
	parsed.TeamID = ""
	_, err = f.proc.Process(context.Background(), parsed)
	require.Error(t, err)
	require.Equal(t, discussion.KindMalformedInput, discussion.KindOf(err))
}

func TestProcessReprocessesKnownThread(t *testing.T) {
	analyzer := &stubAnalyzer{result: analysisWithTasks(
		analysis.DetectedTask{Title: "Fix login", Domain: "engineering"},
	)}
	creator := &stubCreator{}
	f := newFixture(t, []flows.Flow{testFlow()}, nil, analyzer, creator)
	ctx := context.Background()

	first, err := f.proc.Process(ctx, testParsed())
	require.NoError(t, err)
	second, err := f.proc.Process(ctx, testParsed())
	require.NoError(t, err)
	require.Equal(t, first.DiscussionID, second.DiscussionID, "a new event on a known thread reuses the discussion")
	require.NotEqual(t, first.JobID, second.JobID, "each run gets its own job")

	jobs, err := f.records.ListJobs(ctx, first.DiscussionID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}
