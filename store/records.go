// Package store persists the pipeline's durable audit trail in Redis:
// one Discussion record per inbound thread, one Job record per pipeline
// run, and one Task record per successful destination creation. Records are
// append-mostly; only status fields are updated in place.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DiscussionStatus tracks the user-visible state of one discussion.
type DiscussionStatus string

const (
	DiscussionPending    DiscussionStatus = "pending"
	DiscussionProcessing DiscussionStatus = "processing"
	DiscussionCompleted  DiscussionStatus = "completed"
	DiscussionFailed     DiscussionStatus = "failed"
	DiscussionRetrying   DiscussionStatus = "retrying"
)

// JobStage tracks how far a pipeline run got, for diagnosis without logs.
type JobStage string

const (
	StageIngestion JobStage = "ingestion"
	StageThread    JobStage = "thread"
	StageAnalysis  JobStage = "analysis"
	StageRouting   JobStage = "routing"
	StageOutputs   JobStage = "outputs"
	StageDone      JobStage = "done"
)

// JobOutcome is the explicit three-state result of a run.
type JobOutcome string

const (
	JobRunning            JobOutcome = "running"
	JobCompleted          JobOutcome = "completed"
	JobPartiallyCompleted JobOutcome = "partially_completed"
	JobFailed             JobOutcome = "failed"
)

// DiscussionRecord is the durable row for one (teamID, sourceThreadID).
type DiscussionRecord struct {
	ID             string           `json:"id"`
	TeamID         string           `json:"team_id"`
	SourceThreadID string           `json:"source_thread_id"`
	SourceType     string           `json:"source_type"`
	Title          string           `json:"title"`
	Status         DiscussionStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// JobRecord tracks one pipeline run over a discussion, including the raw
// analysis output for the audit trail.
type JobRecord struct {
	ID           string          `json:"id"`
	DiscussionID string          `json:"discussion_id"`
	Stage        JobStage        `json:"stage"`
	Outcome      JobOutcome      `json:"outcome"`
	Error        string          `json:"error,omitempty"`
	Analysis     json.RawMessage `json:"analysis,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TaskRecord is one successfully created destination item: one row per
// successful (task, output) pair.
type TaskRecord struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	DiscussionID   string    `json:"discussion_id"`
	Title          string    `json:"title"`
	Domain         string    `json:"domain,omitempty"`
	OutputName     string    `json:"output_name"`
	DestinationID  string    `json:"destination_id"`
	DestinationURL string    `json:"destination_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordStore is the keyed record store behind the processor. All pipeline
// state that must survive a crash lives here; nothing is held in process
// memory.
type RecordStore struct {
	client *redis.Client
}

func NewRecordStore(client *redis.Client) *RecordStore {
	return &RecordStore{client: client}
}

func discussionKey(teamID, threadID string) string {
	return fmt.Sprintf("disc:%s:%s", teamID, threadID)
}

func teamIndexKey(teamID string) string {
	return fmt.Sprintf("team:%s:discussions", teamID)
}

func jobKey(jobID string) string { return "job:" + jobID }

func jobIndexKey(discussionID string) string {
	return fmt.Sprintf("disc:%s:jobs", discussionID)
}

func taskKey(taskID string) string { return "task:" + taskID }

func taskIndexKey(discussionID string) string {
	return fmt.Sprintf("disc:%s:tasks", discussionID)
}

func inFlightKey(teamID, threadID string) string {
	return fmt.Sprintf("inflight:%s:%s", teamID, threadID)
}

// GetOrCreateDiscussion returns the existing record for the key, or creates
// a fresh one in processing state. The boolean reports whether a record was
// created.
func (s *RecordStore) GetOrCreateDiscussion(ctx context.Context, teamID, threadID string, seed DiscussionRecord) (*DiscussionRecord, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, errors.New("record store not initialized")
	}
	if teamID == "" || threadID == "" {
		return nil, false, errors.New("team_id and source_thread_id are required")
	}

	existing, err := s.GetDiscussion(ctx, teamID, threadID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	rec := seed
	rec.ID = uuid.NewString()
	rec.TeamID = teamID
	rec.SourceThreadID = threadID
	if rec.Status == "" {
		rec.Status = DiscussionProcessing
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := s.writeDiscussion(ctx, &rec); err != nil {
		return nil, false, err
	}
	if err := s.client.SAdd(ctx, teamIndexKey(teamID), threadID).Err(); err != nil {
		return nil, false, fmt.Errorf("index discussion: %w", err)
	}
	return &rec, true, nil
}

// GetDiscussion reads one record; nil when absent.
func (s *RecordStore) GetDiscussion(ctx context.Context, teamID, threadID string) (*DiscussionRecord, error) {
	raw, err := s.client.Get(ctx, discussionKey(teamID, threadID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read discussion: %w", err)
	}
	var rec DiscussionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode discussion: %w", err)
	}
	return &rec, nil
}

// UpdateDiscussionStatus transitions a discussion's status, recording the
// error detail for failed runs.
func (s *RecordStore) UpdateDiscussionStatus(ctx context.Context, teamID, threadID string, status DiscussionStatus, errDetail string) error {
	rec, err := s.GetDiscussion(ctx, teamID, threadID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("discussion %s not found", discussionKey(teamID, threadID))
	}
	rec.Status = status
	rec.Error = errDetail
	rec.UpdatedAt = time.Now().UTC()
	return s.writeDiscussion(ctx, rec)
}

func (s *RecordStore) writeDiscussion(ctx context.Context, rec *DiscussionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal discussion: %w", err)
	}
	if err := s.client.Set(ctx, discussionKey(rec.TeamID, rec.SourceThreadID), data, 0).Err(); err != nil {
		return fmt.Errorf("store discussion: %w", err)
	}
	return nil
}

// ListDiscussions returns all records for a team.
func (s *RecordStore) ListDiscussions(ctx context.Context, teamID string) ([]*DiscussionRecord, error) {
	threadIDs, err := s.client.SMembers(ctx, teamIndexKey(teamID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", err)
	}
	out := make([]*DiscussionRecord, 0, len(threadIDs))
	for _, tid := range threadIDs {
		rec, err := s.GetDiscussion(ctx, teamID, tid)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CreateJob opens a new run for a discussion at the ingestion stage.
func (s *RecordStore) CreateJob(ctx context.Context, discussionID string) (*JobRecord, error) {
	now := time.Now().UTC()
	job := &JobRecord{
		ID:           uuid.NewString(),
		DiscussionID: discussionID,
		Stage:        StageIngestion,
		Outcome:      JobRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.writeJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, jobIndexKey(discussionID), job.ID).Err(); err != nil {
		return nil, fmt.Errorf("index job: %w", err)
	}
	return job, nil
}

// UpdateJob persists the job's current stage/outcome/detail.
func (s *RecordStore) UpdateJob(ctx context.Context, job *JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	return s.writeJob(ctx, job)
}

func (s *RecordStore) writeJob(ctx context.Context, job *JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// GetJob reads one job record; nil when absent.
func (s *RecordStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	var job JobRecord
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// ListJobs returns all runs recorded for a discussion.
func (s *RecordStore) ListJobs(ctx context.Context, discussionID string) ([]*JobRecord, error) {
	ids, err := s.client.SMembers(ctx, jobIndexKey(discussionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*JobRecord, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, job)
		}
	}
	return out, nil
}

// CreateTask records one successful destination creation.
func (s *RecordStore) CreateTask(ctx context.Context, task TaskRecord) (*TaskRecord, error) {
	task.ID = uuid.NewString()
	task.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(task.ID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}
	if err := s.client.SAdd(ctx, taskIndexKey(task.DiscussionID), task.ID).Err(); err != nil {
		return nil, fmt.Errorf("index task: %w", err)
	}
	return &task, nil
}

// ListTasks returns the destination items created for a discussion.
func (s *RecordStore) ListTasks(ctx context.Context, discussionID string) ([]*TaskRecord, error) {
	ids, err := s.client.SMembers(ctx, taskIndexKey(discussionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*TaskRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, taskKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read task: %w", err)
		}
		var task TaskRecord
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &task)
	}
	return out, nil
}

// AcquireInFlight takes the per-(team, thread) processing marker. It is the
// idempotency gate: a second inbound event for the same key while a run is
// active sees false and short-circuits. The TTL bounds how long a crashed
// run can block reprocessing.
func (s *RecordStore) AcquireInFlight(ctx context.Context, teamID, threadID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, inFlightKey(teamID, threadID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire in-flight marker: %w", err)
	}
	return ok, nil
}

// ReleaseInFlight drops the marker. Called on every terminal transition.
func (s *RecordStore) ReleaseInFlight(ctx context.Context, teamID, threadID string) error {
	if err := s.client.Del(ctx, inFlightKey(teamID, threadID)).Err(); err != nil {
		return fmt.Errorf("release in-flight marker: %w", err)
	}
	return nil
}
