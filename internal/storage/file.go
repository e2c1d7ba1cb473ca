package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "solocron/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json  (periodic snapshot of all collections)
//   - <prefix>.journal.jsonl  (append-only journal, fsynced per write)
//
// The journal is periodically compacted into the snapshot. Durability is
// write-then-acknowledge: the journal record is synced to disk before the
// in-memory view changes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	jobs    map[string]JobDefinition
	states  map[string]ScheduleState
	execs   map[string]ExecutionRecord
	running map[string]string // job id -> running execution id

	writes int
}

const (
	fileCompactEvery   = 1000
	fileKeptExecutions = 200 // finished records kept per job on compact
)

type journalRecord struct {
	Op    string           `json:"op"` // "job" | "job_del" | "state" | "exec"
	ID    string           `json:"id,omitempty"`
	Job   *JobDefinition   `json:"job,omitempty"`
	State *ScheduleState   `json:"state,omitempty"`
	Exec  *ExecutionRecord `json:"exec,omitempty"`
}

type fileSnapshot struct {
	Jobs   []JobDefinition   `json:"jobs"`
	States []ScheduleState   `json:"states"`
	Execs  []ExecutionRecord `json:"execs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		jobs:         map[string]JobDefinition{},
		states:       map[string]ScheduleState{},
		execs:        map[string]ExecutionRecord{},
		running:      map[string]string{},
	}

	_ = st.loadSnapshot(snapPath)
	_ = st.replayJournal(journalPath)
	st.rebuildRunningIndex()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// ---- job definitions ----

func (s *fileStore) AddJob(ctx context.Context, def JobDefinition) error {
	_ = ctx
	if err := validateJob(def); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[def.ID]; ok {
		return fmt.Errorf("job %q: %w", def.ID, ErrConflict)
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	return s.putJobLocked(def)
}

func (s *fileStore) UpsertJob(ctx context.Context, def JobDefinition) error {
	_ = ctx
	if err := validateJob(def); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.jobs[def.ID]; ok {
		def.CreatedAt = prev.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	return s.putJobLocked(def)
}

func (s *fileStore) UpdateJob(ctx context.Context, def JobDefinition) (JobDefinition, error) {
	_ = ctx
	if err := validateJob(def); err != nil {
		return JobDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[def.ID]
	if !ok {
		return JobDefinition{}, fmt.Errorf("job %q: %w", def.ID, ErrNotFound)
	}
	if !prev.UpdatedAt.Equal(def.UpdatedAt) {
		return JobDefinition{}, fmt.Errorf("job %q: %w", def.ID, ErrConflict)
	}
	def.CreatedAt = prev.CreatedAt
	def.UpdatedAt = time.Now()
	if !def.UpdatedAt.After(prev.UpdatedAt) {
		def.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
	}
	if err := s.putJobLocked(def); err != nil {
		return JobDefinition{}, err
	}
	return def, nil
}

func (s *fileStore) putJobLocked(def JobDefinition) error {
	if err := s.appendLocked(journalRecord{Op: "job", Job: &def}); err != nil {
		return err
	}
	s.jobs[def.ID] = def
	return nil
}

func (s *fileStore) RemoveJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	if err := s.appendLocked(journalRecord{Op: "job_del", ID: id}); err != nil {
		return err
	}
	delete(s.jobs, id)
	delete(s.states, id)
	return nil
}

func (s *fileStore) GetJob(ctx context.Context, id string) (JobDefinition, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.jobs[id]
	if !ok {
		return JobDefinition{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return def, nil
}

func (s *fileStore) ListJobs(ctx context.Context, f JobFilter) ([]JobDefinition, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobDefinition, 0, len(s.jobs))
	for _, def := range s.jobs {
		if f.EnabledOnly && !def.Enabled {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- schedule state ----

func (s *fileStore) LoadState(ctx context.Context, jobID string) (ScheduleState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[jobID]
	if !ok {
		return ScheduleState{}, fmt.Errorf("state for job %q: %w", jobID, ErrNotFound)
	}
	return st, nil
}

func (s *fileStore) SaveState(ctx context.Context, st ScheduleState) error {
	_ = ctx
	if strings.TrimSpace(st.JobID) == "" {
		return errors.New("state job_id is required")
	}
	st.UpdatedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "state", State: &st}); err != nil {
		return err
	}
	s.states[st.JobID] = st
	return nil
}

func (s *fileStore) ListDue(ctx context.Context, now time.Time) ([]DueJob, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DueJob
	for id, def := range s.jobs {
		if !def.Enabled {
			continue
		}
		st, ok := s.states[id]
		if !ok || st.NextFire.IsZero() || st.NextFire.After(now) {
			continue
		}
		out = append(out, DueJob{Job: def, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out, nil
}

// ---- execution records ----

func (s *fileStore) BeginExecution(ctx context.Context, rec ExecutionRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.JobID) == "" {
		return errors.New("execution id and job_id are required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.FinishedAt = time.Time{}
	rec.Outcome = ""
	rec.Error = ""

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[rec.JobID]; busy {
		return fmt.Errorf("job %q: %w", rec.JobID, ErrBusy)
	}
	if err := s.appendLocked(journalRecord{Op: "exec", Exec: &rec}); err != nil {
		return err
	}
	s.execs[rec.ID] = rec
	s.running[rec.JobID] = rec.ID
	return nil
}

func (s *fileStore) FinishExecution(ctx context.Context, id string, finishedAt time.Time, outcome Outcome, errDetail string) (ExecutionRecord, error) {
	_ = ctx
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if !rec.Running() {
		// Already finalized: idempotent no-op returning the prior result.
		return rec, nil
	}
	rec.FinishedAt = finishedAt
	rec.Outcome = outcome
	rec.Error = errDetail
	if err := s.appendLocked(journalRecord{Op: "exec", Exec: &rec}); err != nil {
		return ExecutionRecord{}, err
	}
	s.execs[id] = rec
	if s.running[rec.JobID] == id {
		delete(s.running, rec.JobID)
	}
	return rec, nil
}

func (s *fileStore) GetExecution(ctx context.Context, id string) (ExecutionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.execs[id]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (s *fileStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]ExecutionRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExecutionRecord
	for _, rec := range s.execs {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- journal / snapshot plumbing ----

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	enc := json.NewEncoder(s.journal)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	// Acknowledge only after the bytes are on disk.
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Jobs:   make([]JobDefinition, 0, len(s.jobs)),
		States: make([]ScheduleState, 0, len(s.states)),
	}
	for _, def := range s.jobs {
		snap.Jobs = append(snap.Jobs, def)
	}
	for _, st := range s.states {
		snap.States = append(snap.States, st)
	}
	snap.Execs = s.prunedExecutionsLocked()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

// prunedExecutionsLocked keeps running records plus the most recent finished
// records per job, and drops the rest from the in-memory view as well.
func (s *fileStore) prunedExecutionsLocked() []ExecutionRecord {
	byJob := map[string][]ExecutionRecord{}
	for _, rec := range s.execs {
		byJob[rec.JobID] = append(byJob[rec.JobID], rec)
	}

	kept := make([]ExecutionRecord, 0, len(s.execs))
	next := map[string]ExecutionRecord{}
	for _, recs := range byJob {
		sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
		finished := 0
		for _, rec := range recs {
			if !rec.Running() {
				finished++
				if finished > fileKeptExecutions {
					continue
				}
			}
			kept = append(kept, rec)
			next[rec.ID] = rec
		}
	}
	s.execs = next
	return kept
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, def := range snap.Jobs {
		s.jobs[def.ID] = def
	}
	for _, st := range snap.States {
		s.states[st.JobID] = st
	}
	for _, rec := range snap.Execs {
		s.execs[rec.ID] = rec
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case "job":
			if rec.Job != nil && rec.Job.ID != "" {
				s.jobs[rec.Job.ID] = *rec.Job
			}
		case "job_del":
			if rec.ID != "" {
				delete(s.jobs, rec.ID)
				delete(s.states, rec.ID)
			}
		case "state":
			if rec.State != nil && rec.State.JobID != "" {
				s.states[rec.State.JobID] = *rec.State
			}
		case "exec":
			if rec.Exec != nil && rec.Exec.ID != "" {
				s.execs[rec.Exec.ID] = *rec.Exec
			}
		}
	}
	return sc.Err()
}

func (s *fileStore) rebuildRunningIndex() {
	s.running = map[string]string{}
	for id, rec := range s.execs {
		if rec.Running() {
			s.running[rec.JobID] = id
		}
	}
}
