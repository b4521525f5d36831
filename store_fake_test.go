package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// fakeRunStore is an in-memory RunStore mirroring the conditional-update
// semantics of the real stores, shared by worker, emitter, and orchestrator
// tests.
type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	now  func() int64
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*Run), now: NowUnixMilli}
}

func (s *fakeRunStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = NewID()
	}
	s.runs[run.ID] = run
	return nil
}

func (s *fakeRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *fakeRunStore) ListRuns(ctx context.Context, status RunStatus, limit, offset int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, run := range s.runs {
		if status == "" || run.Status == status {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (s *fakeRunStore) ListRunsByConversation(ctx context.Context, conversationID string, limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, run := range s.runs {
		if run.ConversationID == conversationID {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeRunStore) Claim(ctx context.Context, workerID string, lease time.Duration) (*Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var oldest *Run
	for _, run := range s.runs {
		claimable := run.Status == StatusQueued ||
			(run.Status == StatusRunning && run.LeaseExpiresAt <= now)
		if !claimable {
			continue
		}
		if oldest == nil || run.UpdatedAt < oldest.UpdatedAt ||
			(run.UpdatedAt == oldest.UpdatedAt && run.CreatedAt < oldest.CreatedAt) {
			oldest = run
		}
	}
	if oldest == nil {
		return nil, false, nil
	}
	oldest.Status = StatusRunning
	oldest.WorkerID = workerID
	oldest.LeaseExpiresAt = now + lease.Milliseconds()
	oldest.Attempt++
	oldest.UpdatedAt = now
	cp := *oldest
	return &cp, true, nil
}

func (s *fakeRunStore) Heartbeat(ctx context.Context, runID, workerID string, lease time.Duration, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != StatusRunning || run.WorkerID != workerID {
		return false, nil
	}
	run.LeaseExpiresAt = s.now() + lease.Milliseconds()
	if progress >= 0 {
		run.Progress = progress
	}
	return true, nil
}

func (s *fakeRunStore) complete(runID, workerID string, status RunStatus, output *TaskResult, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != StatusRunning || run.WorkerID != workerID {
		return false, nil
	}
	run.Status = status
	run.Output = output
	run.Error = errMsg
	run.WorkerID = ""
	run.LeaseExpiresAt = 0
	run.UpdatedAt = s.now()
	return true, nil
}

func (s *fakeRunStore) CompleteSuccess(ctx context.Context, runID, workerID string, output *TaskResult) (bool, error) {
	return s.complete(runID, workerID, StatusSucceeded, output, "")
}

func (s *fakeRunStore) CompleteFailed(ctx context.Context, runID, workerID string, output *TaskResult, errMsg string) (bool, error) {
	return s.complete(runID, workerID, StatusFailed, output, errMsg)
}

func (s *fakeRunStore) CompleteCanceled(ctx context.Context, runID, workerID string, output *TaskResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, nil
	}
	owned := run.Status == StatusRunning && run.WorkerID == workerID
	pending := run.Status == StatusCanceled && run.Output == nil
	if !owned && !pending {
		return false, nil
	}
	run.Status = StatusCanceled
	run.Output = output
	run.WorkerID = ""
	run.LeaseExpiresAt = 0
	if run.CanceledAt == 0 {
		run.CanceledAt = s.now()
	}
	run.UpdatedAt = s.now()
	return true, nil
}

func (s *fakeRunStore) Requeue(ctx context.Context, runID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != StatusRunning || run.WorkerID != workerID {
		return false, nil
	}
	run.Status = StatusQueued
	run.WorkerID = ""
	run.LeaseExpiresAt = 0
	run.UpdatedAt = s.now()
	return true, nil
}

func (s *fakeRunStore) Cancel(ctx context.Context, id, canceledBy, reason string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Status == StatusCanceled {
		cp := *run
		return &cp, nil
	}
	if run.Status.Terminal() {
		return nil, ErrNotCancelable
	}
	run.CanceledAt = s.now()
	run.CanceledBy = canceledBy
	run.CancelReason = reason
	run.Status = StatusCanceled
	run.WorkerID = ""
	run.LeaseExpiresAt = 0
	run.UpdatedAt = s.now()
	cp := *run
	return &cp, nil
}

func (s *fakeRunStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if !run.Status.Terminal() {
		return ErrNotTerminal
	}
	delete(s.runs, id)
	return nil
}

func (s *fakeRunStore) Close() error { return nil }

// fakeSink collects emitted run messages, idempotent per run id.
type fakeSink struct {
	mu    sync.Mutex
	saved []*RunMessage
}

func (s *fakeSink) SaveRunMessage(ctx context.Context, msg *RunMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.saved {
		if m.RunID == msg.RunID {
			return false, nil
		}
	}
	s.saved = append(s.saved, msg)
	return true, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// scriptedLLM returns canned completions in order, then repeats the last one.
type scriptedLLM struct {
	mu      sync.Mutex
	outputs []string
	errs    []error
	calls   int
}

func (l *scriptedLLM) Name() string { return "scripted" }

func (l *scriptedLLM) next() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.calls
	l.calls++
	if i < len(l.errs) && l.errs[i] != nil {
		return "", l.errs[i]
	}
	if len(l.outputs) == 0 {
		return "", nil
	}
	if i >= len(l.outputs) {
		i = len(l.outputs) - 1
	}
	return l.outputs[i], nil
}

func (l *scriptedLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return l.next()
}

func (l *scriptedLLM) GenerateMessages(ctx context.Context, messages []LLMMessage) (string, error) {
	return l.next()
}
