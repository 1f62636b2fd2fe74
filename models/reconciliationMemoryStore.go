package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRunStore is an in-process RunStore for tests, dry environments and the CLI's offline mode.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]*memoryRunEntry
	idem    map[string]string
	nextID  uint
	nowFunc func() time.Time
}

type memoryRunEntry struct {
	run     ReconciliationRun
	items   []ReconciliationItem
	deleted bool
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:    make(map[string]*memoryRunEntry),
		idem:    make(map[string]string),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryRunStore) Create(ctx context.Context, run *ReconciliationRun) error {
	if run.Status.IsTerminal() {
		return NewReconError(ErrKindStorage, "create requires a non-terminal run", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunId]; ok {
		return NewReconError(ErrKindStorage, fmt.Sprintf("run %s already exists", run.RunId), nil)
	}
	s.nextID++
	run.ID = s.nextID
	now := s.nowFunc()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.RunId] = &memoryRunEntry{run: *run}
	return nil
}

func (s *MemoryRunStore) UpdateStatus(ctx context.Context, run *ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[run.RunId]
	if !ok || e.deleted || e.run.Status.IsTerminal() {
		return NewReconError(ErrKindStorage, fmt.Sprintf("run %s is missing or already terminal", run.RunId), nil)
	}
	e.run.Status = run.Status
	e.run.StartedAt = run.StartedAt
	e.run.CompletedAt = run.CompletedAt
	e.run.ErrorMessage = run.ErrorMessage
	e.run.UpdatedAt = s.nowFunc()
	return nil
}

func (s *MemoryRunStore) Save(ctx context.Context, run *ReconciliationRun, items []ReconciliationItem) error {
	if err := ctx.Err(); err != nil {
		return storageError("save run", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	e, ok := s.runs[run.RunId]
	if ok && e.run.Status.IsTerminal() {
		return NewReconError(ErrKindStorage, fmt.Sprintf("run %s is already %s", run.RunId, e.run.Status), nil)
	}
	if !ok {
		s.nextID++
		run.ID = s.nextID
		run.CreatedAt = now
		e = &memoryRunEntry{}
		s.runs[run.RunId] = e
	} else {
		run.ID = e.run.ID
		run.CreatedAt = e.run.CreatedAt
	}
	run.UpdatedAt = now
	e.run = *run
	e.items = make([]ReconciliationItem, len(items))
	for i := range items {
		items[i].RunId = run.RunId
		e.items[i] = items[i]
		e.items[i].CreatedAt = now
	}
	return nil
}

func (s *MemoryRunStore) Get(ctx context.Context, runId string) (*ReconciliationRun, []ReconciliationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runId]
	if !ok || e.deleted {
		return nil, nil, runNotFound(runId)
	}
	run := e.run
	return &run, sortedItems(e.items), nil
}

func (s *MemoryRunStore) List(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]ReconciliationRun, 0, len(s.runs))
	for _, e := range s.runs {
		if e.deleted {
			continue
		}
		r := e.run
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.County != nil && (r.CountyFilter == nil || !strings.EqualFold(*r.CountyFilter, *filter.County)) {
			continue
		}
		if filter.From != nil && r.PeriodEnd.Before(*filter.From) {
			continue
		}
		if filter.To != nil && r.PeriodStart.After(*filter.To) {
			continue
		}
		if filter.CreatedBy != "" && r.CreatedBy != filter.CreatedBy {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if filter.Offset >= len(runs) {
		return []RunSummary{}, nil
	}
	runs = runs[filter.Offset:]
	if limit := filter.EffectiveLimit(); len(runs) > limit {
		runs = runs[:limit]
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, r.Summary())
	}
	return summaries, nil
}

func (s *MemoryRunStore) Export(ctx context.Context, runId string, status *ItemStatus) ([]ReconciliationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runId]
	if !ok || e.deleted {
		return nil, runNotFound(runId)
	}
	items := sortedItems(e.items)
	if status == nil {
		return items, nil
	}
	filtered := make([]ReconciliationItem, 0, len(items))
	for _, it := range items {
		if it.ReconciliationStatus == *status {
			filtered = append(filtered, it)
		}
	}
	return filtered, nil
}

func (s *MemoryRunStore) ClaimIdempotencyKey(ctx context.Context, createdBy, key, runId string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := createdBy + "\x00" + key
	if existing, ok := s.idem[k]; ok {
		return existing, nil
	}
	s.idem[k] = runId
	return "", nil
}

func (s *MemoryRunStore) LookupIdempotencyKey(ctx context.Context, createdBy, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runId, ok := s.idem[createdBy+"\x00"+key]
	return runId, ok, nil
}

func (s *MemoryRunStore) ReleaseIdempotencyKey(ctx context.Context, createdBy, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, createdBy+"\x00"+key)
	return nil
}

func (s *MemoryRunStore) SoftDeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.runs {
		if e.deleted || !e.run.Status.IsTerminal() || e.run.CompletedAt == nil {
			continue
		}
		if e.run.CompletedAt.Before(cutoff) {
			e.deleted = true
			n++
		}
	}
	return n, nil
}

func sortedItems(items []ReconciliationItem) []ReconciliationItem {
	out := make([]ReconciliationItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
