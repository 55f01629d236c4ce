// Package memstore is an in-process core.JobStore used by tests and single-process development runs.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
)

type indexKey struct {
	queue string
	state model.JobState
}

// Store keeps jobs in memory behind one mutex. Each queue/state pair has its
// own id set so listings never scan unrelated jobs.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	index   map[indexKey]map[string]struct{}
	queues  []string
	seq     int64
	signals map[string]chan struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*model.Job),
		index:   make(map[indexKey]map[string]struct{}),
		signals: make(map[string]chan struct{}),
	}
}

func (s *Store) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return nil, fmt.Errorf("%w: job %s already exists", model.ErrConflict, job.ID)
	}
	stored := job.Clone()
	s.seq++
	stored.Seq = s.seq
	s.jobs[stored.ID] = stored
	s.addIndex(stored)
	if !slices.Contains(s.queues, stored.Queue) {
		s.queues = append(s.queues, stored.Queue)
	}
	if stored.State == model.JobStateWaiting {
		s.signal(stored.Queue)
	}
	return stored.Clone(), nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *Store) Update(
	ctx context.Context,
	id string,
	expect model.Expectation,
	mutate func(*model.Job) error,
) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	if !expect.Matches(cur) {
		return nil, model.ErrConflict
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	if next.State == model.JobStateWaiting && cur.State != model.JobStateWaiting {
		s.seq++
		next.Seq = s.seq
	}
	s.removeIndex(cur)
	s.jobs[id] = next
	s.addIndex(next)
	if next.State == model.JobStateWaiting && cur.State != model.JobStateWaiting {
		s.signal(next.Queue)
	}
	return next.Clone(), nil
}

func (s *Store) ListByState(ctx context.Context, q model.ListQuery) (*model.JobPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offset, err := model.DecodeOffsetCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.sorted(indexKey{queue: q.Queue, state: q.State})
	if offset >= len(jobs) {
		return &model.JobPage{}, nil
	}
	end := min(offset+q.EffectiveLimit(), len(jobs))
	page := &model.JobPage{Jobs: cloneAll(jobs[offset:end])}
	if end < len(jobs) {
		page.NextCursor = model.EncodeOffsetCursor(end)
	}
	return page, nil
}

func (s *Store) ListDue(ctx context.Context, state model.JobState, before time.Time, limit int) ([]*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if state != model.JobStateDelayed && state != model.JobStateActive {
		return nil, fmt.Errorf("list due: unsupported state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.Job
	for _, queue := range s.queues {
		for _, j := range s.sorted(indexKey{queue: queue, state: state}) {
			if !isDue(j, before) {
				break
			}
			due = append(due, j)
		}
	}
	slices.SortStableFunc(due, func(a, b *model.Job) int { return compareIn(state, a, b) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return cloneAll(due), nil
}

func (s *Store) Delete(ctx context.Context, id string, expect model.Expectation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return model.ErrJobNotFound
	}
	if !expect.Matches(cur) {
		return model.ErrConflict
	}
	s.removeIndex(cur)
	delete(s.jobs, id)
	return nil
}

func (s *Store) Queues(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.queues)
	slices.Sort(out)
	return out, nil
}

func (s *Store) Counts(ctx context.Context, queue string) (model.QueueCounts, error) {
	var counts model.QueueCounts
	if err := ctx.Err(); err != nil {
		return counts, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range model.AllJobStates() {
		counts.Set(state, int64(len(s.index[indexKey{queue: queue, state: state}])))
	}
	return counts, nil
}

// WaitForJob blocks until a job enters the waiting state on queue or ctx ends.
func (s *Store) WaitForJob(ctx context.Context, queue string) error {
	s.mu.Lock()
	ch, ok := s.signals[queue]
	if !ok {
		ch = make(chan struct{})
		s.signals[queue] = ch
	}
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal wakes every waiter of queue. Callers hold s.mu.
func (s *Store) signal(queue string) {
	if ch, ok := s.signals[queue]; ok {
		close(ch)
		delete(s.signals, queue)
	}
}

func (s *Store) addIndex(j *model.Job) {
	key := indexKey{queue: j.Queue, state: j.State}
	set := s.index[key]
	if set == nil {
		set = make(map[string]struct{})
		s.index[key] = set
	}
	set[j.ID] = struct{}{}
}

func (s *Store) removeIndex(j *model.Job) {
	delete(s.index[indexKey{queue: j.Queue, state: j.State}], j.ID)
}

func (s *Store) sorted(key indexKey) []*model.Job {
	set := s.index[key]
	out := make([]*model.Job, 0, len(set))
	for id := range set {
		out = append(out, s.jobs[id])
	}
	slices.SortFunc(out, func(a, b *model.Job) int { return compareIn(key.state, a, b) })
	return out
}

// compareIn orders jobs the way each state index is read.
func compareIn(state model.JobState, a, b *model.Job) int {
	switch state {
	case model.JobStateWaiting:
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.Seq, b.Seq))
	case model.JobStateDelayed:
		return cmp.Or(a.AvailableAt.Compare(b.AvailableAt), cmp.Compare(a.Seq, b.Seq))
	case model.JobStateActive:
		return cmp.Or(timeOrZero(a.LockExpiresAt).Compare(timeOrZero(b.LockExpiresAt)), cmp.Compare(a.ID, b.ID))
	default:
		// most recent first
		return cmp.Or(timeOrZero(b.FinishedAt).Compare(timeOrZero(a.FinishedAt)), cmp.Compare(b.Seq, a.Seq))
	}
}

func isDue(j *model.Job, before time.Time) bool {
	if j.State == model.JobStateDelayed {
		return !j.AvailableAt.After(before)
	}
	return j.LockExpiresAt != nil && j.LockExpiresAt.Before(before)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneAll(in []*model.Job) []*model.Job {
	out := make([]*model.Job, len(in))
	for i, j := range in {
		out[i] = j.Clone()
	}
	return out
}

var (
	_ core.JobStore  = (*Store)(nil)
	_ core.JobWaiter = (*Store)(nil)
)
