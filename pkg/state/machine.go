package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
)

const shardCount = 16

var (
	// ErrNotFound indicates the job does not exist
	ErrNotFound = errors.New("job not found")
	// ErrConflict indicates the optimistic from-state check failed
	ErrConflict = errors.New("state conflict")
	// ErrInvalidTransition indicates the transition is not in the lifecycle graph
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStillRunning indicates the job is not terminal yet
	ErrStillRunning = errors.New("job still running")
)

// validTransitions is the lifecycle graph. Any pair not listed is forbidden.
var validTransitions = map[types.JobStatus][]types.JobStatus{
	types.StatusQueued:       {types.StatusScheduled, types.StatusStopped},
	types.StatusScheduled:    {types.StatusInitializing, types.StatusStopped},
	types.StatusInitializing: {types.StatusRunning, types.StatusFailed, types.StatusStopped},
	types.StatusRunning:      {types.StatusCompleted, types.StatusFailed, types.StatusStopped},
}

func transitionAllowed(from, to types.JobStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Observer receives committed transitions in per-job commit order
type Observer func(job *types.Job, from, to types.JobStatus)

// Persister stores terminal job records
type Persister interface {
	SaveJob(job *types.Job) error
	DeleteJob(id string) error
}

type event struct {
	job  *types.Job
	from types.JobStatus
	to   types.JobStatus
}

type shard struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
	// events are enqueued while the shard lock is held so that per-job
	// observer order matches commit order
}

// Machine is the single source of truth for every job's lifecycle
type Machine struct {
	shards  [shardCount]*shard
	seq     atomic.Uint64
	persist Persister
	logger  zerolog.Logger

	obsMu     sync.RWMutex
	observers []Observer

	events chan event
	done   chan struct{}
}

// NewMachine creates a job state machine. persist may be nil (no durable
// records, used in tests).
func NewMachine(persist Persister) *Machine {
	m := &Machine{
		persist: persist,
		logger:  log.WithComponent("state"),
		events:  make(chan event, 1024),
		done:    make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{jobs: make(map[string]*types.Job)}
	}
	go m.dispatch()
	return m
}

// Close stops observer dispatch after draining pending events
func (m *Machine) Close() {
	close(m.events)
	<-m.done
}

func (m *Machine) dispatch() {
	defer close(m.done)
	for ev := range m.events {
		m.obsMu.RLock()
		observers := m.observers
		m.obsMu.RUnlock()
		for _, obs := range observers {
			obs(ev.job, ev.from, ev.to)
		}
	}
}

// Subscribe registers an observer. Observers run on the dispatch goroutine
// and must hand off anything slow.
func (m *Machine) Subscribe(obs Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Machine) shardFor(id string) *shard {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return m.shards[h%shardCount]
}

// Create registers a new job in QUEUED, assigning ID, sequence and creation
// time if unset.
func (m *Machine) Create(job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Runtime == "" {
		job.Runtime = "host"
	}
	job.Sequence = m.seq.Add(1)
	job.Status = types.StatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	s := m.shardFor(job.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// Restore loads a previously persisted terminal job without notifying
// observers. Non-terminal records are refused: this engine recovers
// observable state only.
func (m *Machine) Restore(job *types.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("refusing to restore non-terminal job %s (%s)", job.ID, job.Status)
	}
	s := m.shardFor(job.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	// keep the internal sequence ahead of every restored record
	for {
		cur := m.seq.Load()
		if job.Sequence <= cur || m.seq.CompareAndSwap(cur, job.Sequence) {
			break
		}
	}
	return nil
}

// Get returns a copy of the job
func (m *Machine) Get(id string) (*types.Job, error) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

// List returns copies of all jobs ordered by internal sequence
func (m *Machine) List() []*types.Job {
	var jobs []*types.Job
	for _, s := range m.shards {
		s.mu.Lock()
		for _, job := range s.jobs {
			cp := *job
			jobs = append(jobs, &cp)
		}
		s.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Sequence < jobs[j].Sequence })
	return jobs
}

// Transition moves a job from one state to another with an optimistic check
// on the from state. attrs, if non-nil, mutates the job inside the critical
// section before timestamps are applied. Observers are notified after commit.
func (m *Machine) Transition(id string, from, to types.JobStatus, attrs func(*types.Job)) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	s := m.shardFor(id)
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != from {
		s.mu.Unlock()
		return fmt.Errorf("job %s is %s, expected %s: %w", id, job.Status, from, ErrConflict)
	}

	if attrs != nil {
		attrs(job)
	}
	job.Status = to
	now := time.Now()
	if to == types.StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.IsTerminal() {
		job.EndedAt = &now
		// exit code is set iff COMPLETED or FAILED
		if to == types.StatusStopped {
			job.ExitCode = nil
		}
	}
	cp := *job
	// enqueue under the shard lock: per-job observer order equals commit order
	m.events <- event{job: &cp, from: from, to: to}
	s.mu.Unlock()

	if to.IsTerminal() && m.persist != nil {
		if err := m.persist.SaveJob(&cp); err != nil {
			m.logger.Error().Err(err).Str("job_id", id).Msg("failed to persist terminal job")
		}
	}

	m.logger.Debug().Str("job_id", id).
		Str("from", string(from)).Str("to", string(to)).Msg("transition committed")
	return nil
}

// Update applies a mutation that does not change status (dependency rewrites
// during workflow retries).
func (m *Machine) Update(id string, mutate func(*types.Job)) error {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	mutate(job)
	return nil
}

// Delete removes a terminal job and its persisted record
func (m *Machine) Delete(id string) error {
	s := m.shardFor(id)
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !job.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrStillRunning)
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	if m.persist != nil {
		return m.persist.DeleteJob(id)
	}
	return nil
}
