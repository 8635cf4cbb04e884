package logbus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
)

const flushInterval = 250 * time.Millisecond

// TailOnly as from-sequence subscribes to live records only
const TailOnly = -1

// ErrNotFound indicates no log exists for the job
var ErrNotFound = errors.New("job log not found")

// overflowMessage is the marker delivered to a slow subscriber before it is
// disconnected.
const overflowMessage = "overflow: subscriber too slow, stream disconnected"

// Subscription is one reader of a job's log stream
type Subscription struct {
	C <-chan types.LogRecord

	out  chan types.LogRecord
	live chan types.LogRecord
	jl   *jobLog
	once sync.Once
}

// Cancel detaches the subscription; C is closed once drained
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.jl.detach(s)
	})
}

type jobLog struct {
	jobID string

	mu     sync.Mutex
	ring   []types.LogRecord // fixed capacity, oldest overwritten
	start  int
	count  int
	next   int64
	file   *os.File
	w      *bufio.Writer
	subs   map[*Subscription]bool
	closed bool
}

// Bus is the per-job log fabric: bounded in-memory ring, append-only file,
// fan-out to live subscribers.
type Bus struct {
	dir      string
	ringSize int
	subSize  int
	logger   zerolog.Logger

	mu   sync.RWMutex
	jobs map[string]*jobLog

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBus creates a log bus writing files under <stateDir>/logs
func NewBus(stateDir string, ringSize, subSize int) (*Bus, error) {
	dir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	b := &Bus{
		dir:      dir,
		ringSize: ringSize,
		subSize:  subSize,
		logger:   log.WithComponent("logbus"),
		jobs:     make(map[string]*jobLog),
		stopCh:   make(chan struct{}),
	}
	go b.flushLoop()
	return b, nil
}

// Stop flushes and closes every open log
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.Lock()
	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Close(id)
	}
}

func (b *Bus) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.RLock()
			logs := make([]*jobLog, 0, len(b.jobs))
			for _, jl := range b.jobs {
				logs = append(logs, jl)
			}
			b.mu.RUnlock()
			for _, jl := range logs {
				jl.mu.Lock()
				if jl.w != nil {
					jl.w.Flush()
				}
				jl.mu.Unlock()
			}
		case <-b.stopCh:
			return
		}
	}
}

// Open creates the log for a job. Idempotent.
func (b *Bus) Open(jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[jobID]; ok {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(b.dir, jobID+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	b.jobs[jobID] = &jobLog{
		jobID: jobID,
		ring:  make([]types.LogRecord, b.ringSize),
		file:  f,
		w:     bufio.NewWriter(f),
		subs:  make(map[*Subscription]bool),
	}
	return nil
}

func (b *Bus) get(jobID string) (*jobLog, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	jl, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return jl, nil
}

// Append assigns the next sequence to a record, stores it in the ring,
// persists it and fans it out. The writer never blocks on a slow subscriber:
// the subscriber is disconnected with an overflow marker instead.
func (b *Bus) Append(jobID string, channel types.LogChannel, message []byte) error {
	jl, err := b.get(jobID)
	if err != nil {
		return err
	}

	jl.mu.Lock()
	defer jl.mu.Unlock()
	if jl.closed {
		return fmt.Errorf("job %s log closed", jobID)
	}

	rec := types.LogRecord{
		JobID:     jobID,
		Sequence:  jl.next,
		Timestamp: time.Now(),
		Channel:   channel,
		Message:   message,
	}
	jl.next++

	// ring
	idx := (jl.start + jl.count) % len(jl.ring)
	if jl.count == len(jl.ring) {
		jl.ring[jl.start] = rec
		jl.start = (jl.start + 1) % len(jl.ring)
	} else {
		jl.ring[idx] = rec
		jl.count++
	}

	// durable append, one JSON record per line; subscribers still get the
	// record when the file write fails
	if err := jl.appendDurable(rec); err != nil {
		b.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to persist log record")
	}

	// fan-out; one slot of headroom is kept free for the overflow marker
	for sub := range jl.subs {
		if len(sub.live) >= cap(sub.live)-1 {
			marker := types.LogRecord{
				JobID:     jobID,
				Sequence:  rec.Sequence,
				Timestamp: rec.Timestamp,
				Channel:   types.ChannelError,
				Message:   []byte(overflowMessage),
			}
			sub.live <- marker
			close(sub.live)
			delete(jl.subs, sub)
			b.logger.Warn().Str("job_id", jobID).Msg("slow subscriber dropped")
			continue
		}
		sub.live <- rec
	}
	return nil
}

// Subscribe attaches a reader. Records with sequence >= from are replayed
// from the ring first, then live records follow. from = TailOnly skips
// history. The returned channel closes on Cancel, Close or overflow.
func (b *Bus) Subscribe(jobID string, from int64) (*Subscription, error) {
	jl, err := b.get(jobID)
	if err != nil {
		return nil, err
	}

	jl.mu.Lock()
	var history []types.LogRecord
	if from != TailOnly {
		for i := 0; i < jl.count; i++ {
			rec := jl.ring[(jl.start+i)%len(jl.ring)]
			if rec.Sequence >= from {
				history = append(history, rec)
			}
		}
	}
	sub := &Subscription{
		out:  make(chan types.LogRecord, b.subSize),
		live: make(chan types.LogRecord, b.subSize),
		jl:   jl,
	}
	sub.C = sub.out
	if !jl.closed {
		jl.subs[sub] = true
	}
	closed := jl.closed
	jl.mu.Unlock()

	go func() {
		defer close(sub.out)
		for _, rec := range history {
			sub.out <- rec
		}
		if closed {
			return
		}
		for rec := range sub.live {
			sub.out <- rec
		}
	}()
	return sub, nil
}

// appendDurable writes one JSON record per line. Caller holds jl.mu.
func (jl *jobLog) appendDurable(rec types.LogRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := jl.w.Write(line); err != nil {
		return err
	}
	return jl.w.WriteByte('\n')
}

func (jl *jobLog) detach(s *Subscription) {
	jl.mu.Lock()
	defer jl.mu.Unlock()
	if jl.subs[s] {
		delete(jl.subs, s)
		close(s.live)
	}
}

// Flush forces the buffered file writer out; used at terminal transition
func (b *Bus) Flush(jobID string) {
	jl, err := b.get(jobID)
	if err != nil {
		return
	}
	jl.mu.Lock()
	defer jl.mu.Unlock()
	if jl.w != nil {
		jl.w.Flush()
	}
}

// Close flushes and closes the file and disconnects all subscribers. The
// ring stays readable for late Subscribe calls until Remove.
func (b *Bus) Close(jobID string) {
	jl, err := b.get(jobID)
	if err != nil {
		return
	}
	jl.mu.Lock()
	defer jl.mu.Unlock()
	if jl.closed {
		return
	}
	jl.closed = true
	for sub := range jl.subs {
		close(sub.live)
		delete(jl.subs, sub)
	}
	if jl.w != nil {
		jl.w.Flush()
	}
	if jl.file != nil {
		jl.file.Close()
	}
}

// Remove drops the job's log entirely, deleting the on-disk file
func (b *Bus) Remove(jobID string) error {
	b.mu.Lock()
	jl, ok := b.jobs[jobID]
	if ok {
		delete(b.jobs, jobID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	jl.mu.Lock()
	defer jl.mu.Unlock()
	if !jl.closed {
		jl.closed = true
		for sub := range jl.subs {
			close(sub.live)
			delete(jl.subs, sub)
		}
		jl.w.Flush()
		jl.file.Close()
	}
	err := os.Remove(filepath.Join(b.dir, jobID+".log"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
