package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// EventLog is the append-only ordered store behind the bus. Append is
// called by a single writer (the bus holds its publish lock); Slice and
// Len must be safe for concurrent use during appends.
type EventLog interface {
	// Append stores the event and returns its assigned id. Ids are
	// monotonically increasing starting at 1 and equal publish order.
	Append(event Event) (uint64, error)

	// Slice returns events with ids in [from, to] inclusive, in order.
	// from below the first retained id is clamped; to of zero or beyond
	// the tail means "through the latest event". A range lying entirely
	// before the first retained id fails with ErrLogRangeNotFound.
	Slice(from, to uint64) ([]Event, error)

	// Len returns the id of the most recently appended event, zero when
	// the log is empty.
	Len() uint64

	// Close releases any underlying resources.
	Close() error
}

// MemoryLog is the default in-process EventLog. Events evicted by
// retention sweeps are gone for replay but their ids are never reused.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	nextID uint64
	baseID uint64 // id of events[0]; moves forward as retention evicts
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nextID: 1, baseID: 1}
}

// Append implements EventLog.
func (l *MemoryLog) Append(event Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.ID = l.nextID
	l.nextID++
	l.events = append(l.events, event)
	return event.ID, nil
}

// Slice implements EventLog.
func (l *MemoryLog) Slice(from, to uint64) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	last := l.nextID - 1
	if to == 0 || to > last {
		to = last
	}
	if from > to {
		if from > last {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: from=%d to=%d", ErrInvalidLogRange, from, to)
	}
	if to < l.baseID {
		return nil, fmt.Errorf("%w: events through %d have been evicted", ErrLogRangeNotFound, l.baseID-1)
	}
	if from < l.baseID {
		from = l.baseID
	}

	out := make([]Event, to-from+1)
	copy(out, l.events[from-l.baseID:to-l.baseID+1])
	return out, nil
}

// Len implements EventLog.
func (l *MemoryLog) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID - 1
}

// Close implements EventLog. The memory log holds no resources.
func (l *MemoryLog) Close() error { return nil }

// EvictBefore drops retained events older than cutoff. Used by the
// retention sweeper; ids of surviving events are unchanged.
func (l *MemoryLog) EvictBefore(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for n < len(l.events) && l.events[n].Timestamp.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0
	}
	l.events = append([]Event(nil), l.events[n:]...)
	l.baseID += uint64(n)
	return n
}

// FileLog wraps a MemoryLog with an append-only JSON-lines audit file so
// the log survives for offline inspection. Reads (Slice, Len) are served
// from memory; the file is write-only from the kernel's point of view.
type FileLog struct {
	*MemoryLog
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileLog opens (creating if needed) path for appending and returns a
// log that mirrors every event into it.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log file %s: %w", path, err)
	}
	return &FileLog{
		MemoryLog: NewMemoryLog(),
		file:      f,
		enc:       json.NewEncoder(f),
	}, nil
}

// Append implements EventLog, mirroring the event to the audit file.
func (l *FileLog) Append(event Event) (uint64, error) {
	id, err := l.MemoryLog.Append(event)
	if err != nil {
		return 0, err
	}
	event.ID = id

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return id, ErrLogClosed
	}
	if err := l.enc.Encode(event); err != nil {
		return id, fmt.Errorf("writing event %d to audit file: %w", id, err)
	}
	return id, nil
}

// Close flushes and closes the audit file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing event log file: %w", err)
	}
	return nil
}

// evictable is implemented by logs that support retention sweeps.
type evictable interface {
	EvictBefore(cutoff time.Time) int
}

// Retainer periodically evicts events older than the configured retention
// window from the bus's log, on a cron schedule.
type Retainer struct {
	cron   *cron.Cron
	logger Logger
}

// StartRetention schedules retention sweeps for the bus per its config.
// Returns nil (and schedules nothing) when retention is disabled or the
// log does not support eviction.
func StartRetention(bus *Bus, logger Logger) (*Retainer, error) {
	cfg := bus.config
	if cfg.Retention <= 0 {
		return nil, nil
	}
	target, ok := bus.log.(evictable)
	if !ok {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.RetentionSchedule, func() {
		cutoff := time.Now().UTC().Add(-cfg.Retention)
		if n := target.EvictBefore(cutoff); n > 0 && logger != nil {
			logger.Debug("Event log retention sweep", "evicted", n, "cutoff", cutoff)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling retention sweep %q: %w", cfg.RetentionSchedule, err)
	}
	c.Start()
	return &Retainer{cron: c, logger: logger}, nil
}

// Stop halts the sweep schedule, waiting for an in-flight sweep.
func (r *Retainer) Stop() {
	if r == nil {
		return
	}
	<-r.cron.Stop().Done()
}
