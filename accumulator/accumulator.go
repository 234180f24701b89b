// Package accumulator folds a stream of RawEventRecords into whole
// Events, keyed by EventId, under strict size/count caps and with
// structured drop accounting. It mirrors the teacher's peer/store
// "cache + force-evict" shape but the cache here is an MRU-ordered
// library cache (hashicorp/golang-lru) rather than a hand-rolled
// pointer-linked list, since Go's GC removes the lifetime-aliasing
// concern the design notes flag for the original pointer-graph LRU.
package accumulator

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"auoms.dev/auomsd/event"
	"auoms.dev/auomsd/rawrecord"
)

// Caps from spec.md §3.
const (
	MaxEventSize        = 112 * 1024
	MaxExecveAccumSize  = 96 * 1024
	MaxNumExecveRecords = 12
	NumExecveRHPreserve = 3
	MaxCacheEntry       = 256
)

// nonTerminatingTypes are the record types that start or extend a
// multi-record syscall cluster and therefore never complete an event on
// their own; every other type is a "single record event" per
// spec.md §4.2's completeness predicate. Grounded on
// RawEventAccumulator.cpp's IsSingleRecordEvent split plus the
// consolidation set named in spec.md §4.3.
var nonTerminatingTypes = map[string]bool{
	"SYSCALL":       true,
	"EXECVE":        true,
	"CWD":           true,
	"PATH":          true,
	"SOCKADDR":      true,
	"PROCTITLE":     true,
	"BPRM_FCAPS":    true,
	"OBJ_PID":       true,
	"FD_PAIR":       true,
	"MMAP":          true,
	"SOCKETCALL":    true,
	"NETFILTER_PKT": true,
	"OBJ_UID":       true,
	"OBJ_GID":       true,
	"OBJ_LABEL":     true,
}

// IsSingleRecordEvent reports whether a raw record of this type
// completes its event by itself (no EOE needed).
func IsSingleRecordEvent(recordType string) bool {
	return !nonTerminatingTypes[recordType]
}

// Metrics is the external metrics collaborator surface named in
// spec.md §4.2.
type Metrics interface {
	AddBytes(n int)
	AddRecords(n int)
	AddEvents(n int)
	AddDroppedEvents(n int)
}

type noopMetrics struct{}

func (noopMetrics) AddBytes(int)         {}
func (noopMetrics) AddRecords(int)       {}
func (noopMetrics) AddEvents(int)        {}
func (noopMetrics) AddDroppedEvents(int) {}

// EmitFunc is called with each completed Event. An error is treated as
// "failed to commit" and is counted in dropped_events — this covers both
// the builder's own size-exceeded failures and a downstream consumer
// (e.g. the priority queue) rejecting the event.
type EmitFunc func(event.Event) error

// Accumulator folds RawEventRecords into Events.
type Accumulator struct {
	mu      sync.Mutex
	builder *event.Builder
	cache   *lru.LRU[event.EventId, *rawEvent]
	emit    EmitFunc
	metrics Metrics
	clock   clockwork.Clock
}

// Option configures an Accumulator at construction.
type Option func(*Accumulator)

// WithMetrics overrides the metrics sink (default: a no-op sink).
func WithMetrics(m Metrics) Option { return func(a *Accumulator) { a.metrics = m } }

// WithClock overrides the clock used for LRU touch timestamps (default: real time).
func WithClock(c clockwork.Clock) Option { return func(a *Accumulator) { a.clock = c } }

// New returns an Accumulator that emits completed events to emit.
func New(emit EmitFunc, opts ...Option) *Accumulator {
	a := &Accumulator{
		builder: event.NewBuilder(event.NewSliceAllocator(MaxEventSize)),
		emit:    emit,
		metrics: noopMetrics{},
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	// The library's own capacity enforcement is not used: Remove() invokes
	// the same onEvict callback as an internal capacity-triggered evict,
	// which would double-commit an event this accumulator just completed
	// and removed itself. Capacity is instead enforced explicitly after
	// each insert, so a force-evicted entry is only ever committed once.
	cache, err := lru.NewLRU[event.EventId, *rawEvent](maxCacheCapacity, nil)
	if err != nil {
		panic(err)
	}
	a.cache = cache
	return a
}

// maxCacheCapacity is the library LRU's own size bound: effectively
// unbounded, since MaxCacheEntry is enforced explicitly in evictOverflow.
const maxCacheCapacity = 1 << 30

// evictOverflow force-commits the oldest entries once the cache holds
// more than MaxCacheEntry, matching RawEventAccumulator's proactive
// (not merely periodic) eviction after every add.
func (a *Accumulator) evictOverflow() {
	for a.cache.Len() > MaxCacheEntry {
		_, re, ok := a.cache.RemoveOldest()
		if !ok {
			return
		}
		a.metrics.AddEvents(1)
		if err := a.commit(re); err != nil {
			a.metrics.AddDroppedEvents(1)
		}
	}
}

// AddRecord folds one raw record into its event, emitting the event if
// this record completes it. It returns whether the record was consumed
// (false for semantically-empty records and USER_TTY, per spec).
func (a *Accumulator) AddRecord(rec *rawrecord.RawEventRecord) (bool, error) {
	a.metrics.AddRecords(1)
	a.metrics.AddBytes(recordSize(rec))

	if rec.RecordType == "USER_TTY" {
		return false, nil
	}
	if rec.RecordType != event.RecordTypeEOE && recordIsEmpty(rec) {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	re, ok := a.cache.Get(rec.Id)
	if !ok {
		re = newRawEvent(rec.Id)
		if re.addRecord(rec) {
			a.metrics.AddEvents(1)
			err := a.commit(re)
			if err != nil {
				a.metrics.AddDroppedEvents(1)
			}
			a.evictOverflow()
			return true, err
		}
		re.lastTouched = a.clock.Now()
		a.cache.Add(rec.Id, re)
		a.evictOverflow()
		return true, nil
	}

	if re.addRecord(rec) {
		a.cache.Remove(rec.Id)
		a.metrics.AddEvents(1)
		err := a.commit(re)
		if err != nil {
			a.metrics.AddDroppedEvents(1)
		}
		a.evictOverflow()
		return true, err
	}
	// Touch without evicting: re-insert resets MRU order.
	re.lastTouched = a.clock.Now()
	a.cache.Add(rec.Id, re)
	a.evictOverflow()
	return true, nil
}

func (a *Accumulator) commit(re *rawEvent) error {
	ev, err := re.build(a.builder)
	if err != nil {
		return err
	}
	if ev.Size() == 0 {
		return nil // nothing to emit (e.g. a lone dropped EOE with no records)
	}
	return a.emit(ev)
}

// Flush force-emits entries older than maxAge. maxAge == 0 emits everything.
func (a *Accumulator) Flush(maxAge time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	for {
		key, re, ok := a.cache.GetOldest()
		if !ok {
			return
		}
		if maxAge > 0 && a.cache.Len() <= MaxCacheEntry {
			// Peek age via the cache's own tracking is not exposed by
			// simplelru, so the accumulator keeps its own per-entry
			// timestamp for age-based (non-count-based) flush decisions.
			if now.Sub(re.lastTouched) < maxAge {
				return
			}
		}
		a.cache.Remove(key)
		a.metrics.AddEvents(1)
		if err := a.commit(re); err != nil {
			a.metrics.AddDroppedEvents(1)
		}
	}
}
