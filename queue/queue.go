// Package queue implements the persistent, bounded, multi-priority buffer
// between the enricher/aggregator stage and the output workers (spec.md
// §4.5). Each priority band is a bbolt bucket keyed by an 8-byte
// big-endian sequence; band 0 is the highest priority, scanned first by
// Peek. Per-consumer progress is a durable cursor stored in a separate
// bucket, so a restart resumes every output exactly where it left off.
package queue

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"auoms.dev/auomsd/event"
)

// MaxPayloadSize bounds a single queued payload to the same hard cap the
// event format itself enforces; the queue stores already-built Event
// bytes and never needs to hold more than one Event can ever be.
const MaxPayloadSize = event.MaxEventSize

var cursorsBucket = []byte("cursors")

func bandBucketName(band int) []byte {
	return []byte(fmt.Sprintf("band-%d", band))
}

// CursorToken identifies one queued item's position for a given
// consumer: the band it was read from and its sequence within that band.
// Ack(consumer, token) advances that consumer's cursor past it.
type CursorToken struct {
	Band int
	Seq  uint64
}

// Item is one dequeued record: the EventId (so an output worker can key
// its in-flight ack map, per spec.md §4.6), the raw event payload, and
// the token needed to ack it.
type Item struct {
	Token   CursorToken
	EventID event.EventId
	Payload []byte
}

// Queue is safe for concurrent use by multiple goroutines.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	db       *bolt.DB
	bands    int
	capacity int
	clock    clockwork.Clock
	closed   bool
}

type Option func(*Queue)

// WithClock injects a clockwork.Clock, for deterministic deadline tests.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// Open opens (creating if absent) a queue database under dir, with the
// given number of priority bands and a per-band item capacity.
func Open(dir string, bands int, capacity int, opts ...Option) (*Queue, error) {
	if bands < 1 || bands > 255 {
		return nil, fmt.Errorf("queue: bands must be in [1,255], got %d", bands)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("queue: capacity must be >= 1, got %d", capacity)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: mkdir: %w", err)
	}

	path := filepath.Join(dir, "queue.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: open bbolt: %w", err)
	}

	q := &Queue{
		db:       bdb,
		bands:    bands,
		capacity: capacity,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for i := 0; i < bands; i++ {
			if _, err := tx.CreateBucketIfNotExists(bandBucketName(i)); err != nil {
				return fmt.Errorf("create bucket band-%d: %w", i, err)
			}
		}
		if _, err := tx.CreateBucketIfNotExists(cursorsBucket); err != nil {
			return fmt.Errorf("create bucket cursors: %w", err)
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return q, nil
}

// Close unblocks all waiting Put calls and makes further Put return
// ErrClosed. Already-enqueued items remain peekable/ackable.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	return q.db.Close()
}

func (q *Queue) Bands() int    { return q.bands }
func (q *Queue) Capacity() int { return q.capacity }

// RegisterConsumer ensures a durable cursor exists for name in every
// band, starting at the first (lowest) sequence. It is idempotent: an
// already-registered consumer's cursor is left untouched. Registration
// must happen before any item this consumer should see is compacted
// away, since compaction only accounts for registered cursors.
func (q *Queue) RegisterConsumer(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorsBucket)
		for band := 0; band < q.bands; band++ {
			k := cursorKey(band, name)
			if b.Get(k) == nil {
				if err := b.Put(k, encodeSeq(1)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Put enqueues payload onto band, blocking up to deadline if the band is
// at capacity. It returns ErrQueueFull if the deadline passes while
// still full, or ErrClosed if the queue has been closed.
func (q *Queue) Put(band int, id event.EventId, payload []byte, deadline time.Time) error {
	if band < 0 || band >= q.bands {
		return fmt.Errorf("queue: band %d out of range [0,%d)", band, q.bands)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("queue: payload size %d exceeds max %d", len(payload), MaxPayloadSize)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return ErrClosed
		}
		depth, err := q.bandDepthLocked(band)
		if err != nil {
			return err
		}
		if depth < q.capacity {
			break
		}
		now := q.clock.Now()
		if !now.Before(deadline) {
			return ErrQueueFull
		}
		timer := q.clock.AfterFunc(deadline.Sub(now), func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}

	if err := q.appendLocked(band, id, payload); err != nil {
		return err
	}
	q.cond.Broadcast()
	return nil
}

func (q *Queue) bandDepthLocked(band int) (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bandBucketName(band)).Stats().KeyN
		return nil
	})
	return n, err
}

// BandDepth reports the number of items currently stored in band,
// acked or not: each Ack compacts only the items below the slowest
// registered consumer's cursor, so an item one consumer has acked stays
// counted until every registered consumer's cursor has passed it.
func (q *Queue) BandDepth(band int) (int, error) {
	if band < 0 || band >= q.bands {
		return 0, fmt.Errorf("queue: band %d out of range [0,%d)", band, q.bands)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bandDepthLocked(band)
}

func (q *Queue) appendLocked(band int, id event.EventId, payload []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bandBucketName(band))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		val := make([]byte, 20+len(payload))
		encodeEventIDInto(val[:20], id)
		copy(val[20:], payload)
		return b.Put(encodeSeq(seq), val)
	})
}

// Peek returns the next undelivered item for consumer, scanning bands
// from highest priority (band 0) to lowest. It returns ok=false if
// nothing is currently available at or after the consumer's cursor in
// any band. Peek does not itself register consumer; call
// RegisterConsumer first.
func (q *Queue) Peek(consumer string) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for band := 0; band < q.bands; band++ {
		seq, err := q.cursorSeqLocked(consumer, band)
		if err != nil {
			return Item{}, false, err
		}
		item, ok, err := q.peekBandAtLocked(band, seq)
		if err != nil {
			return Item{}, false, err
		}
		if ok {
			return item, true, nil
		}
	}
	return Item{}, false, nil
}

// SendCursor tracks an output worker's read position within each band,
// independent of the durable ack cursor Ack advances. In ack mode the
// worker must be able to read past events it has already sent but that
// are still awaiting an ack (the ack window, spec.md §4.6) without
// re-reading the same item forever and without letting the durable
// cursor move until the peer actually acks. A zero SendCursor reads
// from each band's durable cursor, so a fresh one (as used after every
// reconnect) naturally resumes exactly where Ack last left off and
// re-sends any un-acked events in their original order.
type SendCursor struct {
	mu  sync.Mutex
	pos map[int]uint64
}

// NewSendCursor returns a SendCursor positioned at each band's durable
// cursor.
func NewSendCursor() *SendCursor {
	return &SendCursor{pos: make(map[int]uint64)}
}

// Reset clears every band's remembered position, so the next PeekNext
// falls back to the durable ack cursor again. Call this after a
// reconnect so delivery resumes strictly from the cursor (spec.md §5).
func (sc *SendCursor) Reset() {
	sc.mu.Lock()
	sc.pos = make(map[int]uint64)
	sc.mu.Unlock()
}

// Position reports the remembered read position for band, if any. Test
// doubles standing in for *Queue can use this (and Advance) to honor the
// same ack-window contract PeekNext does.
func (sc *SendCursor) Position(band int) (uint64, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	seq, ok := sc.pos[band]
	return seq, ok
}

// Advance records that band has been read up through next-1.
func (sc *SendCursor) Advance(band int, next uint64) {
	sc.mu.Lock()
	sc.pos[band] = next
	sc.mu.Unlock()
}

// PeekNext is Peek's ack-aware counterpart: it returns the next item at
// or after max(consumer's durable cursor, sc's remembered position) for
// each band, scanning highest priority first, and advances sc (not the
// durable cursor) past whatever it returns. Distinct calls with the same
// sc therefore walk forward through distinct items even while earlier
// ones remain un-acked, which is what lets a worker hold more than one
// event in flight at once.
func (q *Queue) PeekNext(consumer string, sc *SendCursor) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for band := 0; band < q.bands; band++ {
		cursorSeq, err := q.cursorSeqLocked(consumer, band)
		if err != nil {
			return Item{}, false, err
		}
		seq := cursorSeq
		if p, ok := sc.Position(band); ok && p > seq {
			seq = p
		}
		item, ok, err := q.peekBandAtLocked(band, seq)
		if err != nil {
			return Item{}, false, err
		}
		if ok {
			sc.Advance(band, item.Token.Seq+1)
			return item, true, nil
		}
	}
	return Item{}, false, nil
}

func (q *Queue) peekBandAtLocked(band int, seq uint64) (Item, bool, error) {
	var item Item
	var found bool
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bandBucketName(band)).Cursor()
		k, v := c.Seek(encodeSeq(seq))
		if k == nil {
			return nil
		}
		if len(v) < 20 {
			return fmt.Errorf("%w: short record in band %d", ErrCorrupt, band)
		}
		found = true
		item = Item{
			Token:   CursorToken{Band: band, Seq: decodeSeq(k)},
			EventID: decodeEventID(v[:20]),
			Payload: append([]byte(nil), v[20:]...),
		}
		return nil
	})
	return item, found, err
}

// Ack advances consumer's cursor in token.Band past token.Seq, then
// compacts that band: any item no registered consumer still needs is
// deleted. Acking out of order (a token older than the current cursor)
// is a no-op for the cursor advance, since cursors only move forward.
func (q *Queue) Ack(consumer string, token CursorToken) error {
	if token.Band < 0 || token.Band >= q.bands {
		return fmt.Errorf("queue: band %d out of range [0,%d)", token.Band, q.bands)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.cursorSeqLocked(consumer, token.Band)
	if err != nil {
		return err
	}
	next := token.Seq + 1
	if next > cur {
		if err := q.setCursorSeqLocked(consumer, token.Band, next); err != nil {
			return err
		}
	}
	if err := q.compactBandLocked(token.Band); err != nil {
		return err
	}
	q.cond.Broadcast()
	return nil
}

func (q *Queue) cursorSeqLocked(consumer string, band int) (uint64, error) {
	seq := uint64(1)
	err := q.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get(cursorKey(band, consumer))
		if v != nil {
			seq = decodeSeq(v)
		}
		return nil
	})
	return seq, err
}

func (q *Queue) setCursorSeqLocked(consumer string, band int, seq uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).Put(cursorKey(band, consumer), encodeSeq(seq))
	})
}

// compactBandLocked deletes every item in band whose sequence is below
// the minimum cursor position across all registered consumers. This is
// the bbolt analogue of deleting the oldest append-only segment no
// cursor still references: bbolt has no segment files, so compaction is
// key deletion and the freelist reclaims the space.
func (q *Queue) compactBandLocked(band int) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		min, anyConsumer, err := minCursorSeq(tx, band)
		if err != nil {
			return err
		}
		if !anyConsumer {
			return nil
		}
		bb := tx.Bucket(bandBucketName(band))
		bc := bb.Cursor()
		var toDelete [][]byte
		for k, _ := bc.First(); k != nil; k, _ = bc.Next() {
			if decodeSeq(k) >= min {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := bb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func minCursorSeq(tx *bolt.Tx, band int) (uint64, bool, error) {
	cb := tx.Bucket(cursorsBucket)
	prefix := []byte{byte(band)}
	c := cb.Cursor()
	min := uint64(1<<64 - 1)
	found := false
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		seq := decodeSeq(v)
		if seq < min {
			min = seq
		}
		found = true
	}
	return min, found, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func cursorKey(band int, consumer string) []byte {
	k := make([]byte, 1+len(consumer))
	k[0] = byte(band)
	copy(k[1:], consumer)
	return k
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeEventIDInto(b []byte, id event.EventId) {
	binary.BigEndian.PutUint64(b[0:8], id.Sec)
	binary.BigEndian.PutUint32(b[8:12], id.Msec)
	binary.BigEndian.PutUint64(b[12:20], id.Serial)
}

func decodeEventID(b []byte) event.EventId {
	return event.EventId{
		Sec:    binary.BigEndian.Uint64(b[0:8]),
		Msec:   binary.BigEndian.Uint32(b[8:12]),
		Serial: binary.BigEndian.Uint64(b[12:20]),
	}
}
