package aggregate

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"auoms.dev/auomsd/event"
)

const persistVersion = 1

// maxPersistBlob bounds any single length-prefixed blob read from a
// persistence file, guarding against a corrupt or truncated length
// prefix driving an unbounded allocation.
const maxPersistBlob = 16 * 1024 * 1024

var ErrCorruptPersist = errors.New("aggregate: corrupt persistence file")

// Save writes the aggregator's rule set, ready queue, and open
// aggregates to path as one framed file, mode 0600, per spec.md
// §4.4.8. It writes to a temp file and renames into place so a reader
// never observes a partial file.
func (a *Aggregator) Save(path string) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tmp := path + ".tmp"
	f, ferr := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if ferr != nil {
		return ferr
	}
	defer func() {
		// On success f was already closed explicitly before the rename;
		// the second Close then reports os.ErrClosed, which is not a failure.
		if cerr := f.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)

	var partial []*aggregatedEvent
	for _, pr := range a.perRule {
		partial = append(partial, pr.openByAge...)
	}

	if err = writeU8(w, persistVersion); err != nil {
		return err
	}
	epochBytes, merr := a.epoch.MarshalBinary()
	if merr != nil {
		return merr
	}
	if err = writeBytes32(w, epochBytes); err != nil {
		return err
	}
	if err = writeU32(w, uint32(len(a.rules))); err != nil {
		return err
	}
	if err = writeU32(w, uint32(len(a.ready))); err != nil {
		return err
	}
	if err = writeU32(w, uint32(len(partial))); err != nil {
		return err
	}

	for i := range a.rules {
		b, merr := json.Marshal(a.rules[i])
		if merr != nil {
			return merr
		}
		if err = writeBytes32(w, b); err != nil {
			return err
		}
	}

	saveNow := a.clock.Now()
	for _, ae := range a.ready {
		if err = writeAggregate(w, ae, saveNow); err != nil {
			return err
		}
	}
	for _, ae := range partial {
		if err = writeAggregate(w, ae, saveNow); err != nil {
			return err
		}
	}

	if err = w.Flush(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeAggregate(w io.Writer, ae *aggregatedEvent, saveNow time.Time) error {
	if err := writeU32(w, uint32(ae.ruleIdx)); err != nil {
		return err
	}
	if err := writeU64(w, ae.id); err != nil {
		return err
	}
	if err := writeI64(w, ae.expiration.UnixNano()); err != nil {
		return err
	}
	if err := writeI64(w, saveNow.UnixNano()); err != nil {
		return err
	}
	if err := writeEventID(w, ae.firstEvent); err != nil {
		return err
	}
	if err := writeEventID(w, ae.lastEvent); err != nil {
		return err
	}
	if err := writeU32(w, uint32(ae.count)); err != nil {
		return err
	}
	if err := writeBytes32(w, ae.originEvent.Bytes()); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(ae.aggValues))); err != nil {
		return err
	}
	for _, vals := range ae.aggValues {
		if err := writeU32(w, uint32(len(vals))); err != nil {
			return err
		}
		for _, v := range vals {
			if err := writeBytes32(w, []byte(v)); err != nil {
				return err
			}
		}
	}
	if err := writeU32(w, uint32(len(ae.eventTimes))); err != nil {
		return err
	}
	for _, id := range ae.eventTimes {
		if err := writeEventID(w, id); err != nil {
			return err
		}
	}
	return nil
}

// Load reconstructs an Aggregator from a file written by Save, against
// rules as the current (possibly changed) rule set. Aggregates whose
// saved rule JSON no longer matches any entry in rules are moved
// wholesale into the ready queue, per spec.md §4.4.8's set_rules
// behavior applied at load time.
func Load(path string, rules []Rule, opts ...Option) (*Aggregator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	ver, err := readU8(r)
	if err != nil {
		return nil, err
	}
	if ver != persistVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptPersist, ver)
	}
	epochBytes, err := readBytes32(r)
	if err != nil {
		return nil, err
	}
	savedEpoch, err := uuid.FromBytes(epochBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed epoch tag: %v", ErrCorruptPersist, err)
	}
	ruleCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	readyCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	partialCount, err := readU32(r)
	if err != nil {
		return nil, err
	}

	savedJSON := make([]string, ruleCount)
	for i := range savedJSON {
		b, err := readBytes32(r)
		if err != nil {
			return nil, err
		}
		savedJSON[i] = string(b)
	}

	a, err := New(rules, opts...)
	if err != nil {
		return nil, err
	}
	a.loadedFromEpoch = savedEpoch
	a.hasLoadedFromEpoch = true
	newIndexByJSON := make(map[string]int, len(rules))
	for i := range rules {
		b, _ := json.Marshal(rules[i])
		newIndexByJSON[string(b)] = i
	}
	loadNow := a.clock.Now()

	readOne := func() (*aggregatedEvent, int, error) {
		return readAggregate(r, int(ruleCount), loadNow)
	}

	for i := uint32(0); i < readyCount; i++ {
		ae, savedIdx, err := readOne()
		if err != nil {
			return nil, err
		}
		if savedIdx < 0 || savedIdx >= len(savedJSON) {
			return nil, fmt.Errorf("%w: unknown rule index", ErrCorruptPersist)
		}
		a.ready = append(a.ready, ae)
	}
	for i := uint32(0); i < partialCount; i++ {
		ae, savedIdx, err := readOne()
		if err != nil {
			return nil, err
		}
		if savedIdx < 0 || savedIdx >= len(savedJSON) {
			return nil, fmt.Errorf("%w: unknown rule index", ErrCorruptPersist)
		}
		newIdx, ok := newIndexByJSON[savedJSON[savedIdx]]
		if !ok {
			a.ready = append(a.ready, ae)
			continue
		}
		rule := &rules[newIdx]
		if ae.count > rule.MaxCount {
			return nil, fmt.Errorf("%w: aggregate count exceeds rule max_count", ErrCorruptPersist)
		}
		ae.ruleIdx = newIdx
		key, kerr := computeKeyFromRecord(ae.originRecord, rule)
		if kerr != nil {
			return nil, kerr
		}
		ae.aggKey = key
		for i, af := range rule.AggregationFields {
			if af.Mode == ModeDrop || i >= len(ae.aggValues) {
				continue
			}
			for _, v := range ae.aggValues[i] {
				ae.dataSize += len(v)
			}
		}
		if ae.dataSize > rule.MaxSize {
			return nil, fmt.Errorf("%w: aggregate size exceeds rule max_size", ErrCorruptPersist)
		}
		pr := a.perRule[newIdx]
		pr.open[string(key)] = ae
		pr.openByAge = append(pr.openByAge, ae)
		heap.Push(&a.agedHeap, ae)
	}
	return a, nil
}

func computeKeyFromRecord(rec event.Record, rule *Rule) ([]byte, error) {
	fields, err := nonAggregatedFields(rec, rule)
	if err != nil {
		return nil, err
	}
	return computeKey(fields), nil
}

func readAggregate(r io.Reader, ruleCount int, loadNow time.Time) (*aggregatedEvent, int, error) {
	ruleIdx, err := readU32(r)
	if err != nil {
		return nil, 0, err
	}
	id, err := readU64(r)
	if err != nil {
		return nil, 0, err
	}
	expNano, err := readI64(r)
	if err != nil {
		return nil, 0, err
	}
	saveNano, err := readI64(r)
	if err != nil {
		return nil, 0, err
	}
	first, err := readEventID(r)
	if err != nil {
		return nil, 0, err
	}
	last, err := readEventID(r)
	if err != nil {
		return nil, 0, err
	}
	count, err := readU32(r)
	if err != nil {
		return nil, 0, err
	}
	origin, err := readBytes32(r)
	if err != nil {
		return nil, 0, err
	}
	if len(origin) > event.MaxEventSize {
		return nil, 0, fmt.Errorf("%w: origin event too large", ErrCorruptPersist)
	}
	ev, err := event.Parse(origin)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptPersist, err)
	}
	if ev.NumRecords() != 1 {
		return nil, 0, fmt.Errorf("%w: origin event is not single-record", ErrCorruptPersist)
	}
	rec, err := ev.Record(0)
	if err != nil {
		return nil, 0, err
	}

	numAggFields, err := readU32(r)
	if err != nil {
		return nil, 0, err
	}
	values := make([][]string, numAggFields)
	for i := range values {
		n, err := readU32(r)
		if err != nil {
			return nil, 0, err
		}
		vals := make([]string, n)
		for j := range vals {
			b, err := readBytes32(r)
			if err != nil {
				return nil, 0, err
			}
			vals[j] = string(b)
		}
		values[i] = vals
	}
	numTimes, err := readU32(r)
	if err != nil {
		return nil, 0, err
	}
	times := make([]event.EventId, numTimes)
	for i := range times {
		times[i], err = readEventID(r)
		if err != nil {
			return nil, 0, err
		}
	}
	if int(ruleIdx) >= ruleCount {
		return nil, 0, fmt.Errorf("%w: rule index out of range", ErrCorruptPersist)
	}

	deadline := loadNow.Add(time.Duration(expNano - saveNano))
	ae := &aggregatedEvent{
		id:           id,
		ruleIdx:      int(ruleIdx),
		expiration:   deadline,
		firstEvent:   first,
		lastEvent:    last,
		count:        int(count),
		originEvent:  ev,
		originRecord: rec,
		aggValues:    values,
		eventTimes:   times,
		heapIndex:    -1,
	}
	return ae, int(ruleIdx), nil
}

// --- small length-prefixed binary helpers, in the style of event/builder.go ---

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeI64(w io.Writer, v int64) error {
	return writeU64(w, uint64(v))
}

func writeBytes32(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeEventID(w io.Writer, id event.EventId) error {
	if err := writeU64(w, id.Sec); err != nil {
		return err
	}
	if err := writeU32(w, id.Msec); err != nil {
		return err
	}
	return writeU64(w, id.Serial)
}

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readBytes32(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > maxPersistBlob {
		return nil, fmt.Errorf("%w: blob length %d exceeds limit", ErrCorruptPersist, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
