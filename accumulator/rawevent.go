package accumulator

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"auoms.dev/auomsd/event"
	"auoms.dev/auomsd/rawrecord"
)

// recordEntry is one record folded into a rawEvent, kept in the form the
// Builder needs at commit time.
type recordEntry struct {
	typeName string
	fields   []rawrecord.Field
}

// rawEvent accumulates the records belonging to one EventId until the
// kernel's own framing (a lone single-record type, or an EOE closing a
// SYSCALL cluster) says it is complete. Grounded on RawEvent in
// RawEventAccumulator.h/.cpp: a primary record list holding the SYSCALL
// and the first EXECVE fragment (the "anchor"), a side list for later
// EXECVE fragments bounded by its own size/count caps, and a per-type
// drop count surfaced as a trailer record.
type rawEvent struct {
	id               event.EventId
	records          []recordEntry
	execveFragments  []recordEntry
	syscallIdx       int
	numExecveRecords int
	size             int
	execveSize       int
	dropCount        map[string]int
	lastTouched      time.Time
}

func newRawEvent(id event.EventId) *rawEvent {
	return &rawEvent{id: id, syscallIdx: -1, dropCount: map[string]int{}, lastTouched: time.Now()}
}

// recordSize approximates the on-wire size of a raw record, for the
// accumulation caps that bound memory per partially-built event.
func recordSize(rec *rawrecord.RawEventRecord) int {
	n := len(rec.RecordType) + 8
	for _, f := range rec.Fields {
		n += len(f.Key) + len(f.Value) + 2
	}
	return n
}

func recordSizeOfEntry(e recordEntry) int {
	n := len(e.typeName) + 8
	for _, f := range e.fields {
		n += len(f.Key) + len(f.Value) + 2
	}
	return n
}

func recordIsEmpty(rec *rawrecord.RawEventRecord) bool {
	return len(rec.Fields) == 0
}

// addRecord folds one parsed record into the event and reports whether
// the event is now complete.
func (re *rawEvent) addRecord(rec *rawrecord.RawEventRecord) bool {
	re.lastTouched = time.Now()
	sz := recordSize(rec)

	if rec.RecordType == event.RecordTypeEOE {
		return true
	}

	if rec.RecordType == "EXECVE" {
		re.addExecve(rec, sz)
		return false
	}

	if sz+re.size > MaxEventSize || re.numExecveRecords > MaxNumExecveRecords {
		re.dropCount[rec.RecordType]++
		return IsSingleRecordEvent(rec.RecordType)
	}

	re.size += sz
	entry := recordEntry{typeName: rec.RecordType, fields: rec.Fields}
	re.records = append(re.records, entry)
	if rec.RecordType == "SYSCALL" && re.syscallIdx < 0 {
		re.syscallIdx = len(re.records) - 1
	}
	return IsSingleRecordEvent(rec.RecordType)
}

// addExecve folds one EXECVE fragment. The first EXECVE record for an
// event anchors the record in declaration order; every later fragment
// goes on the bounded side list. When the incoming one would exceed a
// cap, one stored fragment is dropped first: the one just before the
// most recent NumExecveRHPreserve, or the oldest stored fragment when
// no more than NumExecveRHPreserve are stored. Grounded on
// RawEvent::AddRecord's EXECVE branch.
func (re *rawEvent) addExecve(rec *rawrecord.RawEventRecord, sz int) {
	re.numExecveRecords++
	entry := recordEntry{typeName: rec.RecordType, fields: rec.Fields}

	if re.numExecveRecords == 1 {
		re.size += sz
		re.execveSize += sz
		re.records = append(re.records, entry)
		return
	}

	if sz+re.size > MaxEventSize || sz+re.execveSize > MaxExecveAccumSize || re.numExecveRecords > MaxNumExecveRecords {
		re.dropCount["EXECVE"]++
		idx := 0
		if len(re.execveFragments) > NumExecveRHPreserve {
			idx = len(re.execveFragments) - NumExecveRHPreserve - 1
		}
		victim := re.execveFragments[idx]
		vsz := recordSizeOfEntry(victim)
		re.size -= vsz
		re.execveSize -= vsz
		re.execveFragments = append(re.execveFragments[:idx], re.execveFragments[idx+1:]...)
	}
	re.size += sz
	re.execveSize += sz
	re.execveFragments = append(re.execveFragments, entry)
}

var argIndexPattern = regexp.MustCompile(`^a(\d+)(?:_len|\[\d+\])?$`)

// minArgIndex returns the lowest aN argument index named in entry's
// fields, or -1 if it carries none.
func minArgIndex(entry recordEntry) int {
	best := -1
	for _, f := range entry.fields {
		m := argIndexPattern.FindStringSubmatch(f.Key)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if best == -1 || n < best {
			best = n
		}
	}
	return best
}

// orderedExecve returns the surviving follow-on EXECVE fragments sorted
// ascending by argument index, overriding the kernel's raw arrival order
// per the redesigned ordering requirement. Fragments carrying no aN
// field keep their relative arrival position, sorting as index -1.
func (re *rawEvent) orderedExecve() []recordEntry {
	out := make([]recordEntry, len(re.execveFragments))
	copy(out, re.execveFragments)
	idx := make([]int, len(out))
	for i, e := range out {
		idx[i] = minArgIndex(e)
	}
	// stable insertion sort: N is bounded by MaxNumExecveRecords
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && idx[j-1] > idx[j] {
			out[j-1], out[j] = out[j], out[j-1]
			idx[j-1], idx[j] = idx[j], idx[j-1]
			j--
		}
	}
	return out
}

// build assembles the final immutable Event: the SYSCALL record first
// (if any), then every other record in arrival order — with the
// follow-on EXECVE fragments spliced in immediately after the anchor
// EXECVE record — and finally a synthetic AUOMS_DROPPED_RECORDS trailer
// if anything was dropped. Grounded on RawEvent::AddEvent.
func (re *rawEvent) build(b *event.Builder) (event.Event, error) {
	if len(re.records) == 0 && len(re.dropCount) == 0 {
		return event.Event{}, nil
	}

	numRecords := len(re.records) + len(re.execveFragments)
	if len(re.dropCount) > 0 {
		numRecords++
	}

	if err := b.BeginEvent(re.id.Sec, re.id.Msec, re.id.Serial, numRecords); err != nil {
		return event.Event{}, err
	}

	write := func(e recordEntry) error {
		if err := b.BeginRecord(0, e.typeName, "", false, len(e.fields)); err != nil {
			return err
		}
		for _, f := range e.fields {
			if err := b.AddField(f.Key, f.Value, false, "", event.FieldTypeUnclassified); err != nil {
				return err
			}
		}
		return b.EndRecord()
	}

	if re.syscallIdx >= 0 {
		if err := write(re.records[re.syscallIdx]); err != nil {
			b.CancelEvent()
			return event.Event{}, err
		}
	}

	execveOrdered := re.orderedExecve()
	for i, e := range re.records {
		if i == re.syscallIdx {
			continue
		}
		if err := write(e); err != nil {
			b.CancelEvent()
			return event.Event{}, err
		}
		if e.typeName == "EXECVE" {
			for _, frag := range execveOrdered {
				if err := write(frag); err != nil {
					b.CancelEvent()
					return event.Event{}, err
				}
			}
		}
	}

	if len(re.dropCount) > 0 {
		keys := make([]string, 0, len(re.dropCount))
		for k := range re.dropCount {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]rawrecord.Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, rawrecord.Field{Key: k, Value: strconv.Itoa(re.dropCount[k])})
		}
		dropped := recordEntry{typeName: event.RecordTypeDroppedRecords, fields: fields}
		if err := write(dropped); err != nil {
			b.CancelEvent()
			return event.Event{}, err
		}
	}

	return b.EndEvent()
}
