package event

import "sort"

type buildState int

const (
	stateIdle buildState = iota
	stateInEvent
	stateInRecord
)

type pendingField struct {
	name   string
	offset uint32
}

type pendingRecord struct {
	offset      int // absolute offset of the record block
	numFields   int
	declOffArr  int // absolute offset of the decl-order offset array
	sortOffArr  int // absolute offset of the sorted-by-name offset array
	fields      []pendingField
}

// Builder assembles one Event at a time from a stream of calls. It is
// reusable across events: a failed or cancelled event leaves it ready
// for the next begin_event.
type Builder struct {
	alloc Allocator
	state buildState

	numRecords     int
	recordsWritten int
	recordIdxOff   int // absolute offset of the record index table
	recordOffsets  []uint32

	cur pendingRecord
}

// NewBuilder returns a Builder that grows its buffer through alloc.
// If alloc is nil, a default size-capped slice allocator is used.
func NewBuilder(alloc Allocator) *Builder {
	if alloc == nil {
		alloc = NewSliceAllocator(MaxEventSize)
	}
	return &Builder{alloc: alloc}
}

// BeginEvent reserves the header and record-index table for an event
// with exactly numRecords record blocks.
func (b *Builder) BeginEvent(sec uint64, msec uint32, serial uint64, numRecords int) error {
	if b.state != stateIdle {
		return ErrSequence
	}
	if numRecords < 0 || numRecords > 0xffff {
		return ErrSequence
	}
	b.alloc.Reset()
	if _, err := b.alloc.Grow(headerSize); err != nil {
		return err
	}
	idxOff, err := b.alloc.Grow(numRecords * 4)
	if err != nil {
		b.alloc.Reset()
		return err
	}
	buf := b.alloc.Bytes()
	putU32(buf, offTotalSize, 0) // placeholder, patched at EndEvent
	buf[offVersion] = headerVersion
	putU64(buf, offSec, sec)
	putU32(buf, offMsec, msec)
	putU64(buf, offSerial, serial)
	putU32(buf, offFlags, 0)
	putU32(buf, offPid, 0)
	putU16(buf, offNumRec, uint16(numRecords))

	b.state = stateInEvent
	b.numRecords = numRecords
	b.recordsWritten = 0
	b.recordIdxOff = idxOff
	b.recordOffsets = make([]uint32, 0, numRecords)
	return nil
}

// SetEventFlags ORs additional bits into the event's flag word.
func (b *Builder) SetEventFlags(flags uint32) error {
	if b.state == stateIdle {
		return ErrNoActiveBuild
	}
	buf := b.alloc.Bytes()
	cur := getU32(buf, offFlags)
	putU32(buf, offFlags, cur|flags)
	return nil
}

// SetEventPid sets the originating pid field of the event header.
func (b *Builder) SetEventPid(pid int32) error {
	if b.state == stateIdle {
		return ErrNoActiveBuild
	}
	putU32(b.alloc.Bytes(), offPid, uint32(pid))
	return nil
}

// BeginRecord opens a record block. Exactly numFields AddField calls
// must follow before EndRecord.
func (b *Builder) BeginRecord(typeCode uint32, typeName string, rawText string, hasRawText bool, numFields int) error {
	if b.state != stateInEvent {
		return ErrSequence
	}
	if b.recordsWritten >= b.numRecords {
		return ErrSequence
	}
	if numFields < 0 || numFields > 0xffff {
		return ErrSequence
	}
	recOff, err := b.alloc.Grow(0)
	if err != nil {
		return err
	}
	if err := b.appendU32(typeCode); err != nil {
		return err
	}
	if err := b.appendString16(typeName); err != nil {
		return err
	}
	hasText := byte(0)
	if hasRawText {
		hasText = 1
	}
	if _, err := b.growAppend([]byte{hasText}); err != nil {
		return err
	}
	if hasRawText {
		if err := b.appendString32(rawText); err != nil {
			return err
		}
	}
	if err := b.appendU16(uint16(numFields)); err != nil {
		return err
	}
	declArr, err := b.alloc.Grow(numFields * 4)
	if err != nil {
		return err
	}
	sortArr, err := b.alloc.Grow(numFields * 4)
	if err != nil {
		return err
	}

	b.cur = pendingRecord{
		offset:     recOff,
		numFields:  numFields,
		declOffArr: declArr,
		sortOffArr: sortArr,
		fields:     make([]pendingField, 0, numFields),
	}
	b.state = stateInRecord
	return nil
}

// AddField appends one field to the currently open record. hasInterp
// controls whether interpValue is meaningful.
func (b *Builder) AddField(name, rawValue string, hasInterp bool, interpValue string, ft FieldType) error {
	if b.state != stateInRecord {
		return ErrSequence
	}
	if len(b.cur.fields) >= b.cur.numFields {
		return ErrSequence
	}
	fieldOff, err := b.alloc.Grow(0)
	if err != nil {
		return err
	}
	if err := b.appendString16(name); err != nil {
		return err
	}
	if _, err := b.growAppend([]byte{byte(ft)}); err != nil {
		return err
	}
	if err := b.appendString32(rawValue); err != nil {
		return err
	}
	hi := byte(0)
	if hasInterp {
		hi = 1
	}
	if _, err := b.growAppend([]byte{hi}); err != nil {
		return err
	}
	if hasInterp {
		if err := b.appendString32(interpValue); err != nil {
			return err
		}
	}
	buf := b.alloc.Bytes()
	putU32(buf, b.cur.declOffArr+len(b.cur.fields)*4, uint32(fieldOff))
	b.cur.fields = append(b.cur.fields, pendingField{name: name, offset: uint32(fieldOff)})
	return nil
}

// EndRecord closes the current record, writing the sorted-by-name index.
// Duplicate field names keep first-in-declaration-order as the
// field_by_name winner, which falls out of a stable sort.
func (b *Builder) EndRecord() error {
	if b.state != stateInRecord {
		return ErrSequence
	}
	if len(b.cur.fields) != b.cur.numFields {
		return ErrSequence
	}
	sorted := make([]pendingField, len(b.cur.fields))
	copy(sorted, b.cur.fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	buf := b.alloc.Bytes()
	for i, f := range sorted {
		putU32(buf, b.cur.sortOffArr+i*4, f.offset)
	}
	b.recordOffsets = append(b.recordOffsets, uint32(b.cur.offset))
	b.recordsWritten++
	b.cur = pendingRecord{}
	b.state = stateInEvent
	return nil
}

// EndEvent commits the event: the record-index table is finalized, the
// total size is patched into the header, and an immutable Event is
// returned. The Builder is reset and ready for the next BeginEvent.
func (b *Builder) EndEvent() (Event, error) {
	if b.state != stateInEvent {
		return Event{}, ErrSequence
	}
	if b.recordsWritten != b.numRecords {
		return Event{}, ErrSequence
	}
	buf := b.alloc.Bytes()
	for i, off := range b.recordOffsets {
		putU32(buf, b.recordIdxOff+i*4, off)
	}
	total := len(buf)
	if total > MaxEventSize {
		b.reset()
		return Event{}, ErrSizeExceeded
	}
	putU32(buf, offTotalSize, uint32(total))

	out := make([]byte, total)
	copy(out, buf)
	b.reset()
	return Event{buf: out}, nil
}

// CancelEvent discards the in-progress event and returns the Builder to idle.
func (b *Builder) CancelEvent() {
	b.reset()
}

func (b *Builder) reset() {
	b.alloc.Reset()
	b.state = stateIdle
	b.numRecords = 0
	b.recordsWritten = 0
	b.recordOffsets = nil
	b.cur = pendingRecord{}
}

func (b *Builder) growAppend(p []byte) (int, error) {
	off, err := b.alloc.Grow(len(p))
	if err != nil {
		return 0, err
	}
	copy(b.alloc.Bytes()[off:], p)
	return off, nil
}

func (b *Builder) appendU32(v uint32) error {
	off, err := b.alloc.Grow(4)
	if err != nil {
		return err
	}
	putU32(b.alloc.Bytes(), off, v)
	return nil
}

func (b *Builder) appendU16(v uint16) error {
	off, err := b.alloc.Grow(2)
	if err != nil {
		return err
	}
	putU16(b.alloc.Bytes(), off, v)
	return nil
}

// appendString16 writes a u16 length prefix followed by the bytes of s.
func (b *Builder) appendString16(s string) error {
	if len(s) > 0xffff {
		return ErrSizeExceeded
	}
	if err := b.appendU16(uint16(len(s))); err != nil {
		return err
	}
	_, err := b.growAppend([]byte(s))
	return err
}

// appendString32 writes a u32 length prefix followed by the bytes of s.
func (b *Builder) appendString32(s string) error {
	if err := b.appendU32(uint32(len(s))); err != nil {
		return err
	}
	_, err := b.growAppend([]byte(s))
	return err
}
