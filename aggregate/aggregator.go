package aggregate

import (
	"container/heap"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"auoms.dev/auomsd/event"
)

// aggregatedEvent is one open or ready aggregation (spec.md §3
// AggregatedEvent). Rather than the C++ source's arena of
// (offset,len) views into an owned byte buffer, values are held as
// plain Go strings — an idiomatic simplification that preserves every
// observable invariant (count, array lengths, byte-equality of keys)
// without the aliasing hazards the views exist to avoid in the first
// place. See DESIGN.md.
type aggregatedEvent struct {
	id         uint64
	ruleIdx    int
	expiration time.Time
	firstEvent event.EventId
	lastEvent  event.EventId
	count      int

	originEvent  event.Event
	originRecord event.Record

	aggKey []byte

	eventTimes []event.EventId
	aggValues  [][]string // parallel to rule.AggregationFields

	dataSize int

	heapIndex int
}

type perRuleAgg struct {
	open      map[string]*aggregatedEvent // keyed by string(aggKey)
	openByAge []*aggregatedEvent          // creation order == age order (max_time is fixed per rule)
}

// ageHeap is the global `aged_events` expiration view: a min-heap over
// (expiration, id), letting HandleEvent cheaply find and drain every
// aggregate whose deadline has passed (AddEvent does not consult it).
type ageHeap []*aggregatedEvent

func (h ageHeap) Len() int { return len(h) }
func (h ageHeap) Less(i, j int) bool {
	if h[i].expiration.Equal(h[j].expiration) {
		return h[i].id < h[j].id
	}
	return h[i].expiration.Before(h[j].expiration)
}
func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *ageHeap) Push(x any) {
	ae := x.(*aggregatedEvent)
	ae.heapIndex = len(*h)
	*h = append(*h, ae)
}
func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	ae := old[n-1]
	old[n-1] = nil
	ae.heapIndex = -1
	*h = old[:n-1]
	return ae
}

// SummaryFunc is the caller-supplied consumer invoked by HandleEvent.
type SummaryFunc func(event.Event) (result int64, consumed bool)

// FirstEventSink receives the triggering event of a newly opened
// aggregate, for rules with SendFirst set. It is called synchronously
// from AddEvent, under the Aggregator's lock, so it must not call back
// into the Aggregator.
type FirstEventSink func(event.Event)

// Aggregator implements component D: grouping single-record events
// sharing non-aggregated field values into bounded summary events.
type Aggregator struct {
	mu sync.Mutex

	rules   []Rule
	matcher *Matcher
	perRule []*perRuleAgg

	agedHeap ageHeap
	ready    []*aggregatedEvent

	nextID  uint64
	clock   clockwork.Clock
	builder *event.Builder

	firstSink FirstEventSink

	// epoch identifies this in-memory Aggregator instance across a
	// process restart, tagged into the persistence file on Save (§4.4.8).
	epoch uuid.UUID

	// loadedFromEpoch is the epoch tag read back from a save file by
	// Load, if any; purely advisory (it does not gate load success).
	loadedFromEpoch    uuid.UUID
	hasLoadedFromEpoch bool
}

type Option func(*Aggregator)

func WithClock(c clockwork.Clock) Option { return func(a *Aggregator) { a.clock = c } }

// WithFirstEventSink installs the callback invoked for each newly opened
// aggregate whose rule has SendFirst set (spec.md §4.4's send_first
// Open Question, resolved as an additive, default-off pass-through).
func WithFirstEventSink(fn FirstEventSink) Option {
	return func(a *Aggregator) { a.firstSink = fn }
}

// New compiles rules and returns a ready Aggregator.
func New(rules []Rule, opts ...Option) (*Aggregator, error) {
	m, err := Compile(rules)
	if err != nil {
		return nil, err
	}
	a := &Aggregator{
		rules:   rules,
		matcher: m,
		clock:   clockwork.NewRealClock(),
		builder: event.NewBuilder(nil),
		epoch:   uuid.New(),
	}
	a.perRule = make([]*perRuleAgg, len(rules))
	for i := range a.perRule {
		a.perRule[i] = &perRuleAgg{open: map[string]*aggregatedEvent{}}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AddEvent feeds one candidate event through the matcher and the
// aggregation state machine. It reports whether the event matched any
// rule; non-matches (including multi-record events) pass through
// unaffected and the caller is expected to forward ev itself.
func (a *Aggregator) AddEvent(ev event.Event) (bool, error) {
	if ev.NumRecords() != 1 {
		return false, nil
	}
	rec, err := ev.Record(0)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ruleIdx, err := a.matcher.Match(rec)
	if err != nil {
		return false, err
	}
	if ruleIdx < 0 {
		return false, nil
	}
	rule := &a.rules[ruleIdx]

	fields, err := nonAggregatedFields(rec, rule)
	if err != nil {
		return false, err
	}
	key := computeKey(fields)
	now := a.clock.Now()

	// Expiration-driven OPEN→READY transitions happen only via the aged
	// index (HandleEvent's first-advance step), not inline here: an
	// aggregate keeps accepting matches for its full max_time window
	// regardless of how many AddEvent calls land inside it.
	pr := a.perRule[ruleIdx]
	if existing, ok := pr.open[string(key)]; ok {
		if a.wouldExceedSize(existing, rule, rec) {
			a.transitionReady(pr, existing)
			a.openNew(ruleIdx, rule, ev, rec, key, now)
			return true, nil
		}
		a.appendMatch(existing, rule, ev, rec, now)
		if existing.count >= rule.MaxCount {
			a.transitionReady(pr, existing)
		}
		return true, nil
	}

	if len(pr.open) >= rule.MaxPending && len(pr.openByAge) > 0 {
		a.transitionReady(pr, pr.openByAge[0])
	}
	a.openNew(ruleIdx, rule, ev, rec, key, now)
	return true, nil
}

func (a *Aggregator) openNew(ruleIdx int, rule *Rule, ev event.Event, rec event.Record, key []byte, now time.Time) {
	buf := make([]byte, len(ev.Bytes()))
	copy(buf, ev.Bytes())
	origin, err := event.Parse(buf)
	if err != nil {
		// ev was already a valid Event; Parse of its own bytes cannot fail.
		panic(err)
	}
	originRec, err := origin.Record(0)
	if err != nil {
		panic(err)
	}
	a.nextID++
	ae := &aggregatedEvent{
		id:           a.nextID,
		ruleIdx:      ruleIdx,
		expiration:   now.Add(rule.MaxTime),
		originEvent:  origin,
		originRecord: originRec,
		aggKey:       key,
		aggValues:    make([][]string, len(rule.AggregationFields)),
		heapIndex:    -1,
	}
	a.appendMatch(ae, rule, ev, rec, now)

	pr := a.perRule[ruleIdx]
	pr.open[string(key)] = ae
	pr.openByAge = append(pr.openByAge, ae)
	heap.Push(&a.agedHeap, ae)

	if rule.SendFirst && a.firstSink != nil {
		a.firstSink(origin)
	}
}

func (a *Aggregator) appendMatch(ae *aggregatedEvent, rule *Rule, ev event.Event, rec event.Record, now time.Time) {
	if ae.count == 0 {
		ae.firstEvent = ev.Id()
	}
	ae.lastEvent = ev.Id()
	ae.count++
	ae.eventTimes = append(ae.eventTimes, ev.Id())
	for i, af := range rule.AggregationFields {
		v := aggregationFieldValue(rec, af)
		ae.aggValues[i] = append(ae.aggValues[i], v)
		if af.Mode != ModeDrop {
			ae.dataSize += len(v)
		}
	}
}

func (a *Aggregator) wouldExceedSize(ae *aggregatedEvent, rule *Rule, rec event.Record) bool {
	next := 0
	for _, af := range rule.AggregationFields {
		if af.Mode == ModeDrop {
			continue
		}
		next += len(aggregationFieldValue(rec, af))
	}
	return ae.dataSize+next > rule.MaxSize
}

func aggregationFieldValue(rec event.Record, af AggregationField) string {
	f, ok, err := rec.FieldByName(af.Name)
	if err != nil || !ok {
		return ""
	}
	switch af.Mode {
	case ModeInterp:
		interp, has := f.Interp()
		if !has {
			return ""
		}
		return interp
	case ModeDynamic:
		if interp, has := f.Interp(); has && interp != "" {
			return interp
		}
		return f.Raw()
	case ModeDrop:
		return ""
	default: // ModeRaw, ModeNormal
		return f.Raw()
	}
}

// transitionReady moves ae from OPEN into the ready_queue, removing it
// from its rule's open set, its rule's age-ordered slice, and the
// global expiration heap.
func (a *Aggregator) transitionReady(pr *perRuleAgg, ae *aggregatedEvent) {
	delete(pr.open, string(ae.aggKey))
	for i, e := range pr.openByAge {
		if e == ae {
			pr.openByAge = append(pr.openByAge[:i], pr.openByAge[i+1:]...)
			break
		}
	}
	if ae.heapIndex >= 0 {
		heap.Remove(&a.agedHeap, ae.heapIndex)
	}
	a.ready = append(a.ready, ae)
}

// advanceExpired moves every aggregate whose expiration is strictly
// before now (spec.md §4.4.3: "expiration_time < now") from OPEN into
// ready_queue, oldest first.
func (a *Aggregator) advanceExpired(now time.Time) {
	for a.agedHeap.Len() > 0 {
		ae := a.agedHeap[0]
		if !ae.expiration.Before(now) {
			return
		}
		pr := a.perRule[ae.ruleIdx]
		a.transitionReady(pr, ae)
	}
}

// HandleEvent implements the handle_event contract of spec.md §4.4.7.
func (a *Aggregator) HandleEvent(fn SummaryFunc) (invoked bool, result int64, consumed bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.advanceExpired(a.clock.Now())
	if len(a.ready) == 0 {
		return false, 0, false, nil
	}
	ae := a.ready[0]
	rule := &a.rules[ae.ruleIdx]
	summary, buildErr := a.buildSummary(ae, rule)
	if buildErr != nil {
		return false, 0, false, buildErr
	}
	res, didConsume := fn(summary)
	if didConsume {
		a.ready = a.ready[1:]
	}
	return true, res, didConsume, nil
}

// Epoch identifies this Aggregator instance, tagged into any save file
// it writes. Two Aggregators loaded from the same save file start with
// different epochs; comparing a save file's recorded epoch against a
// running instance's Epoch() tells an operator whether a given save
// file was produced by the current process lifetime or an earlier one.
func (a *Aggregator) Epoch() uuid.UUID { return a.epoch }

// LoadedFromEpoch returns the epoch tag recorded in the save file this
// Aggregator was restored from, if it was built via Load.
func (a *Aggregator) LoadedFromEpoch() (uuid.UUID, bool) {
	return a.loadedFromEpoch, a.hasLoadedFromEpoch
}

// Pending reports the number of OPEN aggregates across all rules, for metrics.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, pr := range a.perRule {
		n += len(pr.open)
	}
	return n
}

// ReadyLen reports the number of aggregates awaiting emission.
func (a *Aggregator) ReadyLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ready)
}

func formatEventTime(id event.EventId) string {
	return strconv.FormatUint(id.Sec, 10) + "." + pad3(id.Msec)
}

func pad3(v uint32) string {
	s := strconv.FormatUint(uint64(v), 10)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

func deltaMillis(first, id event.EventId) int64 {
	return (int64(id.Sec)-int64(first.Sec))*1000 + (int64(id.Msec) - int64(first.Msec))
}

// buildSummary constructs the AUOMS_AGGREGATE record per spec.md §4.4.6.
func (a *Aggregator) buildSummary(ae *aggregatedEvent, rule *Rule) (event.Event, error) {
	type kv struct{ name, val string }
	var fields []kv
	add := func(name, val string) { fields = append(fields, kv{name, val}) }

	add("original_record_type_code", strconv.FormatUint(uint64(ae.originRecord.TypeCode()), 10))
	add("original_record_type", ae.originRecord.TypeName())
	add("first_event_time", formatEventTime(ae.firstEvent))
	add("last_event_time", formatEventTime(ae.lastEvent))
	if rule.SerialFieldMode == TimeDelta {
		add("first_serial", strconv.FormatUint(ae.firstEvent.Serial, 10))
	}
	add("num_aggregated_events", strconv.Itoa(ae.count))

	nonAgg, err := nonAggregatedFields(ae.originRecord, rule)
	if err != nil {
		return event.Event{}, err
	}
	for _, f := range nonAgg {
		add(f.Name(), f.Raw())
	}

	if rule.TimeFieldMode != TimeDrop {
		times := make([]string, len(ae.eventTimes))
		for i, id := range ae.eventTimes {
			if rule.TimeFieldMode == TimeDelta {
				times[i] = strconv.FormatInt(deltaMillis(ae.firstEvent, id), 10)
			} else {
				times[i] = formatEventTime(id)
			}
		}
		b, _ := json.Marshal(times)
		add("event_times", string(b))
	}
	if rule.SerialFieldMode != TimeDrop {
		serials := make([]string, len(ae.eventTimes))
		for i, id := range ae.eventTimes {
			if rule.SerialFieldMode == TimeDelta {
				serials[i] = strconv.FormatInt(int64(id.Serial)-int64(ae.firstEvent.Serial), 10)
			} else {
				serials[i] = strconv.FormatUint(id.Serial, 10)
			}
		}
		b, _ := json.Marshal(serials)
		add("serials", string(b))
	}
	for i, af := range rule.AggregationFields {
		if af.Mode == ModeDrop {
			continue
		}
		b, _ := json.Marshal(ae.aggValues[i])
		add(af.OutputName, string(b))
	}

	if err := a.builder.BeginEvent(ae.lastEvent.Sec, ae.lastEvent.Msec, ae.lastEvent.Serial, 1); err != nil {
		return event.Event{}, err
	}
	if err := a.builder.SetEventFlags(event.FlagIsAuomsEvent); err != nil {
		a.builder.CancelEvent()
		return event.Event{}, err
	}
	if err := a.builder.BeginRecord(0, event.RecordTypeAggregate, "", false, len(fields)); err != nil {
		a.builder.CancelEvent()
		return event.Event{}, err
	}
	for _, f := range fields {
		if err := a.builder.AddField(f.name, f.val, false, "", event.FieldTypeUnclassified); err != nil {
			a.builder.CancelEvent()
			return event.Event{}, err
		}
	}
	if err := a.builder.EndRecord(); err != nil {
		a.builder.CancelEvent()
		return event.Event{}, err
	}
	return a.builder.EndEvent()
}

// SetRules installs a new rule set. Open aggregates whose rule (by JSON
// identity) survives unchanged are re-indexed under the new ordering;
// the rest are moved wholesale to ready_queue, per spec.md §4.4.8.
func (a *Aggregator) SetRules(rules []Rule) error {
	m, err := Compile(rules)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	oldJSON := make([]string, len(a.rules))
	for i := range a.rules {
		b, _ := json.Marshal(a.rules[i])
		oldJSON[i] = string(b)
	}
	newIndexByJSON := make(map[string]int, len(rules))
	for i := range rules {
		b, _ := json.Marshal(rules[i])
		newIndexByJSON[string(b)] = i
	}

	var allOpen []*aggregatedEvent
	for _, pr := range a.perRule {
		allOpen = append(allOpen, pr.openByAge...)
	}

	a.rules = rules
	a.matcher = m
	a.perRule = make([]*perRuleAgg, len(rules))
	for i := range a.perRule {
		a.perRule[i] = &perRuleAgg{open: map[string]*aggregatedEvent{}}
	}
	a.agedHeap = nil

	for _, ae := range allOpen {
		if newIdx, ok := newIndexByJSON[oldJSON[ae.ruleIdx]]; ok {
			ae.ruleIdx = newIdx
			ae.heapIndex = -1
			pr := a.perRule[newIdx]
			pr.open[string(ae.aggKey)] = ae
			pr.openByAge = append(pr.openByAge, ae)
			heap.Push(&a.agedHeap, ae)
		} else {
			ae.heapIndex = -1
			a.ready = append(a.ready, ae)
		}
	}
	return nil
}
