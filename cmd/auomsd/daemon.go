// daemon.go wires the components built elsewhere in this module into
// one running pipeline: input listener -> accumulator -> enricher ->
// aggregator -> priority queue -> output workers, plus the background
// tickers (accumulator flush, aggregate drain, process inventory,
// metrics poll) that keep it moving without a caller pumping it.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"auoms.dev/auomsd/accumulator"
	"auoms.dev/auomsd/aggregate"
	"auoms.dev/auomsd/config"
	"auoms.dev/auomsd/enrich"
	"auoms.dev/auomsd/event"
	"auoms.dev/auomsd/input"
	"auoms.dev/auomsd/logging"
	"auoms.dev/auomsd/metrics"
	"auoms.dev/auomsd/output"
	"auoms.dev/auomsd/queue"
	"auoms.dev/auomsd/rawrecord"
)

// putDeadline bounds how long a pipeline-side Put blocks a band that's
// at capacity before the event is counted dropped, per spec.md §4.5's
// "back-pressure... put blocks up to a caller-supplied deadline".
const putDeadline = 2 * time.Second

// daemon holds every long-lived component and the state needed to stop
// them cleanly.
type daemon struct {
	cfg    config.Config
	logger *logrus.Logger
	errlog *logging.RateLimiter

	metrics  *metrics.Sink
	q        *queue.Queue
	enr      *enrich.Enricher
	agg      *aggregate.Aggregator
	accum    *accumulator.Accumulator
	listener *input.Listener
	workers  []*output.Worker

	inventory struct {
		mu    sync.Mutex
		procs []enrich.ProcessInfo
	}
	inventorySerial atomic.Uint64
	invBuilder      *event.Builder
}

// newDaemon constructs every component but starts nothing.
func newDaemon(cfg config.Config, logger *logrus.Logger, reg prometheus.Registerer) (*daemon, error) {
	d := &daemon{
		cfg:        cfg,
		logger:     logger,
		errlog:     logging.NewRateLimiter(10*time.Second, 1),
		metrics:    metrics.New(reg),
		enr:        enrich.New(enrich.OSResolver{}),
		invBuilder: event.NewBuilder(nil),
	}

	q, err := queue.Open(cfg.QueueDir, cfg.QueueBands, cfg.QueueBandCapacity, queue.WithClock(clockwork.NewRealClock()))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	d.q = q
	for _, o := range cfg.Outputs {
		if err := q.RegisterConsumer(o.Name); err != nil {
			return nil, fmt.Errorf("register consumer %q: %w", o.Name, err)
		}
	}

	rules, err := loadRules(cfg.AggregationRulesPath)
	if err != nil {
		return nil, fmt.Errorf("load aggregation rules: %w", err)
	}
	agg, err := loadOrNewAggregator(cfg.AggregationStatePath, rules, d.enqueueBestEffort)
	if err != nil {
		return nil, fmt.Errorf("init aggregator: %w", err)
	}
	d.agg = agg

	d.accum = accumulator.New(d.handleAssembledEvent,
		accumulator.WithMetrics(d.metrics),
		accumulator.WithClock(clockwork.NewRealClock()),
	)

	d.listener = input.New(
		input.Config{Path: cfg.InputSocketPath, Mode: os.FileMode(cfg.InputSocketMode)},
		d.handleRawRecord,
		d.handleParseError,
	)

	return d, nil
}

// loadRules reads the configured rule file, treating a missing file as
// "no aggregation rules configured" rather than a startup error: a
// fresh install has nothing to aggregate yet.
func loadRules(path string) ([]aggregate.Rule, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return aggregate.LoadRulesFromFile(path)
}

// loadOrNewAggregator resumes from a save file if one exists, otherwise
// starts fresh, in both cases wiring firstSink as the send_first path.
func loadOrNewAggregator(statePath string, rules []aggregate.Rule, firstSink aggregate.FirstEventSink) (*aggregate.Aggregator, error) {
	opts := []aggregate.Option{
		aggregate.WithClock(clockwork.NewRealClock()),
		aggregate.WithFirstEventSink(firstSink),
	}
	if statePath != "" {
		if _, err := os.Stat(statePath); err == nil {
			return aggregate.Load(statePath, rules, opts...)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return aggregate.New(rules, opts...)
}

// handleRawRecord is the input.Sink: fold one parsed line into the
// accumulator. A non-nil return here only ever reflects a hard
// accumulator failure (e.g. a builder error), not a routine parse
// issue — those are reported through handleParseError instead.
func (d *daemon) handleRawRecord(rec *rawrecord.RawEventRecord) error {
	_, err := d.accum.AddRecord(rec)
	return err
}

func (d *daemon) handleParseError(line string, err error) {
	if d.errlog.Allow("parse_error") {
		d.logger.WithError(err).WithField("line", truncateForLog(line)).
			Warn("input: discarding unparseable record line")
	}
}

func truncateForLog(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// handleAssembledEvent is the accumulator's EmitFunc: enrich, then try
// aggregation, then (if the event didn't match any rule) enqueue it
// directly for delivery.
func (d *daemon) handleAssembledEvent(ev event.Event) error {
	consolidated, err := d.enr.Consolidate(ev)
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	matched, err := d.agg.AddEvent(consolidated)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if matched {
		return nil
	}
	return d.enqueue(consolidated)
}

// enqueueBestEffort adapts enqueue to aggregate.FirstEventSink's
// no-error signature: a send_first delivery failure is logged, not
// fatal, since the aggregate itself still holds the event and will
// reach the consumer later via the normal summary path.
func (d *daemon) enqueueBestEffort(ev event.Event) {
	if err := d.enqueue(ev); err != nil {
		if d.errlog.Allow("send_first_enqueue") {
			d.logger.WithError(err).Warn("aggregate: send_first enqueue failed")
		}
	}
}

// enqueue assigns a priority band and appends ev's bytes to the queue.
func (d *daemon) enqueue(ev event.Event) error {
	band := classifyBand(ev, d.q.Bands())
	deadline := time.Now().Add(putDeadline)
	err := d.q.Put(band, ev.Id(), ev.Bytes(), deadline)
	if err != nil {
		d.metrics.AddDroppedEvents(1)
	}
	return err
}

// classifyBand assigns a priority band to ev: synthesized bookkeeping
// events (process inventory, aggregate summaries) get the lowest
// priority band, everything else (consolidated syscall/execve events
// and any raw single-record passthrough) gets the highest. With a
// single configured band everything naturally collapses onto band 0.
func classifyBand(ev event.Event, bands int) int {
	if bands <= 1 {
		return 0
	}
	if ev.Flags()&event.FlagIsAuomsEvent != 0 {
		if recs, err := ev.Records(); err == nil && len(recs) == 1 {
			switch recs[0].TypeName() {
			case event.RecordTypeAggregate, event.RecordTypeProcessInventory:
				return bands - 1
			}
		}
	}
	return 0
}

// Run starts every background goroutine and blocks until ctx is
// canceled or a component fails irrecoverably.
func (d *daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.listener.Run(gctx) })
	g.Go(func() error { return d.runFlushLoop(gctx) })
	g.Go(func() error { return d.runAggregateDrainLoop(gctx) })
	g.Go(func() error { return d.runInventoryFetchLoop(gctx) })
	g.Go(func() error { return d.runInventoryEmitLoop(gctx) })
	g.Go(func() error { return d.runMetricsPollLoop(gctx) })

	d.workers = make([]*output.Worker, len(d.cfg.Outputs))
	for i, oc := range d.cfg.Outputs {
		d.workers[i] = d.newOutputWorker(oc)
	}
	for i := range d.workers {
		w := d.workers[i]
		g.Go(func() error { return w.Run(gctx) })
	}

	err := g.Wait()
	d.shutdown()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (d *daemon) newOutputWorker(oc config.OutputConfig) *output.Worker {
	dialer := func(ctx context.Context) (net.Conn, error) {
		return input.DialUnix(ctx, oc.SocketPath)
	}
	cfg := output.Config{
		Consumer:            oc.Name,
		AckMode:             oc.AckMode,
		AckTimeout:          oc.AckTimeout(),
		WriteTimeout:        oc.WriteTimeout(),
		AckQueueSize:        oc.AckQueueSize,
		ReconnectMinBackoff: oc.ReconnectMinBackoff(),
		ReconnectMaxBackoff: oc.ReconnectMaxBackoff(),
		Logger:              d.logger.WithField("output", oc.Name),
	}
	return output.New(dialer, d.q, cfg)
}

func (d *daemon) runFlushLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.AccumulatorFlushInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.accum.Flush(d.cfg.AccumulatorFlushMaxAge())
		}
	}
}

// runAggregateDrainLoop repeatedly drains ready aggregates into the
// queue. When nothing is ready it backs off briefly rather than
// busy-polling the aggregator's lock.
func (d *daemon) runAggregateDrainLoop(ctx context.Context) error {
	const idleBackoff = 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		invoked, _, consumed, err := d.agg.HandleEvent(func(ev event.Event) (int64, bool) {
			if err := d.enqueue(ev); err != nil {
				return 0, false
			}
			return 0, true
		})
		if err != nil {
			if d.errlog.Allow("aggregate_drain") {
				d.logger.WithError(err).Warn("aggregate: failed building summary event")
			}
			continue
		}
		if !invoked || !consumed {
			if !sleepCtx(ctx, idleBackoff) {
				return ctx.Err()
			}
		}
	}
}

func (d *daemon) runInventoryFetchLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.ProcessInventoryFetchIntervalSeconds) * time.Second
	if interval <= 0 {
		return nil
	}
	d.fetchInventory()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.fetchInventory()
		}
	}
}

func (d *daemon) fetchInventory() {
	procs, err := enrich.WalkProcesses("/proc")
	if err != nil {
		if d.errlog.Allow("inventory_fetch") {
			d.logger.WithError(err).Warn("enrich: process inventory walk failed")
		}
		return
	}
	d.inventory.mu.Lock()
	d.inventory.procs = procs
	d.inventory.mu.Unlock()
}

func (d *daemon) runInventoryEmitLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.ProcessInventoryEventIntervalSeconds) * time.Second
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.emitInventory()
		}
	}
}

func (d *daemon) emitInventory() {
	d.inventory.mu.Lock()
	procs := make([]enrich.ProcessInfo, len(d.inventory.procs))
	copy(procs, d.inventory.procs)
	d.inventory.mu.Unlock()

	now := time.Now()
	sec := uint64(now.Unix())
	msec := uint32(now.Nanosecond() / 1_000_000)
	for _, p := range procs {
		serial := d.inventorySerial.Add(1)
		ev, err := enrich.BuildInventoryEvent(d.invBuilder, sec, msec, serial, p)
		if err != nil {
			if d.errlog.Allow("inventory_build") {
				d.logger.WithError(err).Warn("enrich: building process inventory event failed")
			}
			continue
		}
		if err := d.enqueue(ev); err != nil {
			if d.errlog.Allow("inventory_enqueue") {
				d.logger.WithError(err).Warn("enrich: enqueuing process inventory event failed")
			}
		}
	}
}

func (d *daemon) runMetricsPollLoop(ctx context.Context) error {
	const interval = 5 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pollMetrics()
		}
	}
}

func (d *daemon) pollMetrics() {
	for band := 0; band < d.q.Bands(); band++ {
		if depth, err := d.q.BandDepth(band); err == nil {
			d.metrics.SetQueueDepth(band, depth)
		}
	}
	d.metrics.SetAggregatePending("all", d.agg.Pending())
	d.metrics.SetAggregateReady(d.agg.ReadyLen())
	for _, w := range d.workers {
		d.metrics.SetOutputInFlight(w.Name(), w.InFlightCount())
	}
}

// shutdown flushes and persists every stateful component, best-effort,
// logging but not failing on individual errors since the process is
// already on its way out.
func (d *daemon) shutdown() {
	_ = d.listener.Close()
	d.accum.Flush(0)
	if d.cfg.AggregationStatePath != "" {
		if err := d.agg.Save(d.cfg.AggregationStatePath); err != nil {
			d.logger.WithError(err).Error("aggregate: save on shutdown failed")
		}
	}
	if err := d.q.Close(); err != nil {
		d.logger.WithError(err).Error("queue: close on shutdown failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
