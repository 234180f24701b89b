package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"auoms.dev/auomsd/event"
)

func openTestQueue(t *testing.T, bands, capacity int, opts ...Option) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), bands, capacity, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func id(sec uint64) event.EventId {
	return event.EventId{Sec: sec, Msec: 0, Serial: sec}
}

func TestPutPeekAckRoundTrip(t *testing.T) {
	q := openTestQueue(t, 2, 10)
	if err := q.RegisterConsumer("out1"); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	if err := q.Put(0, id(1), []byte("hello"), deadline); err != nil {
		t.Fatalf("Put: %v", err)
	}

	item, ok, err := q.Peek("out1")
	if err != nil || !ok {
		t.Fatalf("Peek: ok=%v err=%v", ok, err)
	}
	if string(item.Payload) != "hello" {
		t.Fatalf("payload = %q", item.Payload)
	}
	if item.EventID != id(1) {
		t.Fatalf("EventID = %+v", item.EventID)
	}

	if err := q.Ack("out1", item.Token); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, ok, err := q.Peek("out1"); err != nil || ok {
		t.Fatalf("expected nothing left, ok=%v err=%v", ok, err)
	}
}

func TestHigherPriorityBandDeliveredFirst(t *testing.T) {
	q := openTestQueue(t, 3, 10)
	if err := q.RegisterConsumer("out1"); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	deadline := time.Now().Add(time.Second)

	if err := q.Put(2, id(1), []byte("low"), deadline); err != nil {
		t.Fatalf("Put low: %v", err)
	}
	if err := q.Put(0, id(2), []byte("high"), deadline); err != nil {
		t.Fatalf("Put high: %v", err)
	}
	if err := q.Put(1, id(3), []byte("mid"), deadline); err != nil {
		t.Fatalf("Put mid: %v", err)
	}

	want := []string{"high", "mid", "low"}
	for _, w := range want {
		item, ok, err := q.Peek("out1")
		if err != nil || !ok {
			t.Fatalf("Peek: ok=%v err=%v", ok, err)
		}
		if string(item.Payload) != w {
			t.Fatalf("got %q, want %q", item.Payload, w)
		}
		if err := q.Ack("out1", item.Token); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestWithinBandEnqueueOrderPreserved(t *testing.T) {
	q := openTestQueue(t, 1, 10)
	if err := q.RegisterConsumer("out1"); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for i := 1; i <= 5; i++ {
		if err := q.Put(0, id(uint64(i)), []byte{byte(i)}, deadline); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	for i := 1; i <= 5; i++ {
		item, ok, err := q.Peek("out1")
		if err != nil || !ok {
			t.Fatalf("Peek %d: ok=%v err=%v", i, ok, err)
		}
		if item.Payload[0] != byte(i) {
			t.Fatalf("item %d payload = %v", i, item.Payload)
		}
		if err := q.Ack("out1", item.Token); err != nil {
			t.Fatalf("Ack %d: %v", i, err)
		}
	}
}

func TestPutReturnsQueueFullPastDeadline(t *testing.T) {
	q := openTestQueue(t, 1, 1)
	past := time.Now().Add(-time.Millisecond)
	if err := q.Put(0, id(1), []byte("a"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := q.Put(0, id(2), []byte("b"), past); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Put 2: got %v, want ErrQueueFull", err)
	}
}

func TestPutUnblocksOnAck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, 1, 1, WithClock(clock))
	if err := q.RegisterConsumer("out1"); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if err := q.Put(0, id(1), []byte("a"), clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Put 1: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var putErr error
	go func() {
		defer wg.Done()
		putErr = q.Put(0, id(2), []byte("b"), clock.Now().Add(time.Minute))
	}()

	clock.BlockUntil(1)

	item, ok, err := q.Peek("out1")
	if err != nil || !ok {
		t.Fatalf("Peek: ok=%v err=%v", ok, err)
	}
	if err := q.Ack("out1", item.Token); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	wg.Wait()
	if putErr != nil {
		t.Fatalf("blocked Put returned error: %v", putErr)
	}
}

func TestPutTimesOutOnFakeClockAdvance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := openTestQueue(t, 1, 1, WithClock(clock))

	if err := q.Put(0, id(1), []byte("a"), clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Put 1: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var putErr error
	deadline := clock.Now().Add(5 * time.Second)
	go func() {
		defer wg.Done()
		putErr = q.Put(0, id(2), []byte("b"), deadline)
	}()

	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)
	wg.Wait()

	if !errors.Is(putErr, ErrQueueFull) {
		t.Fatalf("Put 2 = %v, want ErrQueueFull", putErr)
	}
}

func TestCloseUnblocksWaitersAndRejectsFurtherPuts(t *testing.T) {
	q := openTestQueue(t, 1, 1)
	if err := q.Put(0, id(1), []byte("a"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Put 1: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var putErr error
	go func() {
		defer wg.Done()
		putErr = q.Put(0, id(2), []byte("b"), time.Now().Add(time.Minute))
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if !errors.Is(putErr, ErrClosed) {
		t.Fatalf("blocked Put = %v, want ErrClosed", putErr)
	}
}

func TestCompactionRespectsSlowestConsumer(t *testing.T) {
	q := openTestQueue(t, 1, 10)
	if err := q.RegisterConsumer("fast"); err != nil {
		t.Fatalf("RegisterConsumer fast: %v", err)
	}
	if err := q.RegisterConsumer("slow"); err != nil {
		t.Fatalf("RegisterConsumer slow: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for i := 1; i <= 3; i++ {
		if err := q.Put(0, id(uint64(i)), []byte{byte(i)}, deadline); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		item, ok, err := q.Peek("fast")
		if err != nil || !ok {
			t.Fatalf("fast Peek %d: ok=%v err=%v", i, ok, err)
		}
		if err := q.Ack("fast", item.Token); err != nil {
			t.Fatalf("fast Ack %d: %v", i, err)
		}
	}

	item, ok, err := q.Peek("slow")
	if err != nil || !ok {
		t.Fatalf("slow Peek: ok=%v err=%v", ok, err)
	}
	if item.Payload[0] != byte(1) {
		t.Fatalf("slow's first item = %v, want 1", item.Payload)
	}
	if err := q.Ack("slow", item.Token); err != nil {
		t.Fatalf("slow Ack: %v", err)
	}

	depth, err := q.BandDepth(0)
	if err != nil {
		t.Fatalf("BandDepth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("BandDepth = %d, want 2 (slow has only acked item 1)", depth)
	}
}

func TestRegisterConsumerLateStillSeesExistingItems(t *testing.T) {
	q := openTestQueue(t, 1, 10)
	deadline := time.Now().Add(time.Second)
	if err := q.Put(0, id(1), []byte("a"), deadline); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := q.RegisterConsumer("late"); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	item, ok, err := q.Peek("late")
	if err != nil || !ok {
		t.Fatalf("Peek: ok=%v err=%v", ok, err)
	}
	if string(item.Payload) != "a" {
		t.Fatalf("payload = %q", item.Payload)
	}
}

func TestPeekWithNothingAvailableReturnsFalse(t *testing.T) {
	q := openTestQueue(t, 2, 10)
	if err := q.RegisterConsumer("out1"); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	_, ok, err := q.Peek("out1")
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if ok {
		t.Fatalf("expected no item")
	}
}

func TestPutRejectsOutOfRangeBand(t *testing.T) {
	q := openTestQueue(t, 2, 10)
	if err := q.Put(2, id(1), []byte("a"), time.Now().Add(time.Second)); err == nil {
		t.Fatalf("expected error for out-of-range band")
	}
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	q := openTestQueue(t, 1, 10)
	big := make([]byte, MaxPayloadSize+1)
	if err := q.Put(0, id(1), big, time.Now().Add(time.Second)); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}
