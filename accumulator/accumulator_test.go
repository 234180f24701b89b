package accumulator

import (
	"strconv"
	"testing"
	"time"

	"auoms.dev/auomsd/event"
	"auoms.dev/auomsd/rawrecord"
)

func mustParse(t *testing.T, line string) *rawrecord.RawEventRecord {
	t.Helper()
	rec, err := rawrecord.Parse(line)
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	return rec
}

// TestSingleExecveCoalescing mirrors the single execve coalescing scenario:
// a SYSCALL+EXECVE+CWD+PATH+PATH+PROCTITLE+EOE sequence sharing one EventId
// folds into exactly one raw Event with all six records in order.
func TestSingleExecveCoalescing(t *testing.T) {
	const msg = `msg=audit(1521757638.392:262332):`
	lines := []string{
		`type=SYSCALL ` + msg + ` arch=c000003e syscall=59 success=yes exit=0 a0=55b1 uid=0 gid=0`,
		`type=EXECVE ` + msg + ` argc=6 a0="logger" a1="-t" a2="zfs-backup" a3="-p" a4="daemon.err" a5=7a667320696e6372656d656e74616c206261636b7570206f662072706f6f6c2f6c78642066616c6c65643a2000`,
		`type=CWD ` + msg + ` cwd="/"`,
		`type=PATH ` + msg + ` item=0 name="/usr/bin/logger"`,
		`type=PATH ` + msg + ` item=1 name="/lib64/ld-linux-x86-64.so.2"`,
		`type=PROCTITLE ` + msg + ` proctitle=6C6F6767657200`,
		`type=EOE ` + msg,
	}

	var got event.Event
	gotN := 0
	a := New(func(ev event.Event) error {
		got = ev
		gotN++
		return nil
	})

	for i, line := range lines[:len(lines)-1] {
		consumed, err := a.AddRecord(mustParse(t, line))
		if err != nil {
			t.Fatalf("AddRecord(%d): %v", i, err)
		}
		if !consumed {
			t.Fatalf("AddRecord(%d): expected consumed", i)
		}
		if gotN != 0 {
			t.Fatalf("event emitted early after line %d", i)
		}
	}
	if _, err := a.AddRecord(mustParse(t, lines[len(lines)-1])); err != nil {
		t.Fatalf("AddRecord(EOE): %v", err)
	}
	if gotN != 1 {
		t.Fatalf("expected exactly one emitted event, got %d", gotN)
	}
	if got.NumRecords() != 6 {
		t.Fatalf("expected 6 records, got %d", got.NumRecords())
	}
	r0, err := got.Record(0)
	if err != nil || r0.TypeName() != "SYSCALL" {
		t.Fatalf("record 0: %+v err=%v", r0, err)
	}
	r1, err := got.Record(1)
	if err != nil || r1.TypeName() != "EXECVE" {
		t.Fatalf("record 1: %+v err=%v", r1, err)
	}
}

// TestFragmentedExecveAcrossTwoFlushes mirrors the fragmented execve
// scenario: two EventIds (distinct serials) each close independently, so
// the accumulator must not merge them even though both carry EXECVE
// fragments of the same logical command.
func TestFragmentedExecveAcrossTwoFlushes(t *testing.T) {
	var emitted []event.Event
	a := New(func(ev event.Event) error {
		emitted = append(emitted, ev)
		return nil
	})

	part1 := []string{
		`type=SYSCALL msg=audit(1521757638.392:262333): arch=c000003e syscall=59 success=yes exit=0`,
		`type=EXECVE msg=audit(1521757638.392:262333): argc=6 a0="logger" a1="-t"`,
	}
	for _, l := range part1 {
		if _, err := a.AddRecord(mustParse(t, l)); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if len(emitted) != 0 {
		t.Fatalf("part 1 must not complete an event, got %d emitted", len(emitted))
	}

	part2 := []string{
		`type=SYSCALL msg=audit(1521757638.392:262334): arch=c000003e syscall=59 success=yes exit=0`,
		`type=EXECVE msg=audit(1521757638.392:262334): a2="zfs-backup" a3="-p"`,
		`type=CWD msg=audit(1521757638.392:262334): cwd="/"`,
		`type=PATH msg=audit(1521757638.392:262334): item=0 name="/usr/bin/logger"`,
		`type=EOE msg=audit(1521757638.392:262334):`,
	}
	for _, l := range part2 {
		if _, err := a.AddRecord(mustParse(t, l)); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if len(emitted) != 1 {
		t.Fatalf("expected one event emitted once 262334 closes, got %d", len(emitted))
	}
	if emitted[0].Id().Serial != 262334 {
		t.Fatalf("bad serial: %d", emitted[0].Id().Serial)
	}

	// 262333 is still pending in the cache; force it out via Flush(0).
	a.Flush(0)
	if len(emitted) != 2 {
		t.Fatalf("expected the pending fragment to flush, got %d events", len(emitted))
	}
	if emitted[1].Id().Serial != 262333 {
		t.Fatalf("bad serial for flushed fragment: %d", emitted[1].Id().Serial)
	}
}

func TestUserTTYRecordNotConsumed(t *testing.T) {
	a := New(func(event.Event) error { return nil })
	consumed, err := a.AddRecord(mustParse(t, `type=USER_TTY msg=audit(1.0:1): data=41`))
	if err != nil {
		t.Fatal(err)
	}
	if consumed {
		t.Fatalf("USER_TTY must not be consumed")
	}
}

func TestSingleRecordEventCompletesImmediately(t *testing.T) {
	var got event.Event
	a := New(func(ev event.Event) error {
		got = ev
		return nil
	})
	if _, err := a.AddRecord(mustParse(t, `type=CONFIG_CHANGE msg=audit(1.0:5): op=add_rule key=mykey`)); err != nil {
		t.Fatal(err)
	}
	if got.NumRecords() != 1 {
		t.Fatalf("expected immediate single-record completion, got %d records", got.NumRecords())
	}
}

func TestFlushZeroEmitsEverything(t *testing.T) {
	n := 0
	a := New(func(event.Event) error { n++; return nil })
	for i := 0; i < 5; i++ {
		if _, err := a.AddRecord(mustParse(t, `type=SYSCALL msg=audit(1.0:`+strconv.Itoa(i)+`): syscall=1`)); err != nil {
			t.Fatal(err)
		}
	}
	a.Flush(0)
	if n != 5 {
		t.Fatalf("expected 5 flushed events, got %d", n)
	}
}

func TestFlushAgeRespectsMaxAge(t *testing.T) {
	n := 0
	a := New(func(event.Event) error { n++; return nil })
	if _, err := a.AddRecord(mustParse(t, `type=SYSCALL msg=audit(1.0:1): syscall=1`)); err != nil {
		t.Fatal(err)
	}
	a.Flush(time.Hour)
	if n != 0 {
		t.Fatalf("expected nothing flushed under max age, got %d", n)
	}
}

