package enrich

import (
	"strings"
	"testing"

	"auoms.dev/auomsd/event"
)

type fakeResolver struct{}

func (fakeResolver) UserName(uid uint32) (string, bool) {
	if uid == 0 {
		return "root", true
	}
	return "", false
}

func (fakeResolver) GroupName(gid uint32) (string, bool) {
	if gid == 0 {
		return "root", true
	}
	return "", false
}

// buildRawExecveEvent constructs the raw (un-consolidated) Event for the
// single execve coalescing scenario in spec.md §8 (S1): SYSCALL, EXECVE,
// CWD, two PATH records, PROCTITLE.
func buildRawExecveEvent(t *testing.T) event.Event {
	t.Helper()
	b := event.NewBuilder(nil)
	if err := b.BeginEvent(1521757638, 392, 262332, 5); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(0, "SYSCALL", "", false, 3); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("syscall", "59", false, "", event.FieldTypeSyscall))
	must(t, b.AddField("uid", "0", false, "", event.FieldTypeUID))
	must(t, b.AddField("gid", "0", false, "", event.FieldTypeGID))
	must(t, b.EndRecord())

	if err := b.BeginRecord(0, "EXECVE", "", false, 3); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("argc", "3", false, "", event.FieldTypeUnclassified))
	must(t, b.AddField("a0", "logger", false, "", event.FieldTypeUnclassified))
	must(t, b.AddField("a1", "-t", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())

	if err := b.BeginRecord(0, "CWD", "", false, 1); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("cwd", "/", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())

	if err := b.BeginRecord(0, "PATH", "", false, 2); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("item", "0", false, "", event.FieldTypeUnclassified))
	must(t, b.AddField("name", "/usr/bin/logger", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())

	if err := b.BeginRecord(0, "PATH", "", false, 2); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("item", "1", false, "", event.FieldTypeUnclassified))
	must(t, b.AddField("name", "/lib64/ld-linux-x86-64.so.2", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())

	ev, err := b.EndEvent()
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestConsolidateExecve(t *testing.T) {
	raw := buildRawExecveEvent(t)
	en := New(fakeResolver{})
	out, err := en.Consolidate(raw)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if out.NumRecords() != 1 {
		t.Fatalf("expected one consolidated record, got %d", out.NumRecords())
	}
	r, err := out.Record(0)
	if err != nil {
		t.Fatal(err)
	}
	if r.TypeName() != event.RecordTypeExecveConsolidated {
		t.Fatalf("expected AUOMS_EXECVE, got %s", r.TypeName())
	}
	if out.Flags()&event.FlagIsAuomsEvent == 0 {
		t.Fatalf("expected IS_AUOMS_EVENT flag set")
	}
	uidField, ok, err := r.FieldByName("uid")
	if err != nil || !ok {
		t.Fatalf("uid field: ok=%v err=%v", ok, err)
	}
	if interp, has := uidField.Interp(); !has || interp != "root" {
		t.Fatalf("expected uid interp root, got %q has=%v", interp, has)
	}
	syscallField, _, err := r.FieldByName("syscall")
	if err != nil {
		t.Fatal(err)
	}
	if interp, _ := syscallField.Interp(); interp != "execve" {
		t.Fatalf("expected syscall interp execve, got %q", interp)
	}
	pathNames, ok, err := r.FieldByName("path_name")
	if err != nil || !ok {
		t.Fatalf("path_name field: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(pathNames.Raw(), "/usr/bin/logger") || !strings.Contains(pathNames.Raw(), "ld-linux") {
		t.Fatalf("bad path_name array: %s", pathNames.Raw())
	}
	cmdline, ok, err := r.FieldByName("cmdline")
	if err != nil || !ok {
		t.Fatalf("cmdline field: ok=%v err=%v", ok, err)
	}
	if cmdline.Raw() != "logger -t" {
		t.Fatalf("bad cmdline: %q", cmdline.Raw())
	}
	if _, ok, _ := r.FieldByName("items"); ok {
		t.Fatalf("items must be excluded from consolidated SYSCALL fields")
	}
}

func TestConsolidatePassesThroughNonCandidates(t *testing.T) {
	b := event.NewBuilder(nil)
	if err := b.BeginEvent(1, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(0, "CONFIG_CHANGE", "", false, 1); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("op", "add_rule", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())
	ev, err := b.EndEvent()
	if err != nil {
		t.Fatal(err)
	}

	en := New(fakeResolver{})
	out, err := en.Consolidate(ev)
	if err != nil {
		t.Fatal(err)
	}
	r, err := out.Record(0)
	if err != nil || r.TypeName() != "CONFIG_CHANGE" {
		t.Fatalf("expected pass-through, got %+v err=%v", r, err)
	}
}

// TestConsolidateClassifiesExtraRecordFieldsByOriginalName guards
// against interpreting an extra record's fields (spec.md §4.3's
// "prefixed with their record-type name and appended") using the
// *prefixed* output name, which would never match any field-type
// override. OBJ_PID's "ouid"/"ogid" must still resolve via the
// resolver even though they're emitted as obj_pid_ouid/obj_pid_ogid.
func TestConsolidateClassifiesExtraRecordFieldsByOriginalName(t *testing.T) {
	b := event.NewBuilder(nil)
	if err := b.BeginEvent(1, 0, 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(0, "SYSCALL", "", false, 1); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("syscall", "59", false, "", event.FieldTypeSyscall))
	must(t, b.EndRecord())
	if err := b.BeginRecord(0, "OBJ_PID", "", false, 1); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("ouid", "0", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())
	ev, err := b.EndEvent()
	if err != nil {
		t.Fatal(err)
	}

	en := New(fakeResolver{})
	out, err := en.Consolidate(ev)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	r, err := out.Record(0)
	if err != nil {
		t.Fatal(err)
	}
	f, ok, err := r.FieldByName("obj_pid_ouid")
	if err != nil || !ok {
		t.Fatalf("obj_pid_ouid field: ok=%v err=%v", ok, err)
	}
	if interp, has := f.Interp(); !has || interp != "root" {
		t.Fatalf("expected obj_pid_ouid interp root, got %q has=%v", interp, has)
	}
}

func TestReconstructCmdlineHandlesGaps(t *testing.T) {
	b := event.NewBuilder(nil)
	if err := b.BeginEvent(1, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(0, "EXECVE", "", false, 2); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("a0", "logger", false, "", event.FieldTypeUnclassified))
	must(t, b.AddField("a3", "daemon.err", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())
	ev, err := b.EndEvent()
	if err != nil {
		t.Fatal(err)
	}
	r, err := ev.Record(0)
	if err != nil {
		t.Fatal(err)
	}
	got := reconstructCmdline([]event.Record{r})
	want := "logger <1...2> daemon.err"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

// TestReconstructCmdlineDecodesHexAndQuotedArgs is the spec.md §8 S1
// regression: kernel audit frequently hex-encodes an EXECVE argument
// containing characters unsafe for the raw record line. reconstructCmdline
// must decode that raw value (the same way an ESCAPED field is decoded)
// before bash-escaping it, or the hex string leaks into cmdline verbatim.
func TestReconstructCmdlineDecodesHexAndQuotedArgs(t *testing.T) {
	b := event.NewBuilder(nil)
	if err := b.BeginEvent(1, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.BeginRecord(0, "EXECVE", "", false, 3); err != nil {
		t.Fatal(err)
	}
	must(t, b.AddField("a0", "logger", false, "", event.FieldTypeUnclassified))
	must(t, b.AddField("a1", `"-t"`, false, "", event.FieldTypeUnclassified))
	// "zfs merg" hex-encoded, standing in for the kind of payload audit
	// hex-escapes because it contains a space.
	must(t, b.AddField("a2", "7a6673206d657267", false, "", event.FieldTypeUnclassified))
	must(t, b.EndRecord())
	ev, err := b.EndEvent()
	if err != nil {
		t.Fatal(err)
	}
	r, err := ev.Record(0)
	if err != nil {
		t.Fatal(err)
	}
	got := reconstructCmdline([]event.Record{r})
	want := `logger -t "zfs merg"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
