package rawrecord

import (
	"strings"
	"testing"
)

func TestParseBasicSyscallLine(t *testing.T) {
	line := `type=SYSCALL msg=audit(1521757638.392:262332): arch=c000003e syscall=59 success=yes exit=0 a0=55b1 uid=0 gid=0 key="mykey"`
	rec, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.RecordType != "SYSCALL" {
		t.Fatalf("bad record type: %s", rec.RecordType)
	}
	if rec.Id.Sec != 1521757638 || rec.Id.Msec != 392 || rec.Id.Serial != 262332 {
		t.Fatalf("bad id: %+v", rec.Id)
	}
	if v, ok := rec.ValueByName("syscall"); !ok || v != "59" {
		t.Fatalf("bad syscall field: %q ok=%v", v, ok)
	}
	if v, ok := rec.ValueByName("key"); !ok || v != "mykey" {
		t.Fatalf("bad quoted field: %q ok=%v", v, ok)
	}
}

func TestParseWithNode(t *testing.T) {
	line := `node=myhost type=EXECVE msg=audit(1521757638.392:262333): argc=2 a0="logger" a1=68656C6C6F`
	rec, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !rec.HasNode || rec.Node != "myhost" {
		t.Fatalf("bad node: %q has=%v", rec.Node, rec.HasNode)
	}
	if v, ok := rec.ValueByName("a1"); !ok || v != "68656C6C6F" {
		t.Fatalf("bad hex field: %q ok=%v", v, ok)
	}
}

func TestParseQuotedValueWithSpaces(t *testing.T) {
	line := `type=EXECVE msg=audit(1.0:1): a0="zfs incremental backup of rpool/lxd failed: "`
	rec, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v, ok := rec.ValueByName("a0")
	if !ok || v != "zfs incremental backup of rpool/lxd failed: " {
		t.Fatalf("bad quoted-with-spaces field: %q ok=%v", v, ok)
	}
}

func TestParseMalformedMissingMsg(t *testing.T) {
	if _, err := Parse("type=SYSCALL a=b"); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseMalformedBadHeader(t *testing.T) {
	if _, err := Parse("type=SYSCALL msg=audit(notanumber): a=b"); err == nil {
		t.Fatalf("expected error for bad header")
	}
}

func TestParseLineTooLong(t *testing.T) {
	long := "type=SYSCALL msg=audit(1.0:1): " + strings.Repeat("a", MaxLineSize)
	if _, err := Parse(long); err != ErrLineTooLong {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
}

func TestParseEmptyLine(t *testing.T) {
	if _, err := Parse("   \n"); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
