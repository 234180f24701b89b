package enrich

import (
	"fmt"
	"strconv"
)

// archTable covers the architectures spec.md names explicitly; anything
// else renders as unknown-arch(0xHEX). Grounded on golang.org/x/sys/unix's
// AUDIT_ARCH_* constants (the same ones the kernel itself uses), kept as
// a small literal table rather than importing the full constant set,
// since only these four names are ever produced.
var archTable = map[uint64]string{
	0xc000003e: "x86_64",
	0x40000003: "i386",
	0xc00000b7: "aarch64",
	0x40000028: "arm",
}

func interpArch(raw string) string {
	v, ok := parseHexOrDec(raw)
	if !ok {
		return fmt.Sprintf("unknown-arch(%s)", raw)
	}
	if name, ok := archTable[v]; ok {
		return name
	}
	return fmt.Sprintf("unknown-arch(0x%x)", v)
}

// syscallTable is a representative subset of x86_64 syscall numbers
// (the ones exercised by the end-to-end scenarios in spec.md §8 and the
// common execve/file/network/process syscalls auditd rules target).
// Grounded on golang.org/x/sys/unix's SYS_* constants for amd64; unknown
// numbers fall through to "unknown-syscall(N)" per the field contract.
var syscallTable = map[uint64]string{
	0:   "read",
	1:   "write",
	2:   "open",
	3:   "close",
	9:   "mmap",
	12:  "brk",
	21:  "access",
	22:  "pipe",
	41:  "socket",
	42:  "connect",
	43:  "accept",
	49:  "bind",
	50:  "listen",
	56:  "clone",
	57:  "fork",
	59:  "execve",
	60:  "exit",
	61:  "wait4",
	62:  "kill",
	82:  "rename",
	83:  "mkdir",
	84:  "rmdir",
	87:  "unlink",
	90:  "chmod",
	105: "setuid",
	106: "setgid",
	257: "openat",
	322: "execveat",
}

func interpSyscall(raw string) string {
	v, ok := parseHexOrDec(raw)
	if !ok {
		return fmt.Sprintf("unknown-syscall(%s)", raw)
	}
	if name, ok := syscallTable[v]; ok {
		return name
	}
	return fmt.Sprintf("unknown-syscall(%d)", v)
}

func interpSuccess(raw string) string {
	switch raw {
	case "0", "no":
		return "failed"
	case "1", "yes":
		return "success"
	default:
		return raw
	}
}

const uint32Max = 1<<32 - 1

func interpUID(raw string, r Resolver) string {
	v, ok := parseHexOrDec(raw)
	if !ok {
		return fmt.Sprintf("unknown-uid(%s)", raw)
	}
	if v == uint32Max {
		return "unset"
	}
	if r != nil {
		if name, ok := r.UserName(uint32(v)); ok {
			return name
		}
	}
	return fmt.Sprintf("unknown-uid(%d)", v)
}

func interpGID(raw string, r Resolver) string {
	v, ok := parseHexOrDec(raw)
	if !ok {
		return fmt.Sprintf("unknown-gid(%s)", raw)
	}
	if v == uint32Max {
		return "unset"
	}
	if r != nil {
		if name, ok := r.GroupName(uint32(v)); ok {
			return name
		}
	}
	return fmt.Sprintf("unknown-gid(%d)", v)
}

// signalTable covers the POSIX signals auditd rules most commonly key
// on (process kill/termination auditing); anything else renders as the
// raw value unchanged, not in the "unknown-X(N)" form the arch and
// syscall tables fall back to.
var signalTable = map[uint64]string{
	1: "SIGHUP", 2: "SIGINT", 3: "SIGQUIT", 4: "SIGILL", 6: "SIGABRT",
	8: "SIGFPE", 9: "SIGKILL", 11: "SIGSEGV", 13: "SIGPIPE", 14: "SIGALRM",
	15: "SIGTERM", 17: "SIGCHLD", 18: "SIGCONT", 19: "SIGSTOP",
}

func interpSignal(raw string) string {
	v, ok := parseHexOrDec(raw)
	if !ok {
		return raw
	}
	if name, ok := signalTable[v]; ok {
		return name
	}
	return raw
}

// interpMode renders the low 12 bits of a file mode field (the
// permission/type bits audit records carry) as a zero-padded octal
// string, e.g. "33188" (0100644 octal) -> "0644", matching the conventional `ls`/`stat`
// octal-permission rendering rather than the raw decimal audit emits.
func interpMode(raw string) string {
	v, ok := parseHexOrDec(raw)
	if !ok {
		return raw
	}
	return fmt.Sprintf("0%o", v&0o7777)
}

// interpSession renders the audit login session id, with the sentinel
// "unset" value spec.md's UID/GID contract also uses for (uint32_max).
func interpSession(raw string) string {
	v, ok := parseHexOrDec(raw)
	if !ok {
		return raw
	}
	if v == uint32Max {
		return "unset"
	}
	return raw
}

func parseHexOrDec(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, true
	}
	if v, err := strconv.ParseUint(s, 16, 64); err == nil {
		return v, true
	}
	return 0, false
}
