package enrich

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"auoms.dev/auomsd/event"
)

// Default intervals per spec.md §4.3.
const (
	ProcessInventoryFetchInterval = 300  // seconds
	ProcessInventoryEventInterval = 3600 // seconds
)

// ProcessInfo is one live process snapshot.
type ProcessInfo struct {
	Pid, Ppid, Ses          int
	StartTime               string
	UID, EUID, SUID, FSUID  string
	GID, EGID, SGID, FSGID  string
	Comm, Exe, Cmdline      string
	CmdlineTruncated        bool
	ContainerID             string
}

var containerIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/containerd-([0-9a-f]{12,})`),
	regexp.MustCompile(`/docker/([0-9a-f]{12,})`),
	regexp.MustCompile(`/system\.slice/docker-([0-9a-f]{12,})\.scope`),
	regexp.MustCompile(`/system\.slice/docker\.service/.*?/([0-9a-f]{12,})`),
}

// extractContainerID scans a cgroup file's contents for a recognized
// container-id pattern and returns its first 12 hex characters.
func extractContainerID(cgroupContents string) string {
	for _, line := range strings.Split(cgroupContents, "\n") {
		for _, re := range containerIDPatterns {
			if m := re.FindStringSubmatch(line); m != nil {
				id := m[1]
				if len(id) > 12 {
					id = id[:12]
				}
				return id
			}
		}
	}
	return ""
}

const maxCmdlineBytes = 4096

// WalkProcesses enumerates /proc/<pid> directories and returns a
// ProcessInfo for every process that can still be read (processes that
// exit mid-walk are silently skipped, matching /proc's own
// read-consistency guarantees).
func WalkProcesses(procRoot string) ([]ProcessInfo, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}
	var out []ProcessInfo
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		info, ok := readProcessInfo(procRoot, pid)
		if ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func readProcessInfo(procRoot string, pid int) (ProcessInfo, bool) {
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	status, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		return ProcessInfo{}, false
	}
	info := ProcessInfo{Pid: pid}
	parseStatus(string(status), &info)

	if stat, err := os.ReadFile(filepath.Join(dir, "stat")); err == nil {
		info.StartTime = parseStartTime(string(stat))
	}
	if sessionid, err := os.ReadFile(filepath.Join(dir, "sessionid")); err == nil {
		if ses, err := strconv.Atoi(strings.TrimSpace(string(sessionid))); err == nil {
			info.Ses = ses
		}
	}
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		info.Exe = exe
	}
	if cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		truncated := len(cmdline) >= maxCmdlineBytes
		if truncated {
			cmdline = cmdline[:maxCmdlineBytes]
		}
		parts := strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00")
		args := make([]string, 0, len(parts))
		for _, p := range parts {
			if p != "" {
				args = append(args, bashEscape(p))
			}
		}
		info.Cmdline = strings.Join(args, " ")
		info.CmdlineTruncated = truncated
	}
	if cgroup, err := os.ReadFile(filepath.Join(dir, "cgroup")); err == nil {
		info.ContainerID = extractContainerID(string(cgroup))
	}
	return info, true
}

func parseStartTime(stat string) string {
	// field 22 (starttime) in /proc/<pid>/stat; the comm field (2) may
	// itself contain spaces and is parenthesized, so split after the
	// closing paren rather than naively on spaces.
	closeParen := strings.LastIndexByte(stat, ')')
	if closeParen < 0 {
		return ""
	}
	fields := strings.Fields(stat[closeParen+1:])
	const startTimeFieldFromClose = 20 // field 22 minus the 2 consumed (pid, comm)
	if len(fields) < startTimeFieldFromClose {
		return ""
	}
	return fields[startTimeFieldFromClose-1]
}

func parseStatus(status string, info *ProcessInfo) {
	sc := bufio.NewScanner(strings.NewReader(status))
	for sc.Scan() {
		line := sc.Text()
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "PPid":
			info.Ppid, _ = strconv.Atoi(val)
		case "Name":
			info.Comm = val
		case "Uid":
			f := strings.Fields(val)
			if len(f) >= 4 {
				info.UID, info.EUID, info.SUID, info.FSUID = f[0], f[1], f[2], f[3]
			}
		case "Gid":
			f := strings.Fields(val)
			if len(f) >= 4 {
				info.GID, info.EGID, info.SGID, info.FSGID = f[0], f[1], f[2], f[3]
			}
		}
	}
}

// BuildInventoryEvent constructs one AUOMS_PROCESS_INVENTORY record per
// live process, each a distinct Event sharing the builder's current
// EventId stamping convention (sec/msec/serial are supplied by the
// caller, since inventory events are synthesized, not tied to a kernel
// record).
func BuildInventoryEvent(b *event.Builder, sec uint64, msec uint32, serial uint64, p ProcessInfo) (event.Event, error) {
	if err := b.BeginEvent(sec, msec, serial, 1); err != nil {
		return event.Event{}, err
	}
	if err := b.SetEventFlags(event.FlagSynthesized | event.FlagIsAuomsEvent); err != nil {
		b.CancelEvent()
		return event.Event{}, err
	}
	if err := b.SetEventPid(int32(p.Pid)); err != nil {
		b.CancelEvent()
		return event.Event{}, err
	}
	fields := []struct{ name, val string }{
		{"pid", strconv.Itoa(p.Pid)},
		{"ppid", strconv.Itoa(p.Ppid)},
		{"ses", strconv.Itoa(p.Ses)},
		{"starttime", p.StartTime},
		{"uid", p.UID}, {"euid", p.EUID}, {"suid", p.SUID}, {"fsuid", p.FSUID},
		{"gid", p.GID}, {"egid", p.EGID}, {"sgid", p.SGID}, {"fsgid", p.FSGID},
		{"comm", p.Comm},
		{"exe", p.Exe},
		{"cmdline", p.Cmdline},
		{"cmdline_truncated", strconv.FormatBool(p.CmdlineTruncated)},
		{"container_id", p.ContainerID},
	}
	if err := b.BeginRecord(0, event.RecordTypeProcessInventory, "", false, len(fields)); err != nil {
		b.CancelEvent()
		return event.Event{}, err
	}
	for _, f := range fields {
		if err := b.AddField(f.name, f.val, false, "", event.FieldTypeUnclassified); err != nil {
			b.CancelEvent()
			return event.Event{}, err
		}
	}
	if err := b.EndRecord(); err != nil {
		b.CancelEvent()
		return event.Event{}, err
	}
	return b.EndEvent()
}
