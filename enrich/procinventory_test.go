package enrich

import "testing"

func TestExtractContainerIDVariants(t *testing.T) {
	cases := map[string]string{
		"0::/system.slice/containerd-abcdef0123456789.scope": "abcdef012345",
		"0::/docker/0123456789abcdeffedcba9876543210":        "0123456789ab",
		"0::/system.slice/docker-abcdef012345abcd.scope":     "abcdef012345",
		"0::/user.slice/user-1000.slice":                     "",
	}
	for input, want := range cases {
		if got := extractContainerID(input); got != want {
			t.Errorf("extractContainerID(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseStatusFields(t *testing.T) {
	status := "Name:\tbash\nPPid:\t42\nUid:\t1000\t1000\t1000\t1000\nGid:\t1000\t1000\t1000\t1000\n"
	var info ProcessInfo
	parseStatus(status, &info)
	if info.Ppid != 42 || info.Comm != "bash" || info.UID != "1000" || info.GID != "1000" {
		t.Fatalf("bad parse: %+v", info)
	}
}

func TestParseStartTime(t *testing.T) {
	// field 2 (comm) may contain spaces/parens, hence the "(bash job)" case.
	stat := "123 (bash job) S 1 123 123 0 -1 4194304 100 0 0 0 0 0 0 0 20 0 1 0 99999 0 0 0"
	got := parseStartTime(stat)
	if got != "99999" {
		t.Fatalf("parseStartTime: got %q want 99999", got)
	}
}
