package enrich

import (
	"strconv"
	"strings"

	"auoms.dev/auomsd/event"
)

// excludedSyscallFields are redundant once path_name/path_* arrays carry
// the same information from PATH records.
var excludedSyscallFields = map[string]bool{
	"type": true, "items": true, "a0": true, "a1": true, "a2": true, "a3": true,
}

// Enricher consolidates raw Events into interpreted AUOMS_SYSCALL /
// AUOMS_EXECVE events and attaches sidecar interpreted values.
type Enricher struct {
	builder  *event.Builder
	resolver Resolver
}

// New returns an Enricher. A nil resolver disables uid/gid name lookups
// (interpreted values then read "unknown-uid(N)"/"unknown-gid(N)", except
// the unset sentinel 4294967295, which reads "unset").
func New(resolver Resolver) *Enricher {
	return &Enricher{builder: event.NewBuilder(nil), resolver: resolver}
}

// Consolidate rewrites ev per spec.md §4.3 if its first record is one of
// SYSCALL/EXECVE/CWD/PATH/SOCKADDR; otherwise it returns ev unchanged,
// with no interpreted values added to its fields.
func (en *Enricher) Consolidate(ev event.Event) (event.Event, error) {
	records, err := ev.Records()
	if err != nil {
		return event.Event{}, err
	}
	if len(records) == 0 {
		return ev, nil
	}
	if !isConsolidationCandidate(records[0].TypeName()) {
		return ev, nil
	}
	return en.consolidate(ev, records)
}

func isConsolidationCandidate(t string) bool {
	switch t {
	case "SYSCALL", "EXECVE", "CWD", "PATH", "SOCKADDR":
		return true
	}
	return false
}

func (en *Enricher) consolidate(ev event.Event, records []event.Record) (event.Event, error) {
	var syscallRec, cwdRec, sockaddrRec *event.Record
	var pathRecs []pathItem
	var execveRecs []event.Record
	var extras []event.Record // OBJ_PID, BPRM_FCAPS, etc.
	var dropRec *event.Record

	for i := range records {
		r := records[i]
		switch r.TypeName() {
		case "SYSCALL":
			if syscallRec == nil {
				syscallRec = &records[i]
			}
		case "CWD":
			if cwdRec == nil {
				cwdRec = &records[i]
			}
		case "SOCKADDR":
			if sockaddrRec == nil {
				sockaddrRec = &records[i]
			}
		case "PATH":
			idx, valid := -1, false
			if raw, ok := fieldRaw(r, "item"); ok {
				if n, err := strconv.Atoi(raw); err == nil {
					idx, valid = n, true
				}
			}
			pathRecs = append(pathRecs, pathItem{index: idx, valid: valid, order: len(pathRecs), rec: r})
		case "EXECVE":
			execveRecs = append(execveRecs, r)
		case event.RecordTypeDroppedRecords:
			dropRec = &records[i]
		default:
			extras = append(extras, r)
		}
	}
	sortPathItems(pathRecs)

	typeName := event.RecordTypeSyscallConsolidated
	if len(execveRecs) > 0 {
		typeName = event.RecordTypeExecveConsolidated
	}

	type outField struct {
		name      string
		raw       string
		hasInterp bool
		interp    string
		ft        event.FieldType
	}
	var out []outField
	// addClassified appends one output field, computing its FieldType and
	// interpreted sidecar from classifyRecordType/classifyName — the
	// record type and field name as they appeared in the *source* record
	// — which may differ from outputName once a field has been renamed
	// or prefixed for the consolidated record (e.g. SOCKADDR's "saddr"
	// becomes "sockaddr_saddr"; an OBJ_PID field becomes "obj_pid_<name>").
	// Classifying by the post-rename name would silently miss every
	// override keyed on the original field/record-type pair.
	addClassified := func(outputName, classifyRecordType, classifyName, raw string) {
		ft, _ := fieldTypeOverride(classifyRecordType, classifyName)
		interp, has := en.interpretField(classifyRecordType, classifyName, raw, ft)
		out = append(out, outField{name: outputName, raw: raw, hasInterp: has, interp: interp, ft: ft})
	}
	// addRaw is addClassified for fields whose output name already is
	// the source field name under the consolidated record type (true of
	// every SYSCALL field carried through verbatim).
	addRaw := func(name, raw string) { addClassified(name, typeName, name, raw) }

	if syscallRec != nil {
		fields, err := syscallRec.Fields()
		if err != nil {
			return event.Event{}, err
		}
		for _, f := range fields {
			if excludedSyscallFields[f.Name()] {
				continue
			}
			addRaw(f.Name(), f.Raw())
		}
	}
	if cwdRec != nil {
		if raw, ok := fieldRaw(*cwdRec, "cwd"); ok {
			addClassified("cwd", "CWD", "cwd", raw)
		}
	}
	if sockaddrRec != nil {
		if raw, ok := fieldRaw(*sockaddrRec, "saddr"); ok {
			addClassified("sockaddr_saddr", "SOCKADDR", "saddr", raw)
		}
	}
	if len(pathRecs) > 0 {
		names, nametypes, modes, ouids, ogids := []string{}, []string{}, []string{}, []string{}, []string{}
		for _, p := range pathRecs {
			names = append(names, rawOrEmpty(p.rec, "name"))
			nametypes = append(nametypes, rawOrEmpty(p.rec, "nametype"))
			modes = append(modes, rawOrEmpty(p.rec, "mode"))
			ouids = append(ouids, rawOrEmpty(p.rec, "ouid"))
			ogids = append(ogids, rawOrEmpty(p.rec, "ogid"))
		}
		out = append(out, outField{name: "path_name", raw: jsonStringArray(names)})
		out = append(out, outField{name: "path_nametype", raw: jsonStringArray(nametypes)})
		out = append(out, outField{name: "path_mode", raw: jsonStringArray(modes)})
		out = append(out, outField{name: "path_ouid", raw: jsonStringArray(ouids)})
		out = append(out, outField{name: "path_ogid", raw: jsonStringArray(ogids)})
	}
	if len(execveRecs) > 0 {
		out = append(out, outField{name: "cmdline", raw: reconstructCmdline(execveRecs)})
	}
	for _, r := range extras {
		fields, err := r.Fields()
		if err != nil {
			return event.Event{}, err
		}
		prefix := strings.ToLower(r.TypeName()) + "_"
		for _, f := range fields {
			addClassified(prefix+f.Name(), r.TypeName(), f.Name(), f.Raw())
		}
	}
	if dropRec != nil {
		fields, err := dropRec.Fields()
		if err != nil {
			return event.Event{}, err
		}
		for _, f := range fields {
			out = append(out, outField{name: "dropped_" + f.Name(), raw: f.Raw()})
		}
	}

	id := ev.Id()
	if err := en.builder.BeginEvent(id.Sec, id.Msec, id.Serial, 1); err != nil {
		return event.Event{}, err
	}
	if err := en.builder.SetEventFlags(ev.Flags() | event.FlagIsAuomsEvent | event.FlagSynthesized); err != nil {
		en.builder.CancelEvent()
		return event.Event{}, err
	}
	if err := en.builder.SetEventPid(ev.Pid()); err != nil {
		en.builder.CancelEvent()
		return event.Event{}, err
	}
	if err := en.builder.BeginRecord(0, typeName, "", false, len(out)); err != nil {
		en.builder.CancelEvent()
		return event.Event{}, err
	}
	for _, f := range out {
		if err := en.builder.AddField(f.name, f.raw, f.hasInterp, f.interp, f.ft); err != nil {
			en.builder.CancelEvent()
			return event.Event{}, err
		}
	}
	if err := en.builder.EndRecord(); err != nil {
		en.builder.CancelEvent()
		return event.Event{}, err
	}
	return en.builder.EndEvent()
}

func (en *Enricher) interpretField(recordType, name, raw string, ft event.FieldType) (string, bool) {
	switch ft {
	case event.FieldTypeUID:
		return interpUID(raw, en.resolver), true
	case event.FieldTypeGID:
		return interpGID(raw, en.resolver), true
	case event.FieldTypeArch:
		return interpArch(raw), true
	case event.FieldTypeSyscall:
		return interpSyscall(raw), true
	case event.FieldTypeSuccess:
		return interpSuccess(raw), true
	case event.FieldTypeEscaped:
		return decodeEscaped(raw, "."), true
	case event.FieldTypeEscapedKey:
		return decodeEscaped(raw, "."), true
	case event.FieldTypeMode, event.FieldTypeModeShort:
		return interpMode(raw), true
	case event.FieldTypeSession:
		return interpSession(raw), true
	case event.FieldTypeSignal:
		return interpSignal(raw), true
	case event.FieldTypeProctitle:
		return interpProctitle(raw), true
	}
	return "", false
}

func rawOrEmpty(r event.Record, name string) string {
	v, _ := fieldRaw(r, name)
	return v
}

// reconstructCmdline rebuilds the shell command line from EXECVE
// records sorted ascending by argument index, bash-escaping each
// argument and rendering gaps as placeholders per spec.md §4.3.
func reconstructCmdline(recs []event.Record) string {
	args := map[int]string{}
	maxIdx := -1
	for _, r := range recs {
		fields, err := r.Fields()
		if err != nil {
			continue
		}
		for _, f := range fields {
			name := f.Name()
			if len(name) < 2 || name[0] != 'a' {
				continue
			}
			rest := name[1:]
			if strings.ContainsAny(rest, "_[") {
				continue // a_len / a[n] continuation markers, not a top-level arg
			}
			n, err := strconv.Atoi(rest)
			if err != nil {
				continue
			}
			// EXECVE argv fields carry no interpreted value; the raw
			// value is frequently hex-encoded or quoted the same way
			// ESCAPED fields are, so it must go through the same
			// decode before bash-escaping or the reconstructed
			// cmdline emits literal hex instead of the real argument.
			args[n] = decodeEscaped(f.Raw(), ".")
			if n > maxIdx {
				maxIdx = n
			}
		}
	}
	if maxIdx < 0 {
		return ""
	}
	var parts []string
	gapStart := -1
	flushGap := func(end int) {
		if gapStart >= 0 {
			parts = append(parts, missingArgPlaceholder(gapStart, end-1))
			gapStart = -1
		}
	}
	for i := 0; i <= maxIdx; i++ {
		v, ok := args[i]
		if !ok {
			if gapStart < 0 {
				gapStart = i
			}
			continue
		}
		flushGap(i)
		parts = append(parts, bashEscape(v))
	}
	flushGap(maxIdx + 1)
	return strings.Join(parts, " ")
}
