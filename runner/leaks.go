package runner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/op-harness/types"
)

var (
	windowPattern   = regexp.MustCompile(`^(\+\+|--)DOMWINDOW\b.*\[pid = (\d+)\].*\[serial = (\d+)\]`)
	docShellPattern = regexp.MustCompile(`^(\+\+|--)DOCSHELL\b.*\[pid = (\d+)\].*\[id = ([^\]]+)\]`)
)

// ShutdownLeaks tracks windows and docshells created while a test ran that
// were still alive when the AUT shut down.
type ShutdownLeaks struct {
	log         log.Logger
	currentTest string
	windows     map[string]string
	docShells   map[string]string
}

func NewShutdownLeaks(logger log.Logger) *ShutdownLeaks {
	if logger == nil {
		logger = log.New()
	}
	return &ShutdownLeaks{
		log:       logger,
		windows:   make(map[string]string),
		docShells: make(map[string]string),
	}
}

// Log inspects one event.
func (s *ShutdownLeaks) Log(ev *types.Event) {
	switch ev.Action {
	case types.ActionTestStart:
		s.currentTest = ev.Test
		return
	case types.ActionTestEnd:
		s.currentTest = ""
		return
	}

	line := strings.TrimSpace(ev.Text())
	if line == "" {
		return
	}
	if m := windowPattern.FindStringSubmatch(line); m != nil {
		s.track(s.windows, m[1], m[2]+"/"+m[3])
	} else if m := docShellPattern.FindStringSubmatch(line); m != nil {
		s.track(s.docShells, m[1], m[2]+"/"+m[3])
	}
}

func (s *ShutdownLeaks) track(live map[string]string, op, id string) {
	if op == "++" {
		if s.currentTest != "" {
			live[id] = s.currentTest
		}
		return
	}
	delete(live, id)
}

// Process returns one failure per test and object kind still alive.
func (s *ShutdownLeaks) Process() []*types.Event {
	var out []*types.Event
	out = append(out, leakedPerTest(s.windows, "window")...)
	out = append(out, leakedPerTest(s.docShells, "docshell")...)
	for _, ev := range out {
		s.log.Warn("Shutdown leak", "test", ev.Test, "message", ev.Message)
	}
	return out
}

func leakedPerTest(live map[string]string, kind string) []*types.Event {
	counts := make(map[string]int)
	for _, test := range live {
		counts[test]++
	}
	tests := make([]string, 0, len(counts))
	for test := range counts {
		tests = append(tests, test)
	}
	sort.Strings(tests)

	out := make([]*types.Event, 0, len(tests))
	for _, test := range tests {
		out = append(out, leakFailure(test, fmt.Sprintf("leaked %d %s(s) until shutdown", counts[test], kind)))
	}
	return out
}

// leakFailure reports a leak as an unexpected-failure log line. The test
// already ended, so it must not get a second test_end.
func leakFailure(test, reason string) *types.Event {
	return &types.Event{
		Action:  types.ActionLog,
		Level:   "ERROR",
		Test:    test,
		Message: fmt.Sprintf("%s-FAIL | %s | %s", types.UnexpectedMarker, test, reason),
	}
}

var (
	lsanStartPattern = regexp.MustCompile(`ERROR: LeakSanitizer: detected memory leaks`)
	lsanLeakPattern  = regexp.MustCompile(`^(Direct|Indirect) leak of \d+ byte`)
	lsanFramePattern = regexp.MustCompile(`^\s*#\d+ 0x[0-9a-fA-F]+ in (\S+)`)
	lsanEndPattern   = regexp.MustCompile(`^SUMMARY: (Address|Leak)Sanitizer`)
)

// allocatorFrames are skipped when picking the frame a leak is attributed to.
var allocatorFrames = map[string]bool{
	"malloc":               true,
	"calloc":               true,
	"realloc":              true,
	"moz_xmalloc":          true,
	"moz_xcalloc":          true,
	"moz_xrealloc":         true,
	"operator":             true,
	"__interceptor_malloc": true,
}

type lsanLeak struct {
	scope string
	site  string
}

// LSANLeaks collects LeakSanitizer reports and attributes each allocation site
// to the running test, or to the manifest once the test has finished.
type LSANLeaks struct {
	log     log.Logger
	allowed map[string]bool
	scope   string

	inReport   bool
	collecting bool
	frames     []string

	seen  map[string]bool
	leaks []lsanLeak
}

// NewLSANLeaks creates a tracker. Sites in allowed are not reported.
func NewLSANLeaks(logger log.Logger, allowed []string) *LSANLeaks {
	if logger == nil {
		logger = log.New()
	}
	l := &LSANLeaks{
		log:     logger,
		allowed: make(map[string]bool, len(allowed)),
		seen:    make(map[string]bool),
	}
	for _, site := range allowed {
		l.allowed[site] = true
	}
	return l
}

// SetScope sets the name leaks are attributed to.
func (l *LSANLeaks) SetScope(scope string) {
	l.scope = scope
}

// Log inspects one output line.
func (l *LSANLeaks) Log(line string) {
	if lsanStartPattern.MatchString(line) {
		l.inReport = true
		return
	}
	if !l.inReport {
		return
	}
	trimmed := strings.TrimSpace(line)
	switch {
	case lsanLeakPattern.MatchString(trimmed):
		l.finishLeak()
		l.collecting = true
	case lsanEndPattern.MatchString(trimmed):
		l.finishLeak()
		l.inReport = false
	case trimmed == "":
		l.finishLeak()
	case l.collecting:
		if m := lsanFramePattern.FindStringSubmatch(line); m != nil {
			l.frames = append(l.frames, m[1])
		}
	}
}

func (l *LSANLeaks) finishLeak() {
	if !l.collecting {
		return
	}
	l.collecting = false
	site := "unknown stack"
	for _, frame := range l.frames {
		name := frame
		if i := strings.Index(name, "("); i > 0 {
			name = name[:i]
		}
		if !allocatorFrames[name] {
			site = name
			break
		}
	}
	l.frames = nil

	if l.allowed[site] {
		return
	}
	key := l.scope + "\x00" + site
	if l.seen[key] {
		return
	}
	l.seen[key] = true
	l.leaks = append(l.leaks, lsanLeak{scope: l.scope, site: site})
}

// Process returns one failure per unallowed allocation site.
func (l *LSANLeaks) Process() []*types.Event {
	l.finishLeak()
	out := make([]*types.Event, 0, len(l.leaks))
	for _, leak := range l.leaks {
		scope := leak.scope
		if scope == "" {
			scope = "LeakSanitizer"
		}
		l.log.Warn("LeakSanitizer leak", "scope", scope, "site", leak.site)
		out = append(out, leakFailure(scope, fmt.Sprintf("LeakSanitizer | leak at %s", leak.site)))
	}
	return out
}

var bloatHeaderPattern = regexp.MustCompile(`^== BloatView: ALL \(cumulative\) LEAK AND BLOAT STATISTICS, (\S+) process (\d+)`)

// DefaultProcessType is used for leak logs without a BloatView header.
const DefaultProcessType = "default"

// ParseLeakLogs reads the leak log at path and its per-process siblings
// (<path-without-ext>_*). It returns leaked bytes per process type.
func ParseLeakLogs(path string) (map[string]int64, error) {
	files := []string{path}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	siblings, err := filepath.Glob(base + "_*")
	if err != nil {
		return nil, fmt.Errorf("failed to list leak logs: %w", err)
	}
	sort.Strings(siblings)
	files = append(files, siblings...)

	out := make(map[string]int64)
	for _, f := range files {
		if err := parseLeakLog(f, out); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}
	return out, nil
}

func parseLeakLog(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	processType := DefaultProcessType
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if m := bloatHeaderPattern.FindStringSubmatch(line); m != nil {
			processType = m[1]
			if _, ok := out[processType]; !ok {
				out[processType] = 0
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[1] != "TOTAL" {
			continue
		}
		leaked, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			continue
		}
		out[processType] += leaked
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read leak log %s: %w", path, err)
	}
	return nil
}

// CheckLeaks compares reported leaks with the thresholds. A process type with
// a threshold but no report is a violation unless it is ignored.
func CheckLeaks(reports map[string]int64, thresholds types.LeakThresholds) []types.LeakViolation {
	limit := func(processType string) int64 {
		if v, ok := thresholds.Thresholds[processType]; ok {
			return v
		}
		return thresholds.Thresholds[DefaultProcessType]
	}

	var out []types.LeakViolation
	for processType, leaked := range reports {
		if th := limit(processType); leaked > th {
			out = append(out, types.LeakViolation{ProcessType: processType, Leaked: leaked, Threshold: th})
		}
	}
	for processType := range thresholds.Thresholds {
		if processType == DefaultProcessType {
			continue
		}
		if _, ok := reports[processType]; ok || thresholds.IgnoreMissing[processType] {
			continue
		}
		out = append(out, types.LeakViolation{ProcessType: processType, Missing: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessType < out[j].ProcessType })
	return out
}
