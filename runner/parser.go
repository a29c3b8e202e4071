package runner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/ethereum-optimism/op-harness/types"
)

// testPathPrefixes are stripped from test names so results are keyed by their
// path relative to the test root. Only the first match is applied.
var testPathPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^/tests/`),
	regexp.MustCompile(`^\w+://[\w\.]+(:\d+)?(/\w+)?/(tests?|a11y|chrome)/`),
	regexp.MustCompile(`^\w+://[\w\.]+(:\d+)?(/\w+)?/(tests?|browser)/`),
}

// NormalizeTestPath strips the served-URL prefix from a test name.
func NormalizeTestPath(test string) string {
	for _, re := range testPathPrefixes {
		if re.MatchString(test) {
			return re.ReplaceAllString(test, "")
		}
	}
	return test
}

// Parser turns raw AUT output lines into events. It never fails: anything
// that is not a protocol fragment is wrapped as unstructured output.
type Parser struct {
	mu         sync.Mutex
	structured bool
	manifest   string
	process    string
	now        func() time.Time
}

// NewParser creates a parser. In structured mode unrecognized fragments become
// process_output events, otherwise info log events.
func NewParser(structured bool) *Parser {
	return &Parser{
		structured: structured,
		process:    "AUT",
		now:        time.Now,
	}
}

// SetManifest sets the group stamped on events without one.
func (p *Parser) SetManifest(manifest string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = manifest
}

// SetProcessID sets the id stamped on unstructured output.
func (p *Parser) SetProcessID(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.process = fmt.Sprintf("AUT(%d)", pid)
}

// Parse splits one output line into events, in order.
func (p *Parser) Parse(raw []byte) []*types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := strings.ToValidUTF8(string(raw), "\uFFFD")
	line = strings.TrimRightFunc(line, unicode.IsSpace)

	var events []*types.Event
	for _, fragment := range strings.Split(line, MessageDelimiter) {
		if fragment == "" {
			continue
		}
		events = append(events, p.parseFragment(fragment))
	}
	return events
}

func (p *Parser) parseFragment(fragment string) *types.Event {
	ev, ok := p.decode(fragment)
	if !ok {
		if p.structured {
			ev = &types.Event{Action: types.ActionProcessOutput, Process: p.process, Data: fragment}
		} else {
			ev = &types.Event{Action: types.ActionLog, Level: "INFO", Message: fragment}
		}
	}
	if ev.Test != "" {
		ev.Test = NormalizeTestPath(ev.Test)
	}
	if ev.Group == "" {
		ev.Group = p.manifest
	}
	if ev.Time == 0 {
		ev.Time = p.now().UnixMilli()
	}
	return ev
}

func (p *Parser) decode(fragment string) (*types.Event, bool) {
	trimmed := strings.TrimSpace(fragment)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var ev types.Event
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return nil, false
	}
	if !types.IsProtocolAction(ev.Action) {
		return nil, false
	}
	return &ev, true
}
