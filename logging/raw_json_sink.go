package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum-optimism/op-harness/types"
)

const (
	RunDirectoryPrefix = "testrun-" // Standardized prefix for run directories
	RawEventsFilename  = "raw_events.log"
)

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 256),
	}

	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	af.queue <- dataCopy
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close stops the async writer and closes the file
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	af.wg.Wait()
	return af.file.Close()
}

// RawJSONSink writes every emitted event as one JSON line. The file can be fed
// to structured-log tooling after the run.
type RawJSONSink struct {
	path string
	out  *AsyncFile
}

// NewRawJSONSink creates <baseDir>/testrun-<runID>/raw_events.log.
func NewRawJSONSink(baseDir, runID string) (*RawJSONSink, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	dir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, RawEventsFilename)
	out, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	return &RawJSONSink{path: path, out: out}, nil
}

// Path returns the location of the events file.
func (s *RawJSONSink) Path() string {
	return s.path
}

func (s *RawJSONSink) LogRaw(ev *types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding event %s: %v\n", ev, err)
		return
	}
	_ = s.out.Write(append(data, '\n'))
}

// Close flushes pending writes.
func (s *RawJSONSink) Close() error {
	return s.out.Close()
}
