package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	defaultStopTimeout = 5 * time.Second
	readyPollInterval  = 100 * time.Millisecond
)

// Config describes an auxiliary server run as an external command.
type Config struct {
	Name   string
	Binary string
	Args   []string
	Env    []string
	Dir    string
	// ReadyAddr is a TCP address that accepts connections once the server is
	// ready. Without it the server is ready as soon as it runs.
	ReadyAddr   string
	StopTimeout time.Duration
}

// Server runs an auxiliary server as a child process.
type Server struct {
	cfg Config
	log log.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func NewServer(cfg Config, logger log.Logger) *Server {
	if logger == nil {
		logger = log.New()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Server{cfg: cfg, log: logger.New("server", cfg.Name)}
}

func (s *Server) Name() string {
	return s.cfg.Name
}

func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Binary == "" {
		return fmt.Errorf("binary cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("server %s already started", s.cfg.Name)
	}

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	out := &logWriter{log: s.log}
	cmd.Stdout = out
	cmd.Stderr = out
	// grandchildren may keep the output open after the server exits
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return err
	}
	s.log.Info("Server started", "pid", cmd.Process.Pid)

	s.cmd = cmd
	s.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		out.flush()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.exited)
	}()
	return nil
}

// Ready waits until the server accepts connections on ReadyAddr.
func (s *Server) Ready(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited == nil {
		return fmt.Errorf("server %s not started", s.cfg.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-exited:
			return fmt.Errorf("server %s exited before becoming ready: %w", s.cfg.Name, s.exitErr())
		default:
		}
		if s.cfg.ReadyAddr == "" {
			return nil
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", s.cfg.ReadyAddr)
		if err == nil {
			_ = conn.Close()
			s.log.Info("Server ready", "addr", s.cfg.ReadyAddr)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server %s not ready on %s: %w", s.cfg.Name, s.cfg.ReadyAddr, ctx.Err())
		case <-exited:
		case <-ticker.C:
		}
	}
}

// Stop interrupts the server and kills it if it does not exit in time.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		s.log.Debug("Failed to interrupt server", "err", err)
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}
	s.log.Warn("Server did not stop, killing it", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill server %s: %w", s.cfg.Name, err)
	}
	<-exited
	return nil
}

func (s *Server) exitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return errors.New("exit status 0")
	}
	return s.err
}

// logWriter forwards the server output line by line to the logger.
type logWriter struct {
	log log.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.log.Debug(strings.TrimRight(line, "\r\n"))
	}
}

func (w *logWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.log.Debug(w.buf.String())
		w.buf.Reset()
	}
}
