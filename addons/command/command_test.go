//go:build !windows

package command

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func TestServerReadyWithoutAddr(t *testing.T) {
	s := NewServer(Config{Name: "sleeper", Binary: "/bin/sh", Args: []string{"-c", "echo up; exec sleep 30"}}, testLogger())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Ready(ctx, time.Second))
	assert.Error(t, s.Start(ctx))

	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(start), defaultStopTimeout+time.Second)
	require.NoError(t, s.Stop(ctx))
}

func TestServerReadyOnAddr(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	s := NewServer(Config{Binary: "/bin/sh", Args: []string{"-c", "exec sleep 30"}, ReadyAddr: l.Addr().String()}, testLogger())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(ctx) }()
	assert.Equal(t, "/bin/sh", s.Name())
	require.NoError(t, s.Ready(ctx, 2*time.Second))
}

func TestServerNotReady(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := NewServer(Config{Binary: "/bin/sh", Args: []string{"-c", "exec sleep 30"}, ReadyAddr: addr}, testLogger())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(ctx) }()
	assert.Error(t, s.Ready(ctx, 300*time.Millisecond))
}

func TestServerExitsEarly(t *testing.T) {
	s := NewServer(Config{Binary: "/bin/sh", Args: []string{"-c", "exit 3"}, ReadyAddr: "127.0.0.1:1"}, testLogger())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	err := s.Ready(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before becoming ready")
}

func TestServerValidation(t *testing.T) {
	s := NewServer(Config{}, nil)
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Ready(context.Background(), time.Second))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestLogWriterSplitsLines(t *testing.T) {
	w := &logWriter{log: testLogger()}
	n, err := w.Write([]byte("a\nb"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "b", w.buf.String())
	_, _ = w.Write([]byte("c\n"))
	assert.Equal(t, 0, w.buf.Len())
	_, _ = w.Write([]byte("tail"))
	w.flush()
	assert.Equal(t, 0, w.buf.Len())
}
