package addons

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	name     string
	startErr error
	readyErr error
	events   *[]string
}

func (f *fakeServer) Name() string { return f.name }

func (f *fakeServer) Start(context.Context) error {
	*f.events = append(*f.events, "start "+f.name)
	return f.startErr
}

func (f *fakeServer) Stop(context.Context) error {
	*f.events = append(*f.events, "stop "+f.name)
	return nil
}

func (f *fakeServer) Ready(context.Context, time.Duration) error {
	return f.readyErr
}

func TestAddonsManagerStartStop(t *testing.T) {
	var events []string
	m, err := NewAddonsManager(
		WithLogger(log.NewLogger(log.DiscardHandler())),
		WithServer(&fakeServer{name: "http", events: &events}),
		WithServer(&fakeServer{name: "ws", events: &events}),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, []string{"start http", "start ws", "stop ws", "stop http"}, events)
}

func TestAddonsManagerStartFailureStopsStarted(t *testing.T) {
	tests := []struct {
		name   string
		second *fakeServer
		want   []string
	}{
		{
			name:   "start error",
			second: &fakeServer{name: "ws", startErr: errors.New("boom")},
			want:   []string{"start http", "start ws", "stop http"},
		},
		{
			name:   "ready error",
			second: &fakeServer{name: "ws", readyErr: errors.New("timeout")},
			want:   []string{"start http", "start ws", "stop ws", "stop http"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []string
			tt.second.events = &events
			m, err := NewAddonsManager(
				WithServer(&fakeServer{name: "http", events: &events}),
				WithServer(tt.second),
				WithReadyTimeout(time.Second),
			)
			require.NoError(t, err)
			assert.Error(t, m.Start(context.Background()))
			assert.Equal(t, tt.want, events)
		})
	}
}

func TestNilAddonsManager(t *testing.T) {
	var m *AddonsManager
	assert.NoError(t, m.Start(context.Background()))
	assert.NoError(t, m.Stop(context.Background()))
}
