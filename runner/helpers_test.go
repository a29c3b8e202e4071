package runner

import (
	"sync"

	"github.com/ethereum-optimism/op-harness/types"
)

type eventCollector struct {
	mu     sync.Mutex
	events []*types.Event
}

func (c *eventCollector) LogRaw(ev *types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) find(action types.Action, status string) *types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Action == action && ev.Status == status {
			return ev
		}
	}
	return nil
}
