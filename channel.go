package depman

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// CommunicationChannel forwards events between independent managers,
// each running its own dispatch loop. A single mutex guards its roster
// of managers; it is the only piece of state shared across managers.
type CommunicationChannel struct {
	mu       sync.Mutex
	managers map[*Manager]struct{}
}

// NewCommunicationChannel creates an empty channel.
func NewCommunicationChannel() *CommunicationChannel {
	return &CommunicationChannel{managers: make(map[*Manager]struct{})}
}

// Join adds m to the channel's roster.
func (c *CommunicationChannel) Join(m *Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managers[m] = struct{}{}
}

// Leave removes m from the roster.
func (c *CommunicationChannel) Leave(m *Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.managers, m)
}

// Broadcast pushes a copy of build(NoOriginator) onto every roster
// member's queue except from, at PriorityDefault. build constructs a
// fresh Event per recipient since an Event carries a mutable id
// assigned by the destination queue. Delivery to each recipient's
// queue runs concurrently via errgroup: each Push contends only on its
// own queue's mutex, so fanning the roster out this way -- rather than
// delivering one at a time -- is the whole point of a roster at all.
func (c *CommunicationChannel) Broadcast(from *Manager, build func(originator ServiceID) Event) {
	c.mu.Lock()
	recipients := make([]*Manager, 0, len(c.managers))
	for m := range c.managers {
		if m != from {
			recipients = append(recipients, m)
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, m := range recipients {
		m := m
		g.Go(func() error {
			m.queue.Push(PriorityDefault, build(NoOriginator))
			return nil
		})
	}
	_ = g.Wait()
}
