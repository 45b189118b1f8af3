package namedlock

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process lock namespace.
//
// Each name has a set of held grants and a FIFO queue of waiting requests.
// The head of the queue is granted as soon as it is compatible with the held
// set; consecutive shared requests at the head are granted together. A
// waiting exclusive request therefore holds back shared requests queued
// behind it, which keeps writers from starving.
//
// Non-waiting requests only succeed when nobody is queued and the mode is
// compatible with the current holders.
//
// The zero value is not usable; create one with [NewMemory].
type Memory struct {
	mu        sync.Mutex
	resources map[string]*resource
}

// NewMemory returns an empty namespace.
func NewMemory() *Memory {
	return &Memory{resources: make(map[string]*resource)}
}

// Holder describes one current holder of a name.
type Holder struct {
	Token string
	Mode  Mode
}

type resource struct {
	held  []*memoryGrant
	queue []*request
}

type request struct {
	mode  Mode
	ready chan struct{}
	grant *memoryGrant
}

type memoryGrant struct {
	svc   *Memory
	name  string
	mode  Mode
	token string
}

// Acquire implements [Service].
func (m *Memory) Acquire(ctx context.Context, name string, mode Mode, wait bool) (Grant, error) {
	m.mu.Lock()

	res := m.resource(name)

	if !wait {
		defer m.mu.Unlock()

		if len(res.queue) > 0 || !res.compatible(mode) {
			m.cleanup(name, res)

			return nil, ErrWouldBlock
		}

		return m.grant(name, res, mode), nil
	}

	if err := ctx.Err(); err != nil {
		m.cleanup(name, res)
		m.mu.Unlock()

		return nil, err
	}

	req := &request{mode: mode, ready: make(chan struct{})}
	res.queue = append(res.queue, req)
	m.process(name, res)
	m.mu.Unlock()

	select {
	case <-req.ready:
		return req.grant, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Granted while we were giving up: the grant stands.
	if req.grant != nil {
		return req.grant, nil
	}

	res.queue = slices.DeleteFunc(res.queue, func(r *request) bool { return r == req })
	m.process(name, res)
	m.cleanup(name, res)

	return nil, ctx.Err()
}

// Holders returns the current holders of name in grant order.
func (m *Memory) Holders(name string) []Holder {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.resources[name]
	if !ok {
		return nil
	}

	holders := make([]Holder, 0, len(res.held))
	for _, g := range res.held {
		holders = append(holders, Holder{Token: g.token, Mode: g.mode})
	}

	return holders
}

// Waiting returns the number of queued requests for name.
func (m *Memory) Waiting(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.resources[name]
	if !ok {
		return 0
	}

	return len(res.queue)
}

func (m *Memory) resource(name string) *resource {
	res, ok := m.resources[name]
	if !ok {
		res = &resource{}
		m.resources[name] = res
	}

	return res
}

// process grants queued requests from the head while they are compatible.
// Callers hold m.mu.
func (m *Memory) process(name string, res *resource) {
	for len(res.queue) > 0 {
		head := res.queue[0]
		if !res.compatible(head.mode) {
			return
		}

		res.queue = res.queue[1:]
		head.grant = m.grant(name, res, head.mode)
		close(head.ready)
	}
}

// cleanup drops the entry for an idle name. Callers hold m.mu.
func (m *Memory) cleanup(name string, res *resource) {
	if len(res.held) == 0 && len(res.queue) == 0 {
		delete(m.resources, name)
	}
}

func (m *Memory) grant(name string, res *resource, mode Mode) *memoryGrant {
	g := &memoryGrant{svc: m, name: name, mode: mode, token: uuid.NewString()}
	res.held = append(res.held, g)

	return g
}

func (r *resource) compatible(mode Mode) bool {
	if mode == Exclusive {
		return len(r.held) == 0
	}

	for _, g := range r.held {
		if g.mode == Exclusive {
			return false
		}
	}

	return true
}

// Release implements [Grant].
func (g *memoryGrant) Release() error {
	m := g.svc

	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.resources[g.name]
	if !ok {
		return nil
	}

	idx := slices.Index(res.held, g)
	if idx < 0 {
		return nil
	}

	res.held = slices.Delete(res.held, idx, idx+1)
	m.process(g.name, res)
	m.cleanup(g.name, res)

	return nil
}

// Compile-time interface check.
var _ Service = (*Memory)(nil)
