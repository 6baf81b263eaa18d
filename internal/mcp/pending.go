// ABOUTME: Request-id keyed table of in-flight exchanges on one session.
// ABOUTME: The stream reader resolves entries; close releases every waiter.

package mcp

import (
	"errors"
	"sync"
)

// ErrDuplicateRequestID indicates the request id is already in flight.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// reply is delivered to a waiter exactly once.
type reply struct {
	msg *message
	err error
}

type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan reply
	closed  error
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan reply)}
}

// add registers a waiter for id. It fails once the table has been closed.
func (p *pendingTable) add(id string) (<-chan reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return nil, p.closed
	}
	if _, exists := p.waiters[id]; exists {
		return nil, ErrDuplicateRequestID
	}
	ch := make(chan reply, 1)
	p.waiters[id] = ch
	return ch, nil
}

// remove discards the waiter for id, if still present.
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve delivers msg to the waiter for id. It reports false for unknown ids.
func (p *pendingTable) resolve(id string, msg *message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.waiters[id]
	if !ok {
		return false
	}
	delete(p.waiters, id)
	select {
	case ch <- reply{msg: msg}:
	default:
	}
	return true
}

// close fails every waiter with err and rejects later additions.
func (p *pendingTable) close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return
	}
	p.closed = err
	for id, ch := range p.waiters {
		select {
		case ch <- reply{err: err}:
		default:
		}
		delete(p.waiters, id)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
