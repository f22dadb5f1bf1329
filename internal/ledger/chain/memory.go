package chain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryChain is an in-process Chain. It does not survive restarts.
type MemoryChain struct {
	mu        sync.RWMutex
	entries   []*Entry
	byRequest map[string]int64
	now       func() time.Time
}

// NewMemory returns a MemoryChain holding only the genesis entry.
func NewMemory() *MemoryChain {
	c := &MemoryChain{
		byRequest: make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
	c.entries = append(c.entries, genesisEntry(c.now()))
	return c
}

// Accept implements Chain.
func (c *MemoryChain) Accept(ctx context.Context, op Op) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.byRequest[op.RequestID]; ok {
		return c.entries[idx], false, nil
	}
	e := next(c.entries[len(c.entries)-1], op, c.now())
	c.entries = append(c.entries, e)
	c.byRequest[op.RequestID] = e.Index
	return e, true, nil
}

// FindByRequest implements Chain.
func (c *MemoryChain) FindByRequest(_ context.Context, requestID string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byRequest[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.entries[idx], nil
}

// Get implements Chain.
func (c *MemoryChain) Get(_ context.Context, index int64) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= int64(len(c.entries)) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	return c.entries[index], nil
}

// Len implements Chain.
func (c *MemoryChain) Len(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)), nil
}

// Verify implements Chain.
func (c *MemoryChain) Verify(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var prev *Entry
	for _, curr := range c.entries {
		if err := check(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Chain.
func (c *MemoryChain) Root(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[len(c.entries)-1].Hash, nil
}
