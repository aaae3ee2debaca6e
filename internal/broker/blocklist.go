package broker

import (
	"context"
	"sync"
	"time"
)

// BlockList records the agents whose uplink traffic is dropped. A
// replicated deployment shares one list so a block set by the leader
// applies on every replica consuming the common queues.
type BlockList interface {
	Block(ctx context.Context, uuid string) error
	Unblock(ctx context.Context, uuid string) error
	IsBlocked(ctx context.Context, uuid string) (bool, error)
}

// MemoryBlockList is a process-local BlockList for single-node runs.
type MemoryBlockList struct {
	mu      sync.RWMutex
	blocked map[string]time.Time
}

// NewMemoryBlockList creates an empty list.
func NewMemoryBlockList() *MemoryBlockList {
	return &MemoryBlockList{blocked: map[string]time.Time{}}
}

// Block implements BlockList.
func (m *MemoryBlockList) Block(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[uuid] = time.Now()
	return nil
}

// Unblock implements BlockList.
func (m *MemoryBlockList) Unblock(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, uuid)
	return nil
}

// IsBlocked implements BlockList.
func (m *MemoryBlockList) IsBlocked(_ context.Context, uuid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[uuid]
	return ok, nil
}
