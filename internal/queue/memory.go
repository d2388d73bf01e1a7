package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Queue. Contents are lost on exit.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	pushes int
	pops   int
	polls  int
}

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{lists: make(map[string][][]byte)}
}

func (m *Memory) Push(_ context.Context, name string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), payload...)
	m.lists[name] = append(m.lists[name], cp)
	m.pushes++
	return nil
}

func (m *Memory) Pop(_ context.Context, name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	list := m.lists[name]
	if len(list) == 0 {
		return nil, false, nil
	}
	head := list[0]
	m.lists[name] = list[1:]
	m.pops++
	return head, true, nil
}

func (m *Memory) Len(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[name])), nil
}

func (m *Memory) Close() error { return nil }

// Items returns a copy of the entries waiting in name, oldest first.
func (m *Memory) Items(name string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.lists[name]))
	copy(out, m.lists[name])
	return out
}

// Stats reports how many pop attempts were made and how many returned an entry.
func (m *Memory) Stats() (polls, pops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls, m.pops
}

var _ Queue = (*Memory)(nil)
