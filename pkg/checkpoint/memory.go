package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Values are kept encoded so it fails the
// same way a persistent backend does.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, metric string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	m.mu.RLock()
	s, ok := m.values[Key(metric)]
	m.mu.RUnlock()
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := Decode(s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (m *Memory) Set(ctx context.Context, metric string, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[Key(metric)] = Encode(t)
	m.mu.Unlock()
	return nil
}

// SetRaw stores an unvalidated value under metric's key.
func (m *Memory) SetRaw(metric, value string) {
	m.mu.Lock()
	m.values[Key(metric)] = value
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
