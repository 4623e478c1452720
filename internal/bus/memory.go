package bus

import (
	"context"
	"sync"
)

// Memory is an in-process bus.
type Memory struct {
	mu       sync.RWMutex
	subs     map[string]map[*memorySub]struct{}
	buffer   int
	closed   bool
	closeAll sync.Once
}

type memorySub struct {
	bus      *Memory
	channels []string
	out      chan Message
	once     sync.Once
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{subs: make(map[string]map[*memorySub]struct{}), buffer: buffer}
}

func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[channel] {
		payload := make([]byte, len(data))
		copy(payload, data)
		deliver(sub.out, Message{Channel: channel, Data: payload}, nil)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: m, channels: channels, out: make(chan Message, m.buffer)}
	for _, ch := range channels {
		set, ok := m.subs[ch]
		if !ok {
			set = make(map[*memorySub]struct{})
			m.subs[ch] = set
		}
		set[sub] = struct{}{}
	}
	return sub, nil
}

func (m *Memory) Close() error {
	m.closeAll.Do(func() {
		m.mu.Lock()
		m.closed = true
		subs := make(map[*memorySub]struct{})
		for _, set := range m.subs {
			for s := range set {
				subs[s] = struct{}{}
			}
		}
		m.subs = make(map[string]map[*memorySub]struct{})
		m.mu.Unlock()
		for s := range subs {
			s.once.Do(func() { close(s.out) })
		}
	})
	return nil
}

func (s *memorySub) Messages() <-chan Message {
	return s.out
}

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	for _, ch := range s.channels {
		delete(s.bus.subs[ch], s)
	}
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.out) })
	return nil
}
