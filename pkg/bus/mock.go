package bus

import "sync"

// Mock is an in-memory Adapter for tests and hardware-less development.
// Every frame written with Send is recorded and passed to Handler, whose
// returned frames are delivered to subscribers as if they had arrived from
// the bus.
type Mock struct {
	// Handler produces the simulated device response(s) for a sent frame.
	// May be nil, in which case frames are swallowed.
	Handler func(Frame) []Frame

	mu     sync.Mutex
	sent   []Frame
	subs   map[uint32]map[int]chan Frame
	nextID int
	closed bool
}

// NewMock returns a Mock adapter with the given response handler.
func NewMock(handler func(Frame) []Frame) *Mock {
	return &Mock{
		Handler: handler,
		subs:    make(map[uint32]map[int]chan Frame),
	}
}

// Send records the frame and synchronously delivers the handler's responses.
func (m *Mock) Send(f Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.sent = append(m.sent, f)
	handler := m.Handler
	m.mu.Unlock()

	if handler == nil {
		return nil
	}
	for _, resp := range handler(f) {
		m.Inject(resp)
	}
	return nil
}

// Inject delivers a frame to subscribers as if it arrived from the bus.
func (m *Mock) Inject(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, ch := range m.subs[f.ID] {
		select {
		case ch <- f:
		default:
		}
	}
}

// Subscribe registers a channel for frames from the given CAN address.
func (m *Mock) Subscribe(id uint32) (<-chan Frame, func()) {
	ch := make(chan Frame, subBuffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	key := m.nextID
	if m.subs[id] == nil {
		m.subs[id] = make(map[int]chan Frame)
	}
	m.subs[id][key] = ch
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subs[id]; ok {
			if _, ok := subs[key]; ok {
				delete(subs, key)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// Sent returns a copy of all frames written so far.
func (m *Mock) Sent() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset clears the sent-frame record.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Close closes all subscriber channels.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, subs := range m.subs {
		for key, ch := range subs {
			close(ch)
			delete(subs, key)
		}
		delete(m.subs, id)
	}
	return nil
}
