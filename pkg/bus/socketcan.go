package bus

import (
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-daq/canbus"
)

const subBuffer = 16

// Available reports whether the named CAN interface exists and is up.
// Mirrors the adapter probe done before opening: a down or missing
// interface is a soft condition, not an error.
func Available(iface string) bool {
	out, err := exec.Command("ip", "link", "show", iface).CombinedOutput()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "UP")
}

// SocketCAN is an Adapter over a Linux socketcan interface. A single
// receive goroutine fans incoming frames out to per-address subscribers.
type SocketCAN struct {
	sock *canbus.Socket

	sendMu sync.Mutex

	mu      sync.Mutex
	subs    map[uint32]map[int]chan Frame
	nextSub int
	closed  bool
}

// Open binds a socketcan adapter to the named interface and starts the
// receive loop.
func Open(iface string) (*SocketCAN, error) {
	if !Available(iface) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, iface)
	}
	sock, err := canbus.New()
	if err != nil {
		return nil, fmt.Errorf("open can socket: %w", err)
	}
	if err := sock.Bind(iface); err != nil {
		sock.Close()
		return nil, fmt.Errorf("bind %s: %w", iface, err)
	}
	s := &SocketCAN{
		sock: sock,
		subs: make(map[uint32]map[int]chan Frame),
	}
	go s.recvLoop()
	return s, nil
}

// Send writes one frame to the bus.
func (s *SocketCAN) Send(f Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := s.sock.Send(canbus.Frame{ID: f.ID, Data: f.Data, Kind: canbus.SFF})
	if err != nil {
		return fmt.Errorf("can send to %#x: %w", f.ID, err)
	}
	return nil
}

// Subscribe registers a channel for frames from the given CAN address.
func (s *SocketCAN) Subscribe(id uint32) (<-chan Frame, func()) {
	ch := make(chan Frame, subBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	key := s.nextSub
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]chan Frame)
	}
	s.subs[id][key] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m, ok := s.subs[id]; ok {
			if _, ok := m[key]; ok {
				delete(m, key)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// Close shuts down the socket and closes all subscriber channels.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, m := range s.subs {
		for key, ch := range m {
			close(ch)
			delete(m, key)
		}
		delete(s.subs, id)
	}
	s.mu.Unlock()
	return s.sock.Close()
}

func (s *SocketCAN) recvLoop() {
	for {
		f, err := s.sock.Recv()
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.mu.Unlock()
			log.Printf("bus: receive error: %v", err)
			return
		}
		for _, ch := range s.subs[f.ID] {
			select {
			case ch <- Frame{ID: f.ID, Data: f.Data}:
			default:
				// Slow subscriber, drop rather than stall the bus.
			}
		}
		s.mu.Unlock()
	}
}
