package source

import (
	"context"
	"io"
	"sync"

	"github.com/SteelMorgan/projector/internal/offset"
)

// Memory is an append-only in-process log. Streams follow the log as it
// grows and end with io.EOF once the log is sealed and drained.
type Memory[P any] struct {
	mu        sync.Mutex
	envelopes []Envelope[P]
	sealed    bool
	changed   chan struct{}
}

// NewMemory creates an empty log.
func NewMemory[P any]() *Memory[P] {
	return &Memory[P]{changed: make(chan struct{})}
}

// Append adds envelopes to the end of the log.
func (m *Memory[P]) Append(envelopes ...Envelope[P]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = append(m.envelopes, envelopes...)
	m.broadcast()
}

// Seal marks the log complete.
func (m *Memory[P]) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
	m.broadcast()
}

// Len returns the number of envelopes appended so far.
func (m *Memory[P]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envelopes)
}

func (m *Memory[P]) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Open implements Source.
func (m *Memory[P]) Open(ctx context.Context, from offset.Offset) (Stream[P], error) {
	m.mu.Lock()
	start, err := firstAfter(m.envelopes, from)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &memoryStream[P]{log: m, pos: start, from: from}, nil
}

type memoryStream[P any] struct {
	log  *Memory[P]
	pos  int
	from offset.Offset
}

func (s *memoryStream[P]) Next(ctx context.Context) (Envelope[P], error) {
	for {
		s.log.mu.Lock()
		if s.pos < len(s.log.envelopes) {
			env := s.log.envelopes[s.pos]
			s.pos++
			s.log.mu.Unlock()
			after, err := offset.After(env.Offset, s.from)
			if err != nil {
				return Envelope[P]{}, err
			}
			if !after {
				continue
			}
			return env, nil
		}
		if s.log.sealed {
			s.log.mu.Unlock()
			return Envelope[P]{}, io.EOF
		}
		wait := s.log.changed
		s.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope[P]{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memoryStream[P]) Close() error { return nil }
