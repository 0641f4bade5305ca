package source

import (
	"context"
	"io"

	"github.com/SteelMorgan/projector/internal/offset"
)

// Slice is a finite source over a fixed list of envelopes.
type Slice[P any] struct {
	envelopes []Envelope[P]
}

// FromSlice returns a finite source. The envelopes must be in offset order.
func FromSlice[P any](envelopes ...Envelope[P]) *Slice[P] {
	return &Slice[P]{envelopes: envelopes}
}

// Open implements Source.
func (s *Slice[P]) Open(ctx context.Context, from offset.Offset) (Stream[P], error) {
	start, err := firstAfter(s.envelopes, from)
	if err != nil {
		return nil, err
	}
	return &sliceStream[P]{envelopes: s.envelopes[start:]}, nil
}

type sliceStream[P any] struct {
	envelopes []Envelope[P]
	pos       int
}

func (s *sliceStream[P]) Next(ctx context.Context) (Envelope[P], error) {
	if err := ctx.Err(); err != nil {
		return Envelope[P]{}, err
	}
	if s.pos >= len(s.envelopes) {
		return Envelope[P]{}, io.EOF
	}
	env := s.envelopes[s.pos]
	s.pos++
	return env, nil
}

func (s *sliceStream[P]) Close() error { return nil }

func firstAfter[P any](envelopes []Envelope[P], from offset.Offset) (int, error) {
	for i, env := range envelopes {
		after, err := offset.After(env.Offset, from)
		if err != nil {
			return 0, err
		}
		if after {
			return i, nil
		}
	}
	return len(envelopes), nil
}
