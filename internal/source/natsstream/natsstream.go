// Package natsstream reads projection envelopes from a JetStream stream.
// The stream sequence is the offset, so no server-side consumer state is
// kept: a restarted projection resumes from its stored offset.
package natsstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/retry"
	"github.com/SteelMorgan/projector/internal/source"
)

// HeaderMsgID is the JetStream deduplication header; it doubles as the
// envelope id when present.
const HeaderMsgID = "Nats-Msg-Id"

// Config selects the stream and subject filter.
type Config struct {
	Stream       string
	Subject      string        // filter; wildcards allowed
	PollInterval time.Duration // wait between lookups at the head of the stream
}

// Source is a source.Source over raw JetStream message payloads.
type Source struct {
	js  jetstream.JetStream
	cfg Config
}

// New creates a source.
func New(js jetstream.JetStream, cfg Config) (*Source, error) {
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("stream and subject are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Source{js: js, cfg: cfg}, nil
}

// Open implements source.Source. from must be nil or an offset.Sequence.
func (s *Source) Open(ctx context.Context, from offset.Offset) (source.Stream[[]byte], error) {
	next := uint64(1)
	switch f := from.(type) {
	case nil:
	case offset.Sequence:
		if f < 0 {
			return nil, fmt.Errorf("negative stream sequence %d", f)
		}
		next = uint64(f) + 1
	default:
		return nil, errs.New("natsstream.open", errs.KindInvalid,
			errs.WithMessage("stream offsets must be sequences, got "+from.Manifest()))
	}

	stream, err := s.js.Stream(ctx, s.cfg.Stream)
	if err != nil {
		return nil, errs.New("natsstream.open", errs.KindSource, errs.WithCause(err))
	}
	return &reader{stream: stream, cfg: s.cfg, next: next}, nil
}

type reader struct {
	stream jetstream.Stream
	cfg    Config
	next   uint64
}

func (r *reader) Next(ctx context.Context) (source.Envelope[[]byte], error) {
	for {
		msg, err := r.stream.GetMsg(ctx, r.next, jetstream.WithGetMsgSubject(r.cfg.Subject))
		switch {
		case err == nil:
			r.next = msg.Sequence + 1
			return toEnvelope(msg), nil
		case ctx.Err() != nil:
			return source.Envelope[[]byte]{}, ctx.Err()
		case errors.Is(err, jetstream.ErrMsgNotFound):
			if werr := retry.Wait(ctx, r.cfg.PollInterval); werr != nil {
				return source.Envelope[[]byte]{}, werr
			}
		default:
			return source.Envelope[[]byte]{}, errs.New("natsstream.next", errs.KindSource,
				errs.WithMessage("sequence "+strconv.FormatUint(r.next, 10)),
				errs.WithCause(err))
		}
	}
}

func (r *reader) Close() error { return nil }

func toEnvelope(msg *jetstream.RawStreamMsg) source.Envelope[[]byte] {
	id := ""
	if msg.Header != nil {
		id = msg.Header.Get(HeaderMsgID)
	}
	if id == "" {
		id = msg.Subject + ":" + strconv.FormatUint(msg.Sequence, 10)
	}
	return source.Envelope[[]byte]{
		ID:        id,
		Offset:    offset.Sequence(msg.Sequence),
		Payload:   msg.Data,
		Timestamp: msg.Time,
	}
}
