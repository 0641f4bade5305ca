// Package documents is the read model maintained by the projector. Every
// event appends a fragment to a text document; fragments are joined with
// Separator. Writes happen inside the projection session, so a document
// and its projection offset always move together.
package documents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/SteelMorgan/projector/internal/projection"
	"github.com/SteelMorgan/projector/internal/session"
	"github.com/SteelMorgan/projector/internal/source"
)

// Separator joins fragments of one document.
const Separator = "|"

// Table is the relational table and key-value namespace for documents.
const Table = "projection_documents"

// Event appends Text to the document DocumentID.
type Event struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

// Decode parses a JSON event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode document event: %w", err)
	}
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	if e.DocumentID == "" {
		return Event{}, fmt.Errorf("document event without document_id")
	}
	return e, nil
}

// Encode renders an event as JSON.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Store persists documents for one backend. Load and Save run inside a
// projection session; Get reads committed state.
type Store[C any] interface {
	CreateSchema(ctx context.Context) error
	Load(ctx context.Context, conn C, id string) (string, bool, error)
	Save(ctx context.Context, conn C, id, body string, at time.Time) error
	Get(ctx context.Context, id string) (string, bool, error)
}

// NewHandler returns the projection handler that appends events to
// documents in store.
func NewHandler[C any](store Store[C]) projection.Handler[C, Event] {
	return projection.HandlerFunc[C, Event](func(ctx context.Context, s session.Session[C], env source.Envelope[Event]) error {
		return s.WithConnection(ctx, func(conn C) error {
			return apply(ctx, store, conn, env)
		})
	})
}

// NewRawHandler decodes JSON payloads before applying them. A payload that
// does not decode is a handler failure and goes through the recovery
// policy.
func NewRawHandler[C any](store Store[C]) projection.Handler[C, []byte] {
	inner := NewHandler(store)
	return projection.HandlerFunc[C, []byte](func(ctx context.Context, s session.Session[C], env source.Envelope[[]byte]) error {
		event, err := Decode(env.Payload)
		if err != nil {
			return err
		}
		return inner.Process(ctx, s, source.Envelope[Event]{
			ID:        env.ID,
			Offset:    env.Offset,
			Payload:   event,
			Timestamp: env.Timestamp,
		})
	})
}

func apply[C any](ctx context.Context, store Store[C], conn C, env source.Envelope[Event]) error {
	id := env.Payload.DocumentID
	if id == "" {
		return fmt.Errorf("envelope %s has no document id", env.ID)
	}
	body, ok, err := store.Load(ctx, conn, id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}
	if ok {
		body += Separator + env.Payload.Text
	} else {
		body = env.Payload.Text
	}
	at := env.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if err := store.Save(ctx, conn, id, body, at.UTC()); err != nil {
		return fmt.Errorf("save document %s: %w", id, err)
	}
	return nil
}

// PartitionKey keys raw envelopes by document, so every fragment of a
// document is handled by the same shard in stream order. Payloads that do
// not decode fall back to the envelope id.
func PartitionKey(env source.Envelope[[]byte]) string {
	if e, err := Decode(env.Payload); err == nil {
		return e.DocumentID
	}
	return env.ID
}
