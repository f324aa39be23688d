// Package inbound guards reactive message handling: each message is
// processed at most once, and only when it is fresh and from someone
// else.
package inbound

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/dedupe"
)

const DefaultMaxAge = 60 * time.Second

// Responder does the actual work for one accepted message.
type Responder interface {
	Respond(ctx context.Context, msg contractx.InboundMessage) error
}

type ResponderFunc func(ctx context.Context, msg contractx.InboundMessage) error

func (f ResponderFunc) Respond(ctx context.Context, msg contractx.InboundMessage) error {
	return f(ctx, msg)
}

type Processor struct {
	processed contractx.ProcessedLog
	responder Responder
	maxAge    time.Duration
	now       contractx.Clock
}

type Option func(*Processor)

func WithMaxAge(maxAge time.Duration) Option {
	return func(p *Processor) {
		if maxAge > 0 {
			p.maxAge = maxAge
		}
	}
}

func WithClock(now contractx.Clock) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProcessor(processed contractx.ProcessedLog, responder Responder, opts ...Option) (*Processor, error) {
	if processed == nil || responder == nil {
		return nil, errors.New("processor needs a processed log and a responder")
	}
	p := &Processor{
		processed: processed,
		responder: responder,
		maxAge:    DefaultMaxAge,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Process handles one inbound message. Own and stale messages are
// dropped silently; already-seen ids are dropped with
// ErrDuplicateMessage. A message is marked processed even when the
// responder fails: retrying a half-applied side effect is worse than
// losing one reply.
func (p *Processor) Process(ctx context.Context, msg contractx.InboundMessage) error {
	if msg.FromMe {
		return nil
	}
	if !msg.Timestamp.IsZero() && p.now().Sub(msg.Timestamp) > p.maxAge {
		log.Debug().Str("sender", msg.Sender).Time("ts", msg.Timestamp).Msg("skipping stale message")
		return nil
	}

	id := dedupe.MessageID(msg)
	seen, err := p.processed.Seen(ctx, id)
	if err != nil {
		return err
	}
	if seen {
		return contractx.ErrDuplicateMessage
	}

	respondErr := p.responder.Respond(ctx, msg)

	if err := p.processed.Mark(ctx, id); err != nil {
		log.Error().Err(err).Str("message_id", id).Msg("failed to mark message processed")
		if respondErr == nil {
			return err
		}
	}
	return respondErr
}
