package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tracyhatemice/payrelay/internal/extract"
	"github.com/tracyhatemice/payrelay/internal/mailbox"
	"github.com/tracyhatemice/payrelay/internal/payment"
)

// Source yields mailbox events until it is exhausted.
type Source interface {
	Events() <-chan mailbox.Event
}

// Broadcaster delivers a payment to live subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev payment.Event) (int, error)
}

// Alerter receives candidate notifications that failed validation.
type Alerter interface {
	Forward(raw []byte, step, reason string) error
}

// Relay moves messages from a mailbox session through the extractor to
// the broadcaster.
type Relay struct {
	source      Source
	extractor   *extract.Extractor
	broadcaster Broadcaster
	alerter     Alerter
	logger      *slog.Logger
}

// New creates a Relay. alerter may be nil.
func New(
	source Source,
	extractor *extract.Extractor,
	broadcaster Broadcaster,
	alerter Alerter,
	logger *slog.Logger,
) *Relay {
	return &Relay{
		source:      source,
		extractor:   extractor,
		broadcaster: broadcaster,
		alerter:     alerter,
		logger:      logger,
	}
}

// Run consumes events until the source closes or ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	events := r.source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case mailbox.EventConnected, mailbox.EventDisconnected:
				r.logger.Info("mailbox " + ev.Kind.String())
			case mailbox.EventMessage:
				r.Handle(ctx, ev.Message)
			}
		}
	}
}

// Handle processes one message. Failures are logged and never stop the
// relay.
func (r *Relay) Handle(ctx context.Context, msg *mailbox.Message) {
	r.logger.Info("received message",
		"seq", msg.SeqNum,
		"from", msg.From,
		"subject", msg.Subject,
	)

	ev, err := r.extractor.Extract(msg)
	if errors.Is(err, extract.ErrNotPayment) {
		return
	}
	var rej *extract.Rejection
	if errors.As(err, &rej) {
		r.logger.Warn("payment notification rejected",
			"seq", msg.SeqNum,
			"step", rej.Step,
			"error", rej.Err,
		)
		r.alert(msg, rej)
		return
	}
	if err != nil {
		r.logger.Error("message handler error", "seq", msg.SeqNum, "error", err)
		return
	}

	n, err := r.broadcaster.Broadcast(ctx, ev)
	if err != nil {
		r.logger.Error("broadcast failed", "payment_id", ev.PaymentID, "error", err)
		return
	}
	r.logger.Info("payment relayed",
		"seq", msg.SeqNum,
		"payment_id", ev.PaymentID,
		"amount_cents", ev.AmountCents,
		"clients", n,
	)
}

func (r *Relay) alert(msg *mailbox.Message, rej *extract.Rejection) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Forward(msg.Source, rej.Step, rej.Err.Error()); err != nil {
		r.logger.Error("forward rejected notification failed", "seq", msg.SeqNum, "error", err)
	}
}
