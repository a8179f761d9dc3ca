package relay

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracyhatemice/payrelay/internal/extract"
	"github.com/tracyhatemice/payrelay/internal/mailbox"
	"github.com/tracyhatemice/payrelay/internal/payment"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const paidHTML = `<table id="_story">
<tr>
<td><a href="https://venmo.com/code?user_id=1"><img src="https://pics.venmo.com/a.jpg"></a></td>
<td><a href="https://venmo.com/code?user_id=1">Alice Smith</a><span>paid</span><a href="https://venmo.com/code?user_id=2">You</a><div><p>Rent</p></div></td>
</tr>
<tr><td>Transfer Date and Amount:</td></tr>
<tr><td><span>Oct 16</span><span> · </span><img alt="public"><span>+ $12.34</span></td></tr>
<tr><td><a href="https://venmo.com/story/1">Like</a><a href="https://venmo.com/story/2">Comment</a></td></tr>
</table>
<div><a href="https://venmo.com/cash_out">Cash out</a><span>Payment ID: 42</span></div>`

func message(seq uint32, subject, html string) *mailbox.Message {
	src := "From: venmo@venmo.com\r\nSubject: " + subject + "\r\nContent-Type: text/html; charset=utf-8\r\n\r\n" + html + "\r\n"
	return &mailbox.Message{SeqNum: seq, From: "venmo@venmo.com", Subject: subject, Source: []byte(src)}
}

type chanSource chan mailbox.Event

func (c chanSource) Events() <-chan mailbox.Event { return c }

type recorder struct {
	mu     sync.Mutex
	events []payment.Event
	alerts []string
}

func (r *recorder) Broadcast(_ context.Context, ev payment.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return 1, nil
}

func (r *recorder) Forward(_ []byte, step, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, step)
	return nil
}

func TestRelayBroadcastsPayments(t *testing.T) {
	rec := &recorder{}
	src := make(chanSource)
	r := New(src, extract.New(), rec, rec, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()

	src <- mailbox.Event{Kind: mailbox.EventConnected}
	src <- mailbox.Event{Kind: mailbox.EventMessage, Message: message(1, "Your statement is ready", "<p>hi</p>")}
	src <- mailbox.Event{Kind: mailbox.EventMessage, Message: message(2, "Alice Smith paid you $12.34", paidHTML)}
	bad := strings.Replace(paidHTML, "<span> · </span>", "<span> | </span>", 1)
	src <- mailbox.Event{Kind: mailbox.EventMessage, Message: message(3, "Alice Smith paid you $12.34", bad)}
	src <- mailbox.Event{Kind: mailbox.EventDisconnected}
	close(src)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop when the source closed")
	}

	if len(rec.events) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(rec.events))
	}
	if ev := rec.events[0]; ev.AmountCents != 1234 || ev.SenderName != "Alice Smith" || ev.ReceiverID != "2" || ev.PaymentID != "42" {
		t.Fatalf("event = %+v", ev)
	}
	if len(rec.alerts) != 1 || rec.alerts[0] != extract.StepSeparator {
		t.Fatalf("alerts = %v, want [%s]", rec.alerts, extract.StepSeparator)
	}
}

func TestRelayWithoutAlerter(t *testing.T) {
	rec := &recorder{}
	r := New(make(chanSource), extract.New(), rec, nil, discardLogger())
	r.Handle(context.Background(), message(1, "Alice Smith paid you $12.34", "<p>changed template</p>"))
	if len(rec.events) != 0 {
		t.Fatalf("rejected message was broadcast")
	}
}

func TestRelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(make(chanSource), extract.New(), &recorder{}, nil, discardLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay ignored cancellation")
	}
}
