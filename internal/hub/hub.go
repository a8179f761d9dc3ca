package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tracyhatemice/payrelay/internal/payment"
)

var pongFrame = []byte(`{"type":"pong"}`)

// Envelope is the JSON frame sent to subscribers.
type Envelope struct {
	Type    string         `json:"type"`
	Payment *payment.Event `json:"payment,omitempty"`
}

// Config holds hub settings.
type Config struct {
	// InboundRate caps how many non-ping frames per second a subscriber
	// may send before the rest are dropped unlogged. Pings are always
	// answered.
	InboundRate int
	// MaxMessageBytes is the largest inbound frame accepted. A subscriber
	// sending more is disconnected.
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

type subscriber struct {
	id      string
	remote  string
	conn    *websocket.Conn
	limiter *rate.Limiter
}

// Hub tracks connected subscribers and fans payments out to them.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New creates an empty hub.
func New(cfg Config, logger *slog.Logger) *Hub {
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = 5
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 100 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a WebSocket and serves the
// subscriber until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	sub := &subscriber{
		id:      uuid.NewString(),
		remote:  r.RemoteAddr,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundRate),
	}
	h.add(sub)
	defer h.remove(sub)

	h.logger.Info("websocket connection", "remote", sub.remote, "id", sub.id)
	h.serve(r.Context(), sub)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.conn.CloseNow()
}

func (h *Hub) snapshot() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	return out
}

// serve reads inbound frames until the connection fails.
func (h *Hub) serve(ctx context.Context, sub *subscriber) {
	for {
		_, data, err := sub.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				h.logger.Info("websocket close", "remote", sub.remote, "id", sub.id)
			default:
				if !errors.Is(err, context.Canceled) {
					h.logger.Warn("websocket client error", "remote", sub.remote, "id", sub.id, "error", err)
				}
			}
			return
		}

		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ping" {
			if !sub.limiter.Allow() {
				continue
			}
			if err != nil {
				h.logger.Warn("websocket message handler error", "remote", sub.remote, "id", sub.id, "error", err)
			} else {
				h.logger.Warn("websocket unexpected message", "remote", sub.remote, "id", sub.id, "message", preview(data))
			}
			continue
		}
		if err := h.send(ctx, sub, pongFrame); err != nil {
			h.logger.Warn("websocket pong failed", "remote", sub.remote, "error", err)
			return
		}
	}
}

// preview shortens an inbound payload for logging.
func preview(data []byte) string {
	const limit = 256
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}

func (h *Hub) send(ctx context.Context, sub *subscriber, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return sub.conn.Write(ctx, websocket.MessageText, frame)
}

// Broadcast sends ev to every connected subscriber and returns how many
// accepted it. A failed send closes that subscriber and is not retried.
func (h *Hub) Broadcast(ctx context.Context, ev payment.Event) (int, error) {
	frame, err := json.Marshal(Envelope{Type: "venmo", Payment: &ev})
	if err != nil {
		return 0, fmt.Errorf("marshal payment: %w", err)
	}

	subs := h.snapshot()
	h.logger.Info("emit venmo message", "payment_id", ev.PaymentID, "clients", len(subs))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.send(ctx, sub, frame); err != nil {
				h.logger.Warn("websocket send failed", "remote", sub.remote, "id", sub.id, "error", err)
				sub.conn.CloseNow()
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return delivered, nil
}

// Close disconnects every subscriber with a going-away status.
func (h *Hub) Close() {
	for _, sub := range h.snapshot() {
		sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
