package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds session settings.
type Config struct {
	Username string
	Password string
	Folder   string

	// Start is the initial baseline. Nil means the first EXISTS count
	// observed becomes the baseline.
	Start *uint32

	OpenTimeout    time.Duration
	IdleTimeout    time.Duration
	ReconnectDelay time.Duration

	// Checkpoint, when set, receives every baseline change.
	Checkpoint Checkpointer
}

var errClosed = errors.New("connection closed")

// Session keeps one live connection to the mail server, reconnecting
// forever, and emits new messages in ascending sequence order exactly
// once per connection lifetime.
type Session struct {
	cfg    Config
	dialer Dialer
	window *Window
	events chan Event
	logger *slog.Logger

	connected atomic.Bool

	mu  sync.Mutex
	cur *handle
}

// NewSession creates a session. Nothing happens until Run.
func NewSession(cfg Config, dialer Dialer, logger *slog.Logger) *Session {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &Session{
		cfg:    cfg,
		dialer: dialer,
		window: NewWindow(cfg.Start),
		events: make(chan Event),
		logger: logger,
	}
}

// Events returns the session's event stream. It is closed when Run
// returns. The session blocks until each event is received.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connected reports whether the folder is currently open.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer close(s.events)

	for {
		s.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		t := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// handle owns one connection attempt: the conn, its watchdog and the
// context that aborts a dial still in progress. A handle is never reused.
type handle struct {
	ctx      context.Context
	cancel   context.CancelFunc
	watchdog *time.Timer

	mu     sync.Mutex
	conn   Conn
	opened bool
	closed bool
}

// attach stores conn, or closes it at once if the handle was already
// torn down.
func (h *handle) attach(conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		conn.Close()
		return false
	}
	h.conn = conn
	return true
}

// markOpen disarms the watchdog. It fails if the watchdog won the race.
func (h *handle) markOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.opened = true
	h.watchdog.Stop()
	return true
}

// expire is the watchdog callback. It does nothing once the folder is open.
func (h *handle) expire() bool {
	h.mu.Lock()
	opened := h.opened
	h.mu.Unlock()
	if opened {
		return false
	}
	h.close()
	return true
}

func (h *handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.watchdog.Stop()
	h.cancel()
	if h.conn != nil {
		h.conn.Close()
	}
}

// newHandle discards the previous handle and arms the open watchdog on a
// fresh one.
func (s *Session) newHandle(ctx context.Context) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.close()
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &handle{ctx: hctx, cancel: cancel}
	h.watchdog = time.AfterFunc(s.cfg.OpenTimeout, func() {
		if h.expire() {
			s.logger.Warn("folder open timeout", "folder", s.cfg.Folder, "timeout", s.cfg.OpenTimeout)
		}
	})
	s.cur = h
	return h
}

// connect runs one connection from dial to close.
func (s *Session) connect(ctx context.Context) {
	s.logger.Info("imap connect")
	h := s.newHandle(ctx)
	defer s.disconnect(ctx, h)

	conn, err := s.dialer.Dial(h.ctx)
	if err != nil {
		s.logger.Error("imap init error", "error", err)
		return
	}
	if !h.attach(conn) {
		return
	}

	if err := conn.Login(s.cfg.Username, s.cfg.Password); err != nil {
		s.logger.Error("imap init error", "error", fmt.Errorf("imap login %s: %w", s.cfg.Username, err))
		return
	}
	exists, err := conn.Select(s.cfg.Folder)
	if err != nil {
		s.logger.Error("imap init error", "error", fmt.Errorf("imap select %s: %w", s.cfg.Folder, err))
		return
	}
	if !h.markOpen() {
		return
	}

	s.logger.Info("imap mailbox open", "folder", s.cfg.Folder, "exists", exists)
	s.connected.Store(true)
	if err := s.emit(ctx, Event{Kind: EventConnected}); err != nil {
		return
	}

	if err := s.reconcile(ctx, conn, exists); err != nil {
		s.logger.Error("reconcile failed", "error", err)
		return
	}
	if err := s.watch(ctx, conn); err != nil && ctx.Err() == nil {
		s.logger.Warn("imap connection lost", "error", err)
	}
}

func (s *Session) disconnect(ctx context.Context, h *handle) {
	h.close()
	s.connected.Store(false)
	s.logger.Info("imap close")
	if ctx.Err() == nil {
		_ = s.emit(ctx, Event{Kind: EventDisconnected})
	}
}

// watch idles on the open folder and applies server pushes until the
// connection fails. Every IdleTimeout it leaves IDLE and probes the
// server with NOOP so a silently dropped link is noticed quickly.
func (s *Session) watch(ctx context.Context, conn Conn) error {
	for {
		if err := s.apply(ctx, conn); err != nil {
			return err
		}

		idle, err := conn.Idle()
		if err != nil {
			return fmt.Errorf("imap idle: %w", err)
		}

		t := time.NewTimer(s.cfg.IdleTimeout)
		select {
		case <-ctx.Done():
			t.Stop()
			_ = idle.Close()
			return ctx.Err()
		case <-conn.Closed():
			t.Stop()
			return errClosed
		case <-conn.Updates().Ready():
			t.Stop()
			if err := idle.Close(); err != nil {
				return fmt.Errorf("imap idle done: %w", err)
			}
		case <-t.C:
			if err := idle.Close(); err != nil {
				return fmt.Errorf("imap idle done: %w", err)
			}
			if err := conn.Noop(); err != nil {
				return fmt.Errorf("imap noop: %w", err)
			}
		}
	}
}

// apply drains queued pushes in order. Reconciliations run one after
// another on this goroutine, so the baseline never has two writers.
func (s *Session) apply(ctx context.Context, conn Conn) error {
	for _, up := range conn.Updates().Drain() {
		switch up.Kind {
		case UpdateExpunge:
			s.logger.Debug("imap expunge", "seq", up.Num)
			if s.window.Expunge(up.Num) {
				s.checkpoint()
			}
		case UpdateExists:
			s.logger.Debug("imap exists", "count", up.Num)
			if err := s.reconcile(ctx, conn, up.Num); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcile fetches and emits everything between the baseline and n,
// then advances the baseline. A failure leaves the baseline untouched so
// the next connection fetches the range again.
func (s *Session) reconcile(ctx context.Context, conn Conn, n uint32) error {
	_, known := s.window.LastSeen()
	lo, hi, ok := s.window.Observe(n)
	if !ok {
		if !known {
			s.logger.Info("seq num init", "seq", n)
			s.checkpoint()
		}
		return nil
	}

	s.logger.Info("downloading sequence numbers", "from", lo, "to", hi)
	msgs, err := conn.Fetch(lo, hi)
	if err != nil {
		return fmt.Errorf("imap fetch %d:%d: %w", lo, hi, err)
	}
	for i := range msgs {
		if err := s.emit(ctx, Event{Kind: EventMessage, Message: &msgs[i]}); err != nil {
			return err
		}
	}
	s.window.Commit(hi)
	s.checkpoint()
	return nil
}

func (s *Session) checkpoint() {
	if s.cfg.Checkpoint == nil {
		return
	}
	seq, _ := s.window.LastSeen()
	if err := s.cfg.Checkpoint.Save(seq); err != nil {
		s.logger.Error("save checkpoint failed", "seq", seq, "error", err)
	}
}

func (s *Session) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
