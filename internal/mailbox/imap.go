package mailbox

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPDialer opens IMAP/IMAPS connections.
type IMAPDialer struct {
	host    string
	port    int
	useTLS  bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewIMAPDialer creates a dialer for the given server. timeout bounds each
// command on the connection; zero disables it. IDLE itself is not bounded.
func NewIMAPDialer(host string, port int, useTLS bool, timeout time.Duration, logger *slog.Logger) *IMAPDialer {
	return &IMAPDialer{
		host:    host,
		port:    port,
		useTLS:  useTLS,
		timeout: timeout,
		logger:  logger,
	}
}

// Dial connects to the server. EXISTS and EXPUNGE pushes received on the
// connection are queued on its Updates.
func (d *IMAPDialer) Dial(ctx context.Context) (Conn, error) {
	addr := net.JoinHostPort(d.host, strconv.Itoa(d.port))

	var nc net.Conn
	var err error
	if d.useTLS {
		td := &tls.Dialer{Config: &tls.Config{ServerName: d.host}}
		nc, err = td.DialContext(ctx, "tcp", addr)
	} else {
		var nd net.Dialer
		nc, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	updates := NewUpdates()
	client := imapclient.New(nc, &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) {
				updates.Push(Update{Kind: UpdateExpunge, Num: seqNum})
			},
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					updates.Push(Update{Kind: UpdateExists, Num: *data.NumMessages})
				}
			},
		},
	})
	d.logger.Debug("imap connected", "addr", addr, "tls", d.useTLS)
	return &imapConn{client: client, nc: nc, timeout: d.timeout, updates: updates}, nil
}

type imapConn struct {
	client  *imapclient.Client
	nc      net.Conn
	timeout time.Duration
	updates *Updates
}

// guard runs fn under a deadline on the underlying connection. A server
// that stops answering fails the command and closes the client.
func (c *imapConn) guard(fn func() error) error {
	if c.timeout > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(c.timeout))
		defer c.nc.SetDeadline(time.Time{})
	}
	return fn()
}

func (c *imapConn) Login(username, password string) error {
	return c.guard(func() error {
		return c.client.Login(username, password).Wait()
	})
}

func (c *imapConn) Select(folder string) (uint32, error) {
	var n uint32
	err := c.guard(func() error {
		data, err := c.client.Select(folder, nil).Wait()
		if err != nil {
			return err
		}
		n = data.NumMessages
		return nil
	})
	return n, err
}

func (c *imapConn) Fetch(lo, hi uint32) ([]Message, error) {
	nums := make([]uint32, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		nums = append(nums, n)
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	var buffers []*imapclient.FetchMessageBuffer
	err := c.guard(func() error {
		var err error
		buffers, err = c.client.Fetch(imap.SeqSetNum(nums...), fetchOptions).Collect()
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(buffers, func(a, b *imapclient.FetchMessageBuffer) int {
		return cmp.Compare(a.SeqNum, b.SeqNum)
	})

	msgs := make([]Message, 0, len(buffers))
	for _, buf := range buffers {
		msg := Message{
			SeqNum: buf.SeqNum,
			Source: buf.FindBodySection(bodySection),
		}
		if buf.Envelope != nil {
			msg.Subject = buf.Envelope.Subject
			msg.Date = buf.Envelope.Date
			if len(buf.Envelope.From) > 0 {
				msg.From = buf.Envelope.From[0].Addr()
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (c *imapConn) Idle() (Idler, error) {
	var cmd *imapclient.IdleCommand
	err := c.guard(func() error {
		var err error
		cmd, err = c.client.Idle()
		return err
	})
	if err != nil {
		return nil, err
	}
	return idleCommand{conn: c, cmd: cmd}, nil
}

func (c *imapConn) Noop() error {
	return c.guard(func() error {
		return c.client.Noop().Wait()
	})
}

func (c *imapConn) Updates() *Updates {
	return c.updates
}

func (c *imapConn) Closed() <-chan struct{} {
	return c.client.Closed()
}

func (c *imapConn) Close() error {
	return c.client.Close()
}

type idleCommand struct {
	conn *imapConn
	cmd  *imapclient.IdleCommand
}

func (i idleCommand) Close() error {
	return i.conn.guard(func() error {
		if err := i.cmd.Close(); err != nil {
			return err
		}
		return i.cmd.Wait()
	})
}
