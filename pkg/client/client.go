// Package client is the endpoint side of the relay: it keeps one duplex
// connection open, reconnecting with exponential backoff, and queues
// outbound envelopes while the connection is down.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"support-relay/pkg/constants"
	"support-relay/pkg/metrics"
	"support-relay/pkg/protocol"
)

// ErrClosed is returned by operations on a client after Disconnect.
var ErrClosed = errors.New("client closed")

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is one open duplex connection.
type Transport interface {
	Write(env protocol.Envelope) error
	// Read blocks for the next envelope. Malformed frames are reported with
	// an error wrapping protocol.ErrMalformedEnvelope and do not end the
	// connection.
	Read() (protocol.Envelope, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type Options struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	EventBuffer int
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type Client struct {
	mu        sync.Mutex
	state     State
	transport Transport
	queue     []protocol.Envelope
	backoff   *Backoff
	retry     *time.Timer
	// attempt identifies the current connection attempt; callbacks from an
	// older attempt are ignored.
	attempt uint64

	dialer  Dialer
	events  chan protocol.Envelope
	states  chan State
	readers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(dialer Dialer, opts Options, logger *logrus.Logger) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = constants.DefaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = constants.DefaultBackoffMax
		if opts.BackoffMax < opts.BackoffBase {
			opts.BackoffMax = opts.BackoffBase
		}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		state:   StateDisconnected,
		backoff: NewBackoff(opts.BackoffBase, opts.BackoffMax),
		dialer:  dialer,
		events:  make(chan protocol.Envelope, opts.EventBuffer),
		states:  make(chan State, 1),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Events delivers every envelope received from the relay. It is closed after
// Disconnect.
func (c *Client) Events() <-chan protocol.Envelope {
	return c.events
}

// StateChanges carries the latest connection state; intermediate states may
// be skipped by a slow reader. It is closed after Disconnect.
func (c *Client) StateChanges() <-chan State {
	return c.states
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting if the client is idle.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
		c.startAttemptLocked()
	}
	return nil
}

// Send transmits env now if connected; otherwise it is queued and flushed in
// order once connected. Sending while disconnected reconnects immediately.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		if err := c.transport.Write(env); err != nil {
			c.queue = append(c.queue, env)
			c.dropTransportLocked(err)
		}
	case StateConnecting:
		c.queue = append(c.queue, env)
	case StateDisconnected:
		c.queue = append(c.queue, env)
		c.startAttemptLocked()
	}
	return nil
}

// Online signals that network connectivity came back. A disconnected client
// reconnects at once instead of waiting out its backoff.
func (c *Client) Online() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		c.startAttemptLocked()
	}
}

// Disconnect tears the client down. No reconnect happens afterwards and
// queued envelopes are discarded.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.attempt++
	c.stopRetryLocked()
	tr := c.transport
	c.transport = nil
	c.queue = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.cancel()
	var err error
	if tr != nil {
		err = tr.Close()
	}
	c.readers.Wait()

	c.mu.Lock()
	close(c.events)
	close(c.states)
	c.mu.Unlock()
	return err
}

// Pending returns how many envelopes wait for the connection.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) startAttemptLocked() {
	c.stopRetryLocked()
	c.attempt++
	c.setStateLocked(StateConnecting)

	attempt := c.attempt
	go c.dial(attempt)
}

func (c *Client) dial(attempt uint64) {
	tr, err := c.dialer.Dial(c.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempt != attempt || c.state != StateConnecting {
		if tr != nil {
			tr.Close()
		}
		return
	}
	if err != nil {
		c.logger.WithError(err).Debug("Connection attempt failed")
		c.scheduleRetryLocked()
		return
	}

	for i, env := range c.queue {
		if err := tr.Write(env); err != nil {
			c.queue = c.queue[i:]
			tr.Close()
			c.logger.WithError(err).Debug("Flushing queue failed")
			c.scheduleRetryLocked()
			return
		}
	}
	c.queue = nil
	c.transport = tr
	c.backoff.Reset()
	c.setStateLocked(StateConnected)

	c.readers.Add(1)
	go c.readLoop(tr, attempt)
}

func (c *Client) readLoop(tr Transport, attempt uint64) {
	defer c.readers.Done()

	for {
		env, err := tr.Read()
		if errors.Is(err, protocol.ErrMalformedEnvelope) {
			c.logger.WithError(err).Warn("Dropping malformed envelope from relay")
			continue
		}
		if err != nil {
			c.mu.Lock()
			if c.attempt == attempt && c.transport == tr {
				c.dropTransportLocked(err)
			}
			c.mu.Unlock()
			return
		}

		select {
		case c.events <- env:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) dropTransportLocked(cause error) {
	c.logger.WithError(cause).Info("Connection lost")
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.attempt++
	c.scheduleRetryLocked()
}

func (c *Client) scheduleRetryLocked() {
	c.setStateLocked(StateDisconnected)

	wait := c.backoff.Next()
	attempt := c.attempt
	c.retry = time.AfterFunc(wait, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.attempt == attempt && c.state == StateDisconnected {
			c.startAttemptLocked()
		}
	})

	if c.metrics != nil {
		c.metrics.ClientReconnectsScheduled.Inc()
	}
	c.logger.WithField("wait", wait.String()).Debug("Reconnect scheduled")
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	select {
	case <-c.states:
	default:
	}
	c.states <- s
}
