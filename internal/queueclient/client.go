// Package queueclient manages the connection to the remote work queue
// (spec §4.4). This rewrite realizes the "remote work queue backed by a
// replicated in-memory data store fronted by a failure-detector quorum" of
// spec §1 on top of NATS: JetStream provides the durable, at-least-once
// work queue ("remote queue"), and core NATS clustering/pub-sub stands in
// for the failure-detector quorum's master-switch announcements. Grounded
// on the teacher's pkg/core/eventbus_cluster_jetstream.go (stream
// bootstrap, QueueSubscribe work-queue semantics, ManualAck/AckWait) and
// pkg/core/eventbus_cluster_nats.go (the plain pub/sub connection pattern
// used for quorum-discovered mode).
package queueclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/carseeder/internal/carmodel"
)

const (
	jobNameCar         = "car"
	jobNameHealthCheck = "health-check-test"
)

// Config configures the queue client. "Quorum-discovered" mode passes
// multiple URLs (the failure-detector quorum's endpoints); "Direct" mode
// (development only) passes a single URL.
type Config struct {
	URLs           []string
	Name           string
	StreamPrefix   string
	MasterName     string
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		StreamPrefix:   "car-seeder",
		MasterName:     "mymaster",
		ConnectTimeout: 30 * time.Second,
	}
}

// EnqueueOptions mirrors spec §4.4's enqueue opts (attempts + exponential
// backoff). JetStream delegates unlimited per-request publish retries to
// the underlying nats.go library per spec §4.4. Enqueue reads only
// AutoRemoveJob, which it sends as an X-Auto-Remove message header.
// Attempts and BackoffBase are carried but not applied: no consumer or
// redelivery policy is provisioned from them.
type EnqueueOptions struct {
	Attempts       int
	BackoffBase    time.Duration
	AutoRemoveJob  bool
}

func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{Attempts: 3, BackoffBase: 2000 * time.Millisecond}
}

// Listener adapts the transport's native event emitter (nats.Conn's
// callback options) to the small listener interface spec §9 calls for:
// OnReady, OnReconnecting, OnError, OnChannelMessage. The client calls
// OnReady, OnReconnecting and OnError; it never calls OnChannelMessage.
// Failover-channel messages reach subscribers through SubscribeFailover's
// handler instead.
type Listener interface {
	OnReady()
	OnReconnecting()
	OnError(err error)
	OnChannelMessage(pattern, channel string, message []byte)
}

// Client wraps a *nats.Conn and its JetStreamContext.
type Client struct {
	cfg    Config
	logger *slog.Logger

	nc *nats.Conn
	js nats.JetStreamContext

	listener Listener
}

// Connect dials the configured URLs, waits for the connection to be
// observed ready, provisions the JetStream work-queue stream, and verifies
// readiness with a bounded-retry ping before returning — spec §4.4's
// "connection must be verified ready before callers are released."
// Reconnects are allowed, and the initial connect is synchronous, so an
// unreachable server fails Connect at once. The nats.go reconnect buffer is
// left at its default: a publish made while the connection is reconnecting
// is held in that buffer and sent once the connection is back, rather than
// failing immediately.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger, listener Listener) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "car-seeder"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if len(cfg.URLs) == 0 {
		cfg.URLs = []string{nats.DefaultURL}
	}

	c := &Client{cfg: cfg, logger: logger, listener: listener}

	if err := c.dial(); err != nil {
		return nil, err
	}

	if err := c.ensureStream(); err != nil {
		c.nc.Close()
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := c.waitReady(connectCtx); err != nil {
		c.nc.Close()
		return nil, err
	}

	if listener != nil {
		listener.OnReady()
	}
	return c, nil
}

// dial builds the reconnect-aware nats.Option set (unlimited reconnects,
// spec §4.4's min(attempt*50,2000)ms custom backoff, and the
// ReconnectHandler/DisconnectErrHandler/ErrorHandler trio that bridges to
// c.listener) and connects, setting c.nc and c.js. Both Connect and
// Reconnect call this so a forced reconnect (spec §4.6) never loses the
// custom backoff or the listener bridge for the remaining life of the
// connection.
func (c *Client) dial() error {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(0), // custom backoff applied via CustomReconnectDelay
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			ms := attempts * 50
			if ms > 2000 {
				ms = 2000
			}
			return time.Duration(ms) * time.Millisecond
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("queue client reconnected")
			if c.listener != nil {
				c.listener.OnReady()
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("queue client disconnected", "error", err)
			if c.listener != nil {
				c.listener.OnReconnecting()
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("queue client async error", "error", err)
			if c.listener != nil {
				c.listener.OnError(err)
			}
		}),
	}
	if c.cfg.Name != "" {
		opts = append(opts, nats.Name(c.cfg.Name))
	}

	nc, err := nats.Connect(strings.Join(c.cfg.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("queueclient: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("queueclient: jetstream context: %w", err)
	}

	c.nc = nc
	c.js = js
	return nil
}

// waitReady retries Ping against bounded "not writable"-shaped transient
// failures until it observes PONG, or the context is exceeded.
func (c *Client) waitReady(ctx context.Context) error {
	backoff := 50 * time.Millisecond
	for {
		if _, err := c.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queueclient: connect readiness timed out: %w", ctx.Err())
		case <-time.After(backoff):
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}
}

func (c *Client) ensureStream() error {
	stream := c.streamSend()
	subject := c.subjectSend() + ".>"
	if _, err := c.js.StreamInfo(stream); err != nil {
		if _, err := c.js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		}); err != nil {
			return fmt.Errorf("queueclient: add stream %s: %w", stream, err)
		}
	}
	return nil
}

func (c *Client) streamSend() string { return sanitize(c.cfg.StreamPrefix) + "_SEND" }
func (c *Client) subjectSend() string { return c.cfg.StreamPrefix + ".send" }

// Enqueue publishes car to the work-queue stream under jobName, returning
// the remote job id (the JetStream stream sequence number, stringified) on
// success.
func (c *Client) Enqueue(ctx context.Context, jobName string, payload carmodel.Car, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queueclient: marshal payload: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", c.subjectSend(), jobName)
	msg := nats.NewMsg(subject)
	msg.Data = data
	if opts.AutoRemoveJob {
		msg.Header.Set("X-Auto-Remove", "true")
	}

	ack, err := c.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", ack.Sequence), nil
}

// Ping returns "PONG" if the connection is responsive. A ctx without a
// deadline is given a 2s one, since the flush round-trip needs a deadline.
func (c *Client) Ping(ctx context.Context) (string, error) {
	if c.nc == nil || !c.nc.IsConnected() {
		return "", fmt.Errorf("queueclient: not connected")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return "", err
	}
	return "PONG", nil
}

// TestWrite enqueues a sentinel health-check-test job with a bounded
// deadline. Used by the recovery manager as a last-resort availability
// probe when Ping alone is inconclusive.
func (c *Client) TestWrite(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := c.Enqueue(ctx, jobNameHealthCheck, carmodel.Car{}, EnqueueOptions{AutoRemoveJob: true})
	return err
}

// EnqueueCar is a convenience wrapper using the spec's default options
// (attempts=3, exponential backoff base 2000ms).
func (c *Client) EnqueueCar(ctx context.Context, car carmodel.Car) (string, error) {
	return c.Enqueue(ctx, jobNameCar, car, DefaultEnqueueOptions())
}

// Close gracefully drains and closes the connection.
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	c.nc.Close()
	return nil
}

// Conn exposes the underlying *nats.Conn for the recovery manager's
// dedicated pub/sub subscription and forced-reconnect handling.
func (c *Client) Conn() *nats.Conn { return c.nc }

// Reconnect closes the current connection and dials a fresh one in place
// through the same dial helper Connect uses, re-provisioning the
// JetStream context and reattaching the custom backoff and listener
// bridge (spec §4.4, §9's Listener interface). Used by the recovery
// manager's forced-reconnection path (spec §4.6): disconnect, then
// reconnect.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.nc != nil {
		c.nc.Close()
	}

	if err := c.dial(); err != nil {
		return fmt.Errorf("queueclient: reconnect: %w", err)
	}
	return c.ensureStream()
}

// SubscribeFailover opens a dedicated subscription to the failure-detector
// quorum's wildcard channel pattern (<prefix>.failover.>) and invokes
// handler for every message, passing the matched subject and raw payload.
// This realizes spec §6's "pattern-subscribe *" / act-on-+switch-master
// contract over core NATS.
func (c *Client) SubscribeFailover(handler func(subject string, data []byte)) (*nats.Subscription, error) {
	pattern := c.cfg.StreamPrefix + ".failover.>"
	return c.nc.Subscribe(pattern, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
}

// FailoverSwitchMasterSubject is the concrete subject carrying the
// +switch-master analogue message shape described in spec §6.
func (c *Client) FailoverSwitchMasterSubject() string {
	return c.cfg.StreamPrefix + ".failover.switch-master"
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ToUpper(s)
}
