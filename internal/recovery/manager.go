// Package recovery implements the recovery manager (spec §4.6): failover-
// event subscription, forced reconnection, the periodic health probe, and
// the drain loop that empties the durable store back into the remote
// queue. The failover-event subscription is grounded on the teacher's NATS
// core pub/sub consumer wiring (eventbus_cluster_nats.go Subscribe/
// QueueSubscribe). The isHandlingReconnection/isRecovering latches follow
// other_examples/tysonthomas9-beads__flush_manager.go's single-owner
// event-loop shape: each latch is owned by the manager's own goroutines and
// guarded by a mutex rather than by ad hoc atomic flags, and the drain's
// per-record enqueue calls run concurrently through the teacher's bounded
// worker pool (adapted as internal/workerpool).
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fluxorio/carseeder/internal/breaker"
	"github.com/fluxorio/carseeder/internal/carmodel"
	"github.com/fluxorio/carseeder/internal/classify"
	"github.com/fluxorio/carseeder/internal/durablestore"
	"github.com/fluxorio/carseeder/internal/metrics"
	"github.com/fluxorio/carseeder/internal/queueclient"
	"github.com/fluxorio/carseeder/internal/stateseeder"
	"github.com/fluxorio/carseeder/internal/workerpool"
)

// Config holds the recovery manager's tunables, all sourced from spec §6's
// configuration table.
type Config struct {
	MasterName             string
	ChunkSize              int
	RecoveryCooldown       time.Duration
	HealthCheckInterval    time.Duration
	StaleClaimThreshold    time.Duration
	ForceReconnectCooldown time.Duration
	InstanceID             string
	DrainWorkers           int
}

func DefaultConfig(instanceID string) Config {
	return Config{
		MasterName:             "mymaster",
		ChunkSize:              50,
		RecoveryCooldown:       10 * time.Second,
		HealthCheckInterval:    5 * time.Second,
		StaleClaimThreshold:    5 * time.Minute,
		ForceReconnectCooldown: 2 * time.Second,
		InstanceID:             instanceID,
		DrainWorkers:           8,
	}
}

// Manager drives the breaker/state transitions on remote recovery and
// drains the durable store. It implements queueclient.Listener so it can
// be wired directly into queueclient.Connect as the connection-ready
// observer.
type Manager struct {
	cfg     Config
	queue   *queueclient.Client
	store   *durablestore.Store
	breaker *breaker.Breaker
	state   *stateseeder.Manager
	metrics *metrics.SessionTracker
	pool    *workerpool.Pool
	logger  *slog.Logger

	mu                     sync.Mutex
	isHandlingReconnection bool
	lastForceReconnectAt   time.Time
	isRecovering           bool
	lastDrainAt            time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, queue *queueclient.Client, store *durablestore.Store, b *breaker.Breaker, state *stateseeder.Manager, m *metrics.SessionTracker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.DrainWorkers <= 0 {
		cfg.DrainWorkers = 8
	}
	return &Manager{
		cfg:     cfg,
		queue:   queue,
		store:   store,
		breaker: b,
		state:   state,
		metrics: m,
		pool:    workerpool.New(cfg.DrainWorkers),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// SetQueue attaches the queue client once it has connected. The manager is
// constructed before queueclient.Connect runs (it is passed in as that
// call's Listener), so the client itself is wired in afterward.
func (m *Manager) SetQueue(queue *queueclient.Client) {
	m.mu.Lock()
	m.queue = queue
	m.mu.Unlock()
}

func (m *Manager) getQueue() *queueclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue
}

// Start subscribes to the failure-detector quorum's failover channel and
// starts the periodic health-probe loop.
func (m *Manager) Start(ctx context.Context) error {
	queue := m.getQueue()
	if _, err := queue.SubscribeFailover(func(subject string, data []byte) {
		m.handleFailoverMessage(ctx, subject, data)
	}); err != nil {
		return fmt.Errorf("recovery: subscribe failover: %w", err)
	}

	m.wg.Add(1)
	go m.healthProbeLoop(ctx)
	return nil
}

// Stop halts the health-probe loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// handleFailoverMessage parses a +switch-master-shaped message on the
// failure-detector's wildcard channel (spec §4.6, §6).
func (m *Manager) handleFailoverMessage(ctx context.Context, subject string, data []byte) {
	if subject != m.getQueue().FailoverSwitchMasterSubject() {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) != 5 {
		m.logger.Warn("malformed switch-master message", "subject", subject, "payload", string(data))
		return
	}
	masterName := fields[0]
	if masterName != m.cfg.MasterName {
		return // not our master; ignore per spec §4.6
	}

	if !m.admitForceReconnect() {
		return
	}
	defer m.releaseForceReconnect()

	m.forceReconnection(ctx)
}

// admitForceReconnect applies the isHandlingReconnection latch and the
// minimum-spacing cooldown between forced reconnects (spec §4.6, §5).
func (m *Manager) admitForceReconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isHandlingReconnection {
		return false
	}
	if !m.lastForceReconnectAt.IsZero() && time.Since(m.lastForceReconnectAt) < m.cfg.ForceReconnectCooldown {
		return false
	}
	m.isHandlingReconnection = true
	m.lastForceReconnectAt = time.Now()
	return true
}

func (m *Manager) releaseForceReconnect() {
	m.mu.Lock()
	m.isHandlingReconnection = false
	m.mu.Unlock()
}

// forceReconnection implements spec §4.6's forced-reconnection sequence:
// disconnect, wait 500ms, reconnect, wait 1000ms to stabilize, probe.
func (m *Manager) forceReconnection(ctx context.Context) {
	m.logger.Info("forcing queue client reconnection")
	queue := m.getQueue()
	if nc := queue.Conn(); nc != nil {
		nc.Close()
	}

	time.Sleep(500 * time.Millisecond)

	if err := queue.Reconnect(ctx); err != nil {
		m.logger.Error("forced reconnection failed", "error", err)
		return
	}

	time.Sleep(1000 * time.Millisecond)

	if err := queue.TestWrite(ctx); err != nil {
		m.logger.Warn("post-reconnect probe failed", "error", err)
		return
	}

	if m.state.Get() == stateseeder.SqliteMode {
		m.metrics.RecordSentinelPromotion()
		m.breaker.TransitionToHalfOpen()
		m.TriggerRecovery(ctx)
	}
}

// OnReady implements queueclient.Listener's connection-ready callback. If
// the reconnection latch is already held, the quorum path is already
// handling the transition and this is a no-op; otherwise it waits, re-
// checks availability, and proceeds like the event path.
func (m *Manager) OnReady() {
	m.mu.Lock()
	alreadyHandling := m.isHandlingReconnection
	m.mu.Unlock()
	if alreadyHandling {
		return
	}

	ctx := context.Background()
	go func() {
		time.Sleep(500 * time.Millisecond)
		if !m.isRedisAvailable(ctx) {
			return
		}
		if m.state.Get() == stateseeder.SqliteMode {
			m.metrics.RecordSentinelPromotion()
			m.breaker.TransitionToHalfOpen()
			m.TriggerRecovery(ctx)
		}
	}()
}

func (m *Manager) OnReconnecting()      {}
func (m *Manager) OnError(err error)    {}
func (m *Manager) OnChannelMessage(pattern, channel string, message []byte) {}

// healthProbeLoop runs the spec §4.6 backup health probe every
// HealthCheckInterval.
func (m *Manager) healthProbeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthProbeTick(ctx)
		}
	}
}

func (m *Manager) healthProbeTick(ctx context.Context) {
	if m.state.Get() == stateseeder.SqliteMode && m.breaker.State() == breaker.Open {
		if err := m.getQueue().TestWrite(ctx); err == nil {
			m.breaker.TransitionToHalfOpen()
			m.metrics.RecordSentinelPromotion()
		}
	}

	n, err := m.store.PendingCount(ctx)
	if err != nil {
		m.logger.Error("health probe: pending count failed", "error", err)
		return
	}
	metrics.RegistryDurablePending.Set(float64(n))
	if n > 0 {
		m.TriggerRecovery(ctx)
	}
}

// isRedisAvailable short-circuits false if the breaker is Open; otherwise
// pings with a 2s deadline and falls through to TestWrite as a last
// resort, per spec §4.6.
func (m *Manager) isRedisAvailable(ctx context.Context) bool {
	if m.breaker.State() == breaker.Open {
		return false
	}
	queue := m.getQueue()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := queue.Ping(pingCtx); err == nil {
		return true
	}
	return queue.TestWrite(ctx) == nil
}

// TriggerRecovery runs one end-to-end drain pass, guarded so only one
// drain runs at a time and throttled by RecoveryCooldown between drains
// (spec §4.6).
func (m *Manager) TriggerRecovery(ctx context.Context) {
	if !m.admitRecovery() {
		return
	}
	defer m.releaseRecovery()

	start := time.Now()
	defer func() { metrics.RecordDrainDuration(time.Since(start)) }()

	if !m.isRedisAvailable(ctx) {
		return
	}

	m.metrics.RecordRecoveryStarted()

	reverted, err := m.store.CleanupStaleClaims(ctx, m.cfg.StaleClaimThreshold)
	if err != nil {
		m.logger.Error("cleanup stale claims failed", "error", err)
	} else if reverted > 0 {
		m.logger.Info("reverted abandoned claims", "count", reverted)
	}

	recovered, failed := m.drainLoop(ctx)
	m.logger.Info("recovery drain complete", "recovered", recovered, "failed", failed)
	m.metrics.RecordRecoveryCompleted(recovered, failed)
}

func (m *Manager) admitRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRecovering {
		return false
	}
	if !m.lastDrainAt.IsZero() && time.Since(m.lastDrainAt) < m.cfg.RecoveryCooldown {
		return false
	}
	m.isRecovering = true
	m.lastDrainAt = time.Now()
	return true
}

func (m *Manager) releaseRecovery() {
	m.mu.Lock()
	m.isRecovering = false
	m.mu.Unlock()
}

// drainLoop repeatedly claims a chunk of pending records and delivers them,
// until a claim returns empty or the remote becomes unavailable mid-batch.
func (m *Manager) drainLoop(ctx context.Context) (recovered, failed int) {
	for {
		claimed, err := m.store.ClaimPending(ctx, m.cfg.ChunkSize, m.cfg.InstanceID)
		if err != nil {
			m.logger.Error("claim pending failed", "error", err)
			return recovered, failed
		}
		if len(claimed) == 0 {
			return recovered, failed
		}

		if !m.isRedisAvailable(ctx) {
			ids := idsOf(claimed)
			if err := m.store.MarkPending(ctx, ids); err != nil {
				m.logger.Error("mark pending (remote unavailable) failed", "error", err)
			}
			failed += len(claimed)
			metrics.RegistryRecoveryEntriesTotal.WithLabelValues("failed").Add(float64(len(claimed)))
			return recovered, failed
		}

		sent, failedIDs := m.deliverBatch(ctx, claimed)

		if len(sent) > 0 {
			ids := make([]string, 0, len(sent))
			jobs := make([]string, 0, len(sent))
			for _, s := range sent {
				ids = append(ids, s.id)
				jobs = append(jobs, s.jobID)
			}
			if err := m.store.MarkSent(ctx, ids, jobs); err != nil {
				m.logger.Error("mark sent failed", "error", err)
			}
			recovered += len(sent)
			metrics.RegistryRecoveryEntriesTotal.WithLabelValues("recovered").Add(float64(len(sent)))
		}
		if len(failedIDs) > 0 {
			if err := m.store.MarkPending(ctx, failedIDs); err != nil {
				m.logger.Error("mark pending (per-record failure) failed", "error", err)
			}
			failed += len(failedIDs)
			metrics.RegistryRecoveryEntriesTotal.WithLabelValues("failed").Add(float64(len(failedIDs)))
		}
	}
}

type sentRecord struct {
	id    string
	jobID string
}

// deliverBatch enqueues each claimed record concurrently (bounded by the
// worker pool). A per-record enqueue failure marks only that record
// Pending; it does not abort the batch (spec §7 "Delivery-per-record
// during drain"). If ctx is canceled while records are still waiting for
// a worker token, each of those records reports ctx.Err() and is marked
// Pending like any other failed record.
func (m *Manager) deliverBatch(ctx context.Context, records []carmodel.PendingRecord) (sent []sentRecord, failedIDs []string) {
	queue := m.getQueue()
	results := workerpool.Map(ctx, m.pool, records, func(ctx context.Context, rec carmodel.PendingRecord) (any, error) {
		return queue.EnqueueCar(ctx, rec.Car)
	})

	for _, r := range results {
		if r.Err != nil {
			if classify.Classify(r.Err) != classify.Transport {
				m.logger.Warn("drain: non-transport enqueue error, marking pending", "id", r.Item.ID, "error", r.Err)
			}
			failedIDs = append(failedIDs, r.Item.ID)
			continue
		}
		jobID, _ := r.Val.(string)
		sent = append(sent, sentRecord{id: r.Item.ID, jobID: jobID})
	}
	return sent, failedIDs
}

func idsOf(records []carmodel.PendingRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
