package writehandler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"

	"github.com/fluxorio/carseeder/internal/breaker"
	"github.com/fluxorio/carseeder/internal/carmodel"
	"github.com/fluxorio/carseeder/internal/durablestore"
	"github.com/fluxorio/carseeder/internal/metrics"
	"github.com/fluxorio/carseeder/internal/queueclient"
	"github.com/fluxorio/carseeder/internal/stateseeder"
)

func runTestServer(t *testing.T) *natssrv.Server {
	t.Helper()
	opts := &natssrv.Options{Port: -1, JetStream: true, StoreDir: t.TempDir()}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

type noopListener struct{}

func (noopListener) OnReady()                                                {}
func (noopListener) OnReconnecting()                                          {}
func (noopListener) OnError(err error)                                       {}
func (noopListener) OnChannelMessage(pattern, channel string, message []byte) {}

func openTestStore(t *testing.T) *durablestore.Store {
	t.Helper()
	s, err := durablestore.Open(durablestore.Config{
		Path:          filepath.Join(t.TempDir(), "cars.db"),
		BatchSize:     50,
		FlushInterval: 20 * time.Millisecond,
		InstanceID:    "test-instance",
	}, nil)
	if err != nil {
		t.Fatalf("durablestore.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCar() carmodel.Car {
	return carmodel.Car{NormalizedMake: "honda", NormalizedModel: "civic", Year: 2022, Price: 24000, Location: "denver-co"}
}

func TestWriteCarRoutesToDurableWhenBreakerOpen(t *testing.T) {
	store := openTestStore(t)
	b := breaker.New(breaker.Config{FailureThreshold: 1, CooldownMs: 60_000}, nil)
	b.RecordFailure() // Closed -> Open with threshold 1
	state := stateseeder.NewManager(nil)
	state.Set(stateseeder.SqliteMode)
	sessions := metrics.NewSessionTracker(t.TempDir(), nil)

	h := New(nil, store, b, state, sessions, nil)
	if err := h.WriteCar(context.Background(), testCar()); err != nil {
		t.Fatalf("WriteCar() error = %v", err)
	}
	// SaveCar only buffers; commit the buffer before counting rows.
	if err := store.FlushPendingWrites(context.Background()); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}

	n, err := store.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("PendingCount() = %d, want 1", n)
	}
}

func TestWriteCarRoutesToRemoteInRedisMode(t *testing.T) {
	srv := runTestServer(t)
	ctx := context.Background()

	queue, err := queueclient.Connect(ctx, queueclient.Config{
		URLs:         []string{srv.ClientURL()},
		StreamPrefix: "car-seeder-wh-test",
	}, nil, noopListener{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer queue.Close()

	store := openTestStore(t)
	b := breaker.New(breaker.DefaultConfig(), nil)
	state := stateseeder.NewManager(nil)
	sessions := metrics.NewSessionTracker(t.TempDir(), nil)

	h := New(queue, store, b, state, sessions, nil)
	if err := h.WriteCar(ctx, testCar()); err != nil {
		t.Fatalf("WriteCar() error = %v", err)
	}

	if got := b.State(); got != breaker.Closed {
		t.Fatalf("breaker state after success = %v, want Closed", got)
	}
	if err := store.FlushPendingWrites(ctx); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}
	n, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("PendingCount() = %d, want 0 (write should have gone remote)", n)
	}
}

func TestWriteCarFallsBackOnRemoteTransportFailure(t *testing.T) {
	srv := runTestServer(t)
	ctx := context.Background()

	queue, err := queueclient.Connect(ctx, queueclient.Config{
		URLs:         []string{srv.ClientURL()},
		StreamPrefix: "car-seeder-wh-fallback",
	}, nil, noopListener{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	store := openTestStore(t)
	b := breaker.New(breaker.Config{FailureThreshold: 1, CooldownMs: 60_000}, nil)
	state := stateseeder.NewManager(nil)
	sessions := metrics.NewSessionTracker(t.TempDir(), nil)

	h := New(queue, store, b, state, sessions, nil)

	// Shut down the broker to force a transport failure on the next publish.
	srv.Shutdown()
	queue.Close()

	if err := h.WriteCar(ctx, testCar()); err != nil {
		t.Fatalf("WriteCar() error = %v", err)
	}

	if got := b.State(); got != breaker.Open {
		t.Fatalf("breaker state after transport failure = %v, want Open", got)
	}
	if got := state.Get(); got != stateseeder.SqliteMode {
		t.Fatalf("state after fallback = %v, want SqliteMode", got)
	}

	if err := store.FlushPendingWrites(ctx); err != nil {
		t.Fatalf("FlushPendingWrites() error = %v", err)
	}
	n, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("PendingCount() = %d, want 1 (write should have fallen back to durable store)", n)
	}
}
