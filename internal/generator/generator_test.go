package generator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/carseeder/internal/carmodel"
)

type testSink struct {
	count int32
	err   error
}

func (s *testSink) WriteCar(ctx context.Context, car carmodel.Car) error {
	atomic.AddInt32(&s.count, 1)
	return s.err
}

func TestGeneratorProducesOnTick(t *testing.T) {
	sink := &testSink{}
	g := New(sink, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	defer g.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&sink.count) >= 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("generator produced only %d cars in time, want at least 3", atomic.LoadInt32(&sink.count))
}

func TestGeneratorSurvivesSinkErrors(t *testing.T) {
	sink := &testSink{err: errors.New("write failed")}
	g := New(sink, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)
	defer g.Stop()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&sink.count) == 0 {
		t.Fatal("generator stopped producing after a sink error, want it to keep ticking")
	}
}

func TestGeneratorStopWaitsForLoopExit(t *testing.T) {
	sink := &testSink{}
	g := New(sink, 5*time.Millisecond, nil)
	g.Start(context.Background())
	g.Stop()
	countAtStop := atomic.LoadInt32(&sink.count)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&sink.count) != countAtStop {
		t.Fatal("generator kept producing after Stop() returned")
	}
}

func TestNextCarProducesPlausibleValues(t *testing.T) {
	g := New(&testSink{}, time.Second, nil)
	for i := 0; i < 50; i++ {
		car := g.nextCar()
		if car.NormalizedMake == "" || car.NormalizedModel == "" {
			t.Fatal("nextCar() produced an empty make/model")
		}
		if car.Year < 2015 || car.Year > 2025 {
			t.Fatalf("nextCar() year = %d, want within [2015, 2025]", car.Year)
		}
		if car.Price < 8000 || car.Price > 60000 {
			t.Fatalf("nextCar() price = %v, want within [8000, 60000]", car.Price)
		}
	}
}
