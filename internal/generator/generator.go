// Package generator is the thin, out-of-core producer collaborator spec
// §1 describes: it emits Car records on a timer and hands them to the
// write handler. It carries no durability or failover logic itself.
package generator

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/fluxorio/carseeder/internal/carmodel"
)

var makes = map[string][]string{
	"toyota":    {"camry", "corolla", "rav4", "highlander"},
	"honda":     {"civic", "accord", "cr-v", "pilot"},
	"ford":      {"f-150", "escape", "explorer", "mustang"},
	"chevrolet": {"silverado", "malibu", "equinox", "tahoe"},
	"tesla":     {"model3", "modely", "models", "modelx"},
}

var locations = []string{
	"austin-tx", "seattle-wa", "denver-co", "miami-fl", "chicago-il", "portland-or",
}

// Sink is whatever consumes generated cars; in this system it is the write
// handler's WriteCar operation.
type Sink interface {
	WriteCar(ctx context.Context, car carmodel.Car) error
}

// Generator produces Car records on a fixed-interval timer.
type Generator struct {
	sink      Sink
	interval  time.Duration
	logger    *slog.Logger
	rng       *rand.Rand
	makeNames []string

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(sink Sink, interval time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		sink:      sink,
		interval:  interval,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		makeNames: keys(makes),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the timer-driven produce loop. Write-path errors never
// crash the generator (spec §7): they are logged and production continues.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			car := g.nextCar()
			if err := g.sink.WriteCar(ctx, car); err != nil {
				g.logger.Error("write car failed, discarding record", "error", err)
			}
		}
	}
}

// Stop halts the produce loop and waits for it to exit.
func (g *Generator) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *Generator) nextCar() carmodel.Car {
	makeNames := keys(makes)
	make_ := makeNames[g.rng.Intn(len(makeNames))]
	models := makes[make_]
	model := models[g.rng.Intn(len(models))]

	return carmodel.Car{
		NormalizedMake:  make_,
		NormalizedModel: model,
		Year:            2015 + g.rng.Intn(11),
		Price:           float64(8000 + g.rng.Intn(52000)),
		Location:        locations[g.rng.Intn(len(locations))],
	}
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
