package carmodel

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// InstanceID identifies one producer process for the lifetime of that
// process: pid-startEpoch, matching spec §3's "<instance>-<ms-epoch>-
// <index>-<rand>" id format's instance segment.
func NewInstanceID() string {
	return fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixMilli())
}

// IDGenerator produces globally unique PendingRecord ids. The index counter
// guarantees uniqueness within a single flush batch even when two records
// share the same millisecond timestamp; the uuid-derived random segment
// guarantees uniqueness across concurrent producer instances.
type IDGenerator struct {
	instance string
	counter  atomic.Uint64
}

func NewIDGenerator(instance string) *IDGenerator {
	return &IDGenerator{instance: instance}
}

func (g *IDGenerator) Next() string {
	idx := g.counter.Add(1)
	rnd := uuid.New().String()[:8]
	return g.instance + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + strconv.FormatUint(idx, 10) + "-" + rnd
}
