// Package idgen generates 63-bit ids composed of time, process and random bits.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"sync"
	"time"
)

// Custom epoch keeps the millisecond component well inside 41 bits.
var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	processBits = 10
	randomBits  = 12
)

// Generator yields ids shaped as millis(41) | process(10) | random(12).
// Ids generated by one process are strictly increasing.
type Generator struct {
	mu      sync.Mutex
	process int64
	last    int64
	now     func() time.Time
}

// New creates a generator tagged with the current process id.
func New() *Generator {
	return &Generator{
		process: int64(os.Getpid()) & (1<<processBits - 1),
		now:     time.Now,
	}
}

// Next returns a new id.
func (g *Generator) Next() int64 {
	var buf [2]byte
	_, _ = rand.Read(buf[:])
	random := int64(binary.BigEndian.Uint16(buf[:])) & (1<<randomBits - 1)

	millis := g.now().Sub(epoch).Milliseconds()
	id := millis<<(processBits+randomBits) | g.process<<randomBits | random

	g.mu.Lock()
	defer g.mu.Unlock()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}
