package engine

import (
	"math/big"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/axonops/axonops-docstore/internal/dberr"
)

// Generator strategy names selectable over the wire.
const (
	GeneratorUUID18  = "uuid18"
	GeneratorUUID4   = "uuid4"
	GeneratorCounter = "counter"
)

// SetIDGenerator installs a generator for subsequent inserts.
func (e *Engine) SetIDGenerator(fn IDGenerator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idGen = fn
}

// UseGenerator selects a named generator strategy. Unknown names are
// rejected with MalformedIdGeneratorError.
func (e *Engine) UseGenerator(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch name {
	case GeneratorUUID18, "":
		e.idGen = e.uuid18
	case GeneratorUUID4:
		e.idGen = func() string { return uuid.NewString() }
	case GeneratorCounter:
		e.idGen = e.counterGen()
	default:
		return dberr.New(dberr.KindMalformedIDGenerator, "ID generator %q is not known", name)
	}
	return nil
}

// uuid18 is the default strategy: the first 18 decimal digits of a
// random uuid4 interpreted as a 128-bit integer.
func (e *Engine) uuid18() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	s := n.String()
	if len(s) > 18 {
		s = s[:18]
	}
	return s
}

// counterGen returns a monotonic integer generator seeded above the
// largest numeric ID currently in the image, so reloading a database
// cannot hand out an ID twice.
func (e *Engine) counterGen() IDGenerator {
	var max uint64
	for _, records := range e.mem.Sections {
		for id := range records {
			if n, err := strconv.ParseUint(id, 10, 64); err == nil && n > max {
				max = n
			}
		}
	}
	next := max
	return func() string {
		return strconv.FormatUint(atomic.AddUint64(&next, 1), 10)
	}
}
