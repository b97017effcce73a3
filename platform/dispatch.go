package platform

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jnesss/connwatch/hooks"
	"github.com/jnesss/connwatch/network"
)

// dispatcher routes decoded records to the handlers registered for their kind
type dispatcher struct {
	logger *zap.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[network.Kind]map[int]hooks.Handler

	decodeErrors uint64
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		logger:   logger,
		handlers: make(map[network.Kind]map[int]hooks.Handler),
	}
}

func (d *dispatcher) add(kind network.Kind, h hooks.Handler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[int]hooks.Handler)
	}
	d.handlers[kind][d.nextID] = h
	return d.nextID
}

func (d *dispatcher) remove(kind network.Kind, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers[kind], id)
}

// deliver decodes one ring buffer sample and runs its handlers inline.
// Records for a kind with no live handler are dropped.
func (d *dispatcher) deliver(raw []byte) {
	obs, err := Decode(raw)
	if err != nil {
		d.mu.Lock()
		d.decodeErrors++
		d.mu.Unlock()
		d.logger.Debug("failed to decode record", zap.Error(err))
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.handlers[obs.Kind] {
		h(obs)
	}
}
