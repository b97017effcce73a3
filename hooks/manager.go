// Package hooks installs and removes the connect interceptors. Symbol
// resolution and probe registration are supplied by the caller so the
// install and rollback logic runs the same against the kernel and in tests.
package hooks

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/jnesss/connwatch/network"
)

// Target names a kernel function to intercept and the kind it reports
type Target struct {
	Name string       `json:"name"`
	Kind network.Kind `json:"kind"`
}

// DefaultTargets returns the stream and datagram connect entry points
func DefaultTargets() []Target {
	return []Target{
		{Name: "inet_stream_connect", Kind: network.KindStream},
		{Name: "inet_dgram_connect", Kind: network.KindDatagram},
	}
}

// State of a registration
type State int

const (
	StateUnregistered State = iota
	StateRegistered
)

func (s State) String() string {
	if s == StateRegistered {
		return "registered"
	}
	return "unregistered"
}

// Handler receives every observation produced by an installed interceptor.
// It runs on the delivering goroutine and must not block.
type Handler func(network.Observation)

// SymbolResolver maps a kernel symbol to its address
type SymbolResolver interface {
	Resolve(name string) (uint64, bool)
}

// Handle is a planted interceptor
type Handle interface {
	Close() error
}

// Registrar plants an interceptor at a resolved symbol
type Registrar interface {
	Register(target Target, address uint64, handler Handler) (Handle, error)
}

// Registration is one installed (or formerly installed) interceptor
type Registration struct {
	Target  Target
	Address uint64
	State   State

	handle Handle
}

// Manager owns the set of installed interceptors
type Manager struct {
	resolver  SymbolResolver
	registrar Registrar
	handler   Handler
	logger    *zap.Logger

	mu   sync.Mutex
	regs []*Registration
}

// NewManager creates a manager that routes every interceptor to handler
func NewManager(resolver SymbolResolver, registrar Registrar, handler Handler, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		resolver:  resolver,
		registrar: registrar,
		handler:   handler,
		logger:    logger.Named("hooks"),
	}
}

// Install resolves and registers a single target. The returned registration
// is only marked registered once both steps succeed.
func (m *Manager) Install(target Target) (*Registration, error) {
	reg := &Registration{Target: target}

	addr, ok := m.resolver.Resolve(target.Name)
	if !ok {
		return reg, &HookError{Target: target.Name, Err: ErrSymbolNotFound}
	}
	reg.Address = addr

	h, err := m.registrar.Register(target, addr, m.handler)
	if err != nil {
		return reg, &HookError{Target: target.Name, Err: fmt.Errorf("%w: %w", ErrRegistrationRejected, err)}
	}
	reg.handle = h
	reg.State = StateRegistered

	m.logger.Info("planted probe",
		zap.String("target", target.Name),
		zap.String("kind", target.Kind.String()),
		zap.String("address", fmt.Sprintf("%#x", addr)),
		zap.String("handler", handlerName(m.handler)))

	m.mu.Lock()
	m.regs = append(m.regs, reg)
	m.mu.Unlock()
	return reg, nil
}

// Uninstall removes reg. It is safe to call on an already removed or never
// registered registration. Close errors are logged, not returned.
func (m *Manager) Uninstall(reg *Registration) {
	if reg == nil || reg.State != StateRegistered {
		return
	}
	if reg.handle != nil {
		if err := reg.handle.Close(); err != nil {
			m.logger.Warn("failed to close probe",
				zap.String("target", reg.Target.Name),
				zap.Error(err))
		}
	}
	reg.handle = nil
	reg.State = StateUnregistered

	m.mu.Lock()
	for i, r := range m.regs {
		if r == reg {
			m.regs = append(m.regs[:i], m.regs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("unregistered probe",
		zap.String("target", reg.Target.Name),
		zap.String("address", fmt.Sprintf("%#x", reg.Address)))
}

// Start installs every target in order. If any install fails, the targets
// already installed by this call are removed in reverse order and the error
// is returned, so either all targets are active or none are.
func (m *Manager) Start(targets []Target) error {
	installed := make([]*Registration, 0, len(targets))
	for _, t := range targets {
		reg, err := m.Install(t)
		if err != nil {
			m.logger.Error("failed to install probe",
				zap.String("target", t.Name),
				zap.Error(err))
			for i := len(installed) - 1; i >= 0; i-- {
				m.Uninstall(installed[i])
			}
			return err
		}
		installed = append(installed, reg)
	}
	return nil
}

// Stop removes every installed interceptor, newest first
func (m *Manager) Stop() {
	m.mu.Lock()
	regs := make([]*Registration, len(m.regs))
	copy(regs, m.regs)
	m.mu.Unlock()

	for i := len(regs) - 1; i >= 0; i-- {
		m.Uninstall(regs[i])
	}
}

// Registrations returns a copy of the active registrations
func (m *Manager) Registrations() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Registration, 0, len(m.regs))
	for _, r := range m.regs {
		out = append(out, Registration{Target: r.Target, Address: r.Address, State: r.State})
	}
	return out
}

func handlerName(h Handler) string {
	if h == nil {
		return "<nil>"
	}
	fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if fn == nil {
		return "unknown"
	}
	return fn.Name()
}
