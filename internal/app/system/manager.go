package system

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

// Manager owns the lifecycle of registered services. Services start in
// registration order and stop in reverse order.
type Manager struct {
	log *logger.Logger

	mu       sync.Mutex
	services []Service
	names    map[string]bool
	started  int
}

// NewManager creates an empty service manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{
		log:   log,
		names: make(map[string]bool),
	}
}

// Register adds a service. Names must be unique; registering after Start
// is an error.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("service is nil")
	}
	name := svc.Name()
	if name == "" {
		return fmt.Errorf("service name is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started > 0 {
		return fmt.Errorf("cannot register %s: manager already started", name)
	}
	if m.names[name] {
		return fmt.Errorf("service %s already registered", name)
	}

	m.names[name] = true
	m.services = append(m.services, svc)
	return nil
}

// Start launches every registered service in order. If one fails, the
// services already started are stopped in reverse order before returning.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to start")
			m.rollback(ctx, i)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = i + 1
		m.log.WithField("service", svc.Name()).Info("service started")
	}
	return nil
}

// rollback stops services [0, upto) in reverse order. Callers hold m.mu.
func (m *Manager) rollback(ctx context.Context, upto int) {
	for i := upto - 1; i >= 0; i-- {
		svc := m.services[i]
		if err := svc.Stop(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Warn("service failed to stop during rollback")
		}
	}
	m.started = 0
}

// Stop halts started services in reverse order. All services are attempted;
// errors are collected into one.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := m.started - 1; i >= 0; i-- {
		svc := m.services[i]
		if err := svc.Stop(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to stop")
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		m.log.WithField("service", svc.Name()).Info("service stopped")
	}
	m.started = 0

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
