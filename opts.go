package depman

import "go.uber.org/zap"

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	queue   EventQueue
	logger  *zap.Logger
	metrics *Metrics
	onFatal func(error)
}

func defaultConfig() *managerConfig {
	return &managerConfig{
		queue:  NewHeapQueue(),
		logger: zap.NewNop(),
	}
}

// WithQueue selects an alternate EventQueue backend. Defaults to the
// priority-heap implementation.
func WithQueue(q EventQueue) ManagerOption {
	return func(c *managerConfig) { c.queue = q }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithMetrics attaches a Metrics collector bundle (see metrics.go).
// Defaults to nil (no instrumentation).
func WithMetrics(m *Metrics) ManagerOption {
	return func(c *managerConfig) { c.metrics = m }
}

// WithFatalHandler overrides what happens when the core detects a
// fatal invariant violation. By default the manager logs the error
// and terminates the process. Tests should supply a handler that
// panics or records the error instead of exiting the test binary.
func WithFatalHandler(fn func(error)) ManagerOption {
	return func(c *managerConfig) { c.onFatal = fn }
}
