package proxykit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

var (
	providerMutex   sync.RWMutex
	providedLogger  *zap.Logger
	providedClock   Clock
	providedMetrics MetricsRecorder
)

// ProvideLogger installs the process-wide logger. Pass nil to reset.
func ProvideLogger(logger *zap.Logger) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedLogger = logger
}

// ProvideClock installs the process-wide clock. Pass nil to reset.
func ProvideClock(clock Clock) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedClock = clock
}

// ProvideMetrics installs the process-wide metrics recorder. Pass nil to reset.
func ProvideMetrics(recorder MetricsRecorder) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedMetrics = recorder
}

func activeLogger() *zap.Logger {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedLogger == nil {
		return zap.NewNop()
	}
	return providedLogger
}

func activeClock() Clock {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedClock == nil {
		return systemClock{}
	}
	return providedClock
}

func activeMetrics() MetricsRecorder {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedMetrics == nil {
		return noopMetrics{}
	}
	return providedMetrics
}
