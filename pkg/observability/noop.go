package observability

import "time"

// NoopLogger discards everything
type NoopLogger struct{}

// NewNoopLogger returns a logger that discards all entries
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Debugf(format string, args ...interface{})       {}
func (l *NoopLogger) Infof(format string, args ...interface{})        {}
func (l *NoopLogger) Warnf(format string, args ...interface{})        {}
func (l *NoopLogger) Errorf(format string, args ...interface{})       {}
func (l *NoopLogger) WithPrefix(prefix string) Logger                 { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger       { return l }

// NoopMetrics discards all measurements
type NoopMetrics struct{}

// NewNoopMetrics returns a metrics client that records nothing
func NewNoopMetrics() MetricsClient {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *NoopMetrics) RecordGauge(name string, value float64, labels map[string]string)     {}
func (m *NoopMetrics) RecordHistogram(name string, value float64, labels map[string]string) {}
func (m *NoopMetrics) RecordDuration(name string, duration time.Duration, labels map[string]string) {
}
func (m *NoopMetrics) StartTimer(name string, labels map[string]string) func() { return func() {} }

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

func (s *NoopSpan) End()                                       {}
func (s *NoopSpan) SetAttribute(key string, value interface{}) {}
func (s *NoopSpan) RecordError(err error)                      {}
