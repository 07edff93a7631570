// Package diag provides the diagnostics sink threaded through every
// component of the cache builder, mirroring the Diagnostics& reference
// passed around in the original implementation (see
// original_source/common/Diagnostics.h): callers never print directly,
// they report through Verbose/Warning/Error and the caller decides what
// to do with it.
package diag

import "go.uber.org/zap"

// Sink is the diagnostics channel used across the graph builder, solver,
// packer and emitter. A nil *Sink is valid and discards everything, so
// tests and library callers that don't care about diagnostics can pass one
// in for free.
type Sink struct {
	log *zap.SugaredLogger

	warnings int
	errors   int
}

// NewSink wraps a zap logger. Pass zap.NewNop() to build a silent sink.
func NewSink(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{log: logger.Sugar()}
}

// NewDevelopment builds a human-readable sink suitable for CLI use.
func NewDevelopment() *Sink {
	logger, err := zap.NewDevelopment()
	if err != nil {
		logger = zap.NewNop()
	}
	return NewSink(logger)
}

func (s *Sink) Verbose(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.log.Debugf(format, args...)
}

func (s *Sink) Warning(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.warnings++
	s.log.Warnf(format, args...)
}

func (s *Sink) Error(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.errors++
	s.log.Errorf(format, args...)
}

func (s *Sink) WarningCount() int {
	if s == nil {
		return 0
	}
	return s.warnings
}

func (s *Sink) HasError() bool {
	return s != nil && s.errors > 0
}
