package obnsmn

import (
	"log/slog"

	"github.com/sduerr85/OpenBuildNet/report"
)

type config struct {
	log    *slog.Logger
	sink   report.Sink
	pacing int64
}

func defaultConfig() config {
	return config{
		log:  NullLogger(),
		sink: report.NullSink{},
	}
}

// Option is a function that configures an SMN.
type Option func(*config)

// WithLog sets the logger for the coordinator.
var WithLog = func(log *slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithReportSink sets the consumer of structured progress events.
var WithReportSink = func(sink report.Sink) Option {
	return func(c *config) {
		c.sink = sink
	}
}

// WithPacing couples virtual time to wall-clock time at the given rate of
// atoms per second. Zero (the default) runs as fast as the nodes allow.
var WithPacing = func(atomsPerSecond int64) Option {
	return func(c *config) {
		c.pacing = atomsPerSecond
	}
}

// NullWriter is a writer that discards all data.
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger creates a logger that discards all output.
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
