// Package observability centralizes the two ambient concerns every
// package in this module takes as constructor arguments — a go-kit
// log.Logger and a prometheus.Registerer — behind one trait, per
// spec.md §9's "JMX-exposed mutable counters... isolate behind an
// observability trait; the core must not depend on any particular
// metrics runtime" redesign flag.
//
// Nothing below is a new abstraction over go-kit/log or client_golang —
// it is the one place cmd/crdtnode builds the concrete logger and
// registry and hands them down to wal.Config, cluster.Config,
// repair.Config, transport.ServerConfig and the rest, the same way the
// teacher's wal.Config.Logger defaults to log.NewNopLogger() when unset.
package observability

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger builds the node's root logger: go-kit's standard logfmt
// encoder over stderr, timestamped, filtered to minLevel. This is the
// single construction site other packages' Config.Logger fields are
// filled from; none of them import go-kit/log/level themselves beyond
// calling level.Warn/level.Info on the Logger they're handed.
func NewLogger(minLevel level.Value) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(logger, level.Allow(minLevel))
}

// NewRegistry builds a fresh prometheus.Registerer, pre-populated with
// the standard process and Go runtime collectors (the same signals any
// /metrics endpoint in this ecosystem exposes), so node wiring doesn't
// need to remember to register them itself.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	return reg
}
