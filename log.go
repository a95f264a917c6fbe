package peerdir

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/p2pkit/peerdir/build"
	"github.com/p2pkit/peerdir/netgroup"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/p2pkit/peerdir/peerpool"
	"github.com/p2pkit/peerdir/peerstore"
	"github.com/p2pkit/peerdir/signal"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "PDIR"

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	AddSubLogger(root, Subsystem, UseLogger)
	AddSubLogger(root, netgroup.Subsystem, netgroup.UseLogger)
	AddSubLogger(root, peerbook.Subsystem, peerbook.UseLogger)
	AddSubLogger(root, peerpool.Subsystem, peerpool.UseLogger)
	AddSubLogger(root, peerstore.Subsystem, peerstore.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := root.GenSubLogger(subsystem)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
