package peerbook

import (
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/peerbook/addrbook"
	"github.com/lightningnetwork/peerbook/build"
	"github.com/lightningnetwork/peerbook/peerset"
	"github.com/lightningnetwork/peerbook/signal"
)

// Loggers of the daemon itself. They are disabled until SetupLoggers is
// called.
var (
	pbkdLog = build.NewSubLogger("PBKD", nil)
	srvrLog = build.NewSubLogger("SRVR", nil)
)

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		logger := build.NewShutdownLogger(root.GenSubLogger(tag), shutdown)
		root.RegisterSubLogger(tag, logger)

		return logger
	}
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	pbkdLog = build.NewSubLogger("PBKD", genLogger)
	srvrLog = build.NewSubLogger("SRVR", genLogger)
	signal.UseLogger(pbkdLog)

	AddSubLogger(root, "CMGR", interceptor, connmgr.UseLogger)
	AddSubLogger(root, addrbook.Subsystem, interceptor, addrbook.UseLogger)
	AddSubLogger(root, peerset.Subsystem, interceptor, peerset.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
