package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/p2pkit/peerdir"
	"github.com/p2pkit/peerdir/build"
	"github.com/p2pkit/peerdir/signal"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[peerdir] %v\n", err)
	os.Exit(1)
}

func main() {
	// Load the configuration, and parse any command line options. The
	// arguments after the global options select the command.
	cfg, rest, err := peerdir.LoadConfig(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fatal(err)
	}

	if cfg.ShowVersion {
		fmt.Printf("peerdir version %s commit=%s\n", build.Version(),
			build.Commit)
		os.Exit(0)
	}

	logWriter, err := setupLogging(cfg)
	if err != nil {
		fatal(err)
	}
	defer logWriter.Close()

	// Hook interceptor for os signals.
	interceptor, err := signal.Intercept()
	if err != nil {
		fatal(err)
	}

	parser := flags.NewNamedParser("peerdir", flags.Default)
	_, err = parser.AddCommand(
		"inspect", "Print the stored peer book",
		"Print the peers of the stored snapshot as a table.",
		&inspectCommand{cfg: cfg},
	)
	if err != nil {
		fatal(err)
	}
	_, err = parser.AddCommand(
		"simulate", "Run a directory against a simulated network",
		"Run a peer directory against an in-process network for a "+
			"number of rounds and save the resulting book.",
		&simulateCommand{cfg: cfg, interceptor: interceptor},
	)
	if err != nil {
		fatal(err)
	}
	_, err = parser.AddCommand(
		"wipe", "Drop every stored peer",
		"Remove every peer from the snapshot database.",
		&wipeCommand{cfg: cfg},
	)
	if err != nil {
		fatal(err)
	}

	if _, err := parser.ParseArgs(rest); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}

		// The go-flags parser already printed its own errors.
		if flagsErr == nil {
			fmt.Fprintf(os.Stderr, "[peerdir] %v\n", err)
		}
		logWriter.Close()
		os.Exit(1)
	}
}

// setupLogging creates the root logger writing to the console and the
// rotating log file, and applies the configured debug levels.
func setupLogging(cfg *peerdir.Config) (*build.RotatingLogWriter, error) {
	logWriter := build.NewRotatingLogWriter()

	var writers []io.Writer
	if !cfg.LogConfig.Console.Disable {
		writers = append(writers, os.Stdout)
	}
	if !cfg.LogConfig.File.Disable {
		err := logWriter.InitLogRotator(
			cfg.LogConfig.File, cfg.LogFile(),
		)
		if err != nil {
			return nil, err
		}
		writers = append(writers, logWriter)
	}

	root := build.NewSubLoggerManager(
		cfg.LogConfig.Console.HandlerOptions(), writers...,
	)
	peerdir.SetupLoggers(root)

	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		logWriter.Close()
		return nil, err
	}

	return logWriter, nil
}
