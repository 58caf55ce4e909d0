package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	p2phs "github.com/alexander-borodulya/p2p-node-handshake"
	"github.com/alexander-borodulya/p2p-node-handshake/signal"
)

func main() {
	// Load the configuration, and parse any command line options. This
	// function will also set up logging properly.
	loadedConfig, err := p2phs.LoadConfig()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			// Print error if not due to help request.
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Help was requested, exit normally.
		os.Exit(0)
	}

	// Hook interceptor for os signals.
	signal.Intercept()

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	err = p2phs.Main(loadedConfig, signal.ShutdownChannel())
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
