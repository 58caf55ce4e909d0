// Package p2phs probes bitcoin peers by running the version/verack handshake
// against them and reporting what each peer advertises.
package p2phs

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/davecgh/go-spew/spew"

	"github.com/alexander-borodulya/p2p-node-handshake/build"
	"github.com/alexander-borodulya/p2p-node-handshake/discovery"
	"github.com/alexander-borodulya/p2p-node-handshake/peer"
	"github.com/alexander-borodulya/p2p-node-handshake/wire"
)

// Main is the true entry point for p2phs. It accepts a fully populated and
// validated configuration struct and runs the probe until a handshake
// completes, every candidate peer has been tried, or a signal is received on
// shutdownChan.
func Main(cfg *Config, shutdownChan <-chan struct{}) error {
	defer func() {
		p2phLog.Info("Shutdown complete")

		if logRotator != nil {
			err := logRotator.Close()
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr,
					"Could not close log rotator: %v\n",
					err)
			}
		}
	}()

	// Show version at startup.
	p2phLog.Infof("Version: %v commit=%v, build=%v, logging=%v, "+
		"debuglevel=%v", build.Version(), build.Commit,
		build.Deployment, build.LoggingType, cfg.DebugLevel)

	p2phLog.Infof("Active network: %v", cfg.ActiveNetParams.Net)

	p2phLog.Tracef("Config: %v", newLogClosure(func() string {
		return spew.Sdump(cfg)
	}))

	switch {
	// Print the seed list of the active network and return without
	// touching the network at all.
	case cfg.ListSeeds:
		return listSeeds(cfg)

	// Resolve a single seed, then print or probe its answers.
	case cfg.ResolveSeed != "":
		return resolveSeed(cfg, shutdownChan)

	// The user named the peers to probe directly, so no seed resolution
	// is needed.
	case len(cfg.Peers) > 0:
		return probePeers(cfg, cfg.Peers, shutdownChan)

	// With no explicit peers, sample probe candidates from the DNS seeds
	// of the active network.
	default:
		addrs, err := bootstrapAddrs(cfg)
		if err != nil {
			return err
		}

		return probePeers(cfg, addrs, shutdownChan)
	}
}

// listSeeds prints the DNS seeds of the active network, one per line, in the
// index order accepted by --resolveseed.
func listSeeds(cfg *Config) error {
	seeds := cfg.ActiveNetParams.DNSSeeds
	if len(seeds) == 0 {
		return fmt.Errorf("the %v network has no DNS seeds",
			cfg.ActiveNetParams.Net)
	}

	for i, seed := range seeds {
		filtering := ""
		if seed.HasFiltering {
			filtering = " (supports service filtering)"
		}
		fmt.Printf("%d: %s%s\n", i, seed.Host, filtering)
	}

	return nil
}

// resolveSeed resolves a single DNS seed and either prints every peer it
// returned or, with --peerindex set, probes the selected one.
func resolveSeed(cfg *Config, shutdownChan <-chan struct{}) error {
	knownSeeds := cfg.ActiveNetParams.DNSSeeds

	// The seed may be given as an index into the --listseeds output
	// rather than a host name.
	seed := chaincfg.DNSSeed{Host: cfg.ResolveSeed}
	if idx, err := strconv.Atoi(cfg.ResolveSeed); err == nil {
		if idx < 0 || idx >= len(knownSeeds) {
			return fmt.Errorf("seed index %d out of range, the "+
				"%v network has %d seeds", idx,
				cfg.ActiveNetParams.Net, len(knownSeeds))
		}

		seed = knownSeeds[idx]
	} else {
		// A host name that matches a known seed inherits its
		// filtering capability.
		for _, known := range knownSeeds {
			if known.Host == seed.Host {
				seed = known
				break
			}
		}
	}

	bootStrapper := discovery.NewDNSSeedBootstrapper(
		[]chaincfg.DNSSeed{seed}, defaultPeerPort(cfg),
		wire.SFNodeNetwork, seedLookup(cfg),
	)

	// Sampling zero addresses returns everything the seed answered with.
	addrs, err := bootStrapper.SampleNodeAddrs(0, nil)
	if err != nil {
		return err
	}

	// Probe exactly one of the discovered peers when an index was
	// requested.
	if cfg.PeerIndex >= 0 {
		if cfg.PeerIndex >= len(addrs) {
			return fmt.Errorf("peer index %d out of range, seed "+
				"%v returned %d peers", cfg.PeerIndex,
				seed.Host, len(addrs))
		}

		return probePeers(
			cfg, []string{addrs[cfg.PeerIndex].String()},
			shutdownChan,
		)
	}

	for i, addr := range addrs {
		fmt.Printf("%d: %s\n", i, addr)
	}

	return nil
}

// bootstrapAddrs samples the configured number of probe candidates from the
// DNS seeds of the active network.
func bootstrapAddrs(cfg *Config) ([]string, error) {
	bootStrapper := discovery.NewDNSSeedBootstrapper(
		cfg.ActiveNetParams.DNSSeeds, defaultPeerPort(cfg),
		wire.SFNodeNetwork, seedLookup(cfg),
	)

	tcpAddrs, err := discovery.MultiSourceBootstrap(
		nil, uint32(cfg.NumPeers), bootStrapper,
	)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(tcpAddrs))
	for _, addr := range tcpAddrs {
		addrs = append(addrs, addr.String())
	}

	return addrs, nil
}

// seedLookup returns the resolver the DNS seed bootstrapper should use. This
// is nil for the system resolver unless a dedicated DNS server was
// configured.
func seedLookup(cfg *Config) discovery.LookupHostFunc {
	if cfg.DNSServer == "" {
		return nil
	}

	p2phLog.Debugf("Resolving DNS seeds through %v", cfg.DNSServer)

	return discovery.DNSServerLookup(cfg.DNSServer)
}

// defaultPeerPort returns the peering port of the active network in numeric
// form. The chain parameters carry it as a string.
func defaultPeerPort(cfg *Config) uint16 {
	port, err := strconv.ParseUint(cfg.ActiveNetParams.DefaultPort, 10, 16)
	if err != nil {
		// The ports in the compiled-in chain parameters are all
		// valid, so this can only trip on a hand-crafted Params
		// value.
		p2phLog.Warnf("Invalid default port %q, falling back to "+
			"8333: %v", cfg.ActiveNetParams.DefaultPort, err)
		return 8333
	}

	return uint16(port)
}

// probePeers dials each address in turn and runs the handshake against it,
// stopping at the first peer that completes. An error is only returned if
// not a single handshake completed.
func probePeers(cfg *Config, addrs []string,
	shutdownChan <-chan struct{}) error {

	var completed, failed int
	start := time.Now()

	for _, addr := range addrs {
		// A shutdown request aborts the remaining probes but isn't a
		// probe failure.
		select {
		case <-shutdownChan:
			p2phLog.Infof("Received shutdown request, aborting "+
				"probe with %d peers remaining",
				len(addrs)-completed-failed)
			return nil
		default:
		}

		res, err := probePeer(cfg, addr)
		if err != nil {
			failed++
			p2phLog.Errorf("Handshake with %v failed: %v", addr,
				err)
			continue
		}

		completed++
		p2phLog.Infof("Handshake with %v completed: pver=%d, "+
			"services=%v, agent=%s, height=%d", addr,
			res.NegotiatedVersion, res.RemoteServices,
			res.RemoteUserAgent, res.RemoteStartHeight)

		// One live peer is all the probe is after, so the first
		// completed handshake ends the run.
		break
	}

	p2phLog.Infof("Probed %d peers in %v: %d completed, %d failed",
		completed+failed, time.Since(start), completed, failed)

	if completed == 0 {
		return fmt.Errorf("all %d handshakes failed", failed)
	}

	return nil
}

// probePeer dials the peer at addr and runs the version/verack handshake
// over the fresh connection.
func probePeer(cfg *Config, addr string) (*peer.Result, error) {
	p2phLog.Debugf("Dialing %v", addr)

	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectionTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return peer.Establish(conn, &peer.Config{
		Net:            cfg.ActiveNetParams.Net,
		UserAgent:      cfg.UserAgent,
		StartHeight:    cfg.StartHeight,
		MessageTimeout: cfg.HandshakeTimeout,
	})
}
