// Package discovery locates candidate peers to probe by querying the DNS
// seeds published for each bitcoin network.
package discovery

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/alexander-borodulya/p2p-node-handshake/wire"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/davecgh/go-spew/spew"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const (
	// maxConcurrentSeedQueries caps how many DNS seeds are queried at
	// the same time.
	maxConcurrentSeedQueries = 4

	// dnsQueryTimeout bounds a single exchange with a DNS server.
	dnsQueryTimeout = 10 * time.Second
)

// NetworkPeerBootstrapper is an interface that represents an initial peer
// bootstrap mechanism. This interface is to be used to bootstrap a probe
// joining the network without any prior knowledge of its peers.
type NetworkPeerBootstrapper interface {
	// SampleNodeAddrs uniformly samples a set of specified address from
	// the network peer bootstrapper source. The num addrs field passed in
	// denotes how many valid peer addresses to return. The passed set of
	// addresses allows the caller to ignore a set of peers perhaps
	// because they have already been probed.
	SampleNodeAddrs(numAddrs uint32,
		ignore map[string]struct{}) ([]*net.TCPAddr, error)

	// Name returns a human readable string which names the concrete
	// implementation of the NetworkPeerBootstrapper.
	Name() string
}

// MultiSourceBootstrap attempts to utilize a set of NetworkPeerBootstrapper
// passed in to return the target (numAddrs) number of peer addresses that
// can be used to bootstrap a peer probe. Each bootstrapper will be queried
// successively until the target amount is met. If the ignore map is
// populated, then the bootstrappers will be instructed to skip those
// addresses.
func MultiSourceBootstrap(ignore map[string]struct{}, numAddrs uint32,
	bootStrappers ...NetworkPeerBootstrapper) ([]*net.TCPAddr, error) {

	var addrs []*net.TCPAddr
	for _, bootStrapper := range bootStrappers {
		// If we already have enough addresses, then we can exit early
		// w/o querying the additional bootstrappers.
		if uint32(len(addrs)) >= numAddrs {
			break
		}

		log.Infof("Attempting to bootstrap with: %v",
			bootStrapper.Name())

		// If we still need additional addresses, then we'll compute
		// the number of address remaining that we need to fetch.
		numAddrsLeft := numAddrs - uint32(len(addrs))
		log.Tracef("Querying for %v addresses", numAddrsLeft)

		netAddrs, err := bootStrapper.SampleNodeAddrs(
			numAddrsLeft, ignore,
		)
		if err != nil {
			// If we encounter an error with a bootstrapper, then
			// we'll continue on to the next available
			// bootstrapper.
			log.Errorf("Unable to query bootstrapper %v: %v",
				bootStrapper.Name(), err)
			continue
		}

		addrs = append(addrs, netAddrs...)
	}

	if len(addrs) == 0 {
		return nil, errors.New("no addresses found from any " +
			"bootstrap source")
	}

	log.Infof("Obtained %v addrs to bootstrap network with", len(addrs))

	return addrs, nil
}

// LookupHostFunc resolves a DNS name into the addresses of its A records.
type LookupHostFunc func(host string) ([]string, error)

// DNSSeedBootstrapper is an implementation of the NetworkPeerBootstrapper
// interface which implements peer bootstrapping via the well known DNS
// seeds of a bitcoin network. The seeds answer A queries with the
// addresses of nodes that recently accepted inbound connections.
type DNSSeedBootstrapper struct {
	// dnsSeeds is the set of seeds to query.
	dnsSeeds []chaincfg.DNSSeed

	// defaultPort is the peering port of the target network, attached
	// to every resolved address.
	defaultPort uint16

	// services are the service flags a sampled peer is required to
	// support. Seeds that support filtering only return peers
	// advertising at least these flags.
	services wire.ServiceFlag

	// lookupHost resolves seed host names.
	lookupHost LookupHostFunc
}

// A compile time assertion to ensure that DNSSeedBootstrapper meets the
// NetworkPeerBootstrapper interface.
var _ NetworkPeerBootstrapper = (*DNSSeedBootstrapper)(nil)

// NewDNSSeedBootstrapper returns a new instance of the DNSSeedBootstrapper
// given a set of DNS seeds and the peering port of the target network. If
// lookupHost is nil, the system resolver is used.
func NewDNSSeedBootstrapper(seeds []chaincfg.DNSSeed, defaultPort uint16,
	services wire.ServiceFlag,
	lookupHost LookupHostFunc) *DNSSeedBootstrapper {

	if lookupHost == nil {
		lookupHost = net.LookupHost
	}

	return &DNSSeedBootstrapper{
		dnsSeeds:    seeds,
		defaultPort: defaultPort,
		services:    services,
		lookupHost:  lookupHost,
	}
}

// SampleNodeAddrs uniformly samples a set of specified address from the
// network peer bootstrapper source. A numAddrs of zero places no cap on the
// sample, returning every address the seeds answered with.
//
// NOTE: Part of the NetworkPeerBootstrapper interface.
func (d *DNSSeedBootstrapper) SampleNodeAddrs(numAddrs uint32,
	ignore map[string]struct{}) ([]*net.TCPAddr, error) {

	var (
		mtx   sync.Mutex
		addrs []*net.TCPAddr
	)

	// Query all seeds concurrently, with a cap so a network with many
	// seeds doesn't fan out into a flood of lookups.
	var eg errgroup.Group
	eg.SetLimit(maxConcurrentSeedQueries)

	for _, seed := range d.dnsSeeds {
		host := seed.Host

		// Seeds that support filtering take the required service
		// flags as a hex encoded subdomain and only return peers
		// advertising them.
		if seed.HasFiltering && d.services != 0 {
			host = fmt.Sprintf("x%x.%s", uint64(d.services),
				seed.Host)
		}

		eg.Go(func() error {
			log.Tracef("Querying DNS seed %v", host)

			ips, err := d.lookupHost(host)
			if err != nil {
				// A dead seed shouldn't sink the whole
				// sample, so log and let the remaining seeds
				// answer.
				log.Errorf("Unable to query DNS seed %v: %v",
					host, err)
				return nil
			}

			log.Debugf("Retrieved %v addrs from DNS seed %v",
				len(ips), host)

			mtx.Lock()
			defer mtx.Unlock()

			for _, ip := range ips {
				addr := net.JoinHostPort(
					ip,
					strconv.Itoa(int(d.defaultPort)),
				)
				tcpAddr, err := net.ResolveTCPAddr(
					"tcp", addr,
				)
				if err != nil {
					log.Warnf("Unable to resolve seed "+
						"result %v: %v", addr, err)
					continue
				}

				addrs = append(addrs, tcpAddr)
			}

			return nil
		})
	}

	// The workers log their own failures, so the only error left to
	// surface is coming up completely empty.
	_ = eg.Wait()

	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found from %d DNS "+
			"seeds", len(d.dnsSeeds))
	}

	// Shuffle so repeated samples don't keep offering the peers the
	// first seed listed first.
	rand.Shuffle(len(addrs), func(i, j int) {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	})

	sampled := make([]*net.TCPAddr, 0, numAddrs)
	for _, addr := range addrs {
		if _, ok := ignore[addr.String()]; ok {
			continue
		}

		sampled = append(sampled, addr)
		if uint32(len(sampled)) == numAddrs {
			break
		}
	}

	log.Tracef("Sampled node addrs: %v", newLogClosure(func() string {
		return spew.Sdump(sampled)
	}))

	return sampled, nil
}

// Name returns a human readable string which names the concrete
// implementation of the NetworkPeerBootstrapper.
//
// NOTE: Part of the NetworkPeerBootstrapper interface.
func (d *DNSSeedBootstrapper) Name() string {
	return fmt.Sprintf("DNS seeds: %v", d.dnsSeeds)
}

// DNSServerLookup returns a LookupHostFunc which queries the given DNS
// server directly rather than consulting the system resolver. The query
// goes out over UDP first, with a retry over TCP when the response comes
// back truncated.
func DNSServerLookup(server string) LookupHostFunc {
	return func(host string) ([]string, error) {
		query := new(dns.Msg)
		query.SetQuestion(dns.Fqdn(host), dns.TypeA)

		resp, err := exchangeDNSQuery(server, "udp", query)
		if err != nil {
			return nil, err
		}

		// If the response wasn't able to fit within a UDP datagram,
		// ask again over TCP to obtain the full record set.
		if resp.Truncated {
			resp, err = exchangeDNSQuery(server, "tcp", query)
			if err != nil {
				return nil, err
			}
		}

		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("unsuccessful DNS request, "+
				"received: %v",
				dns.RcodeToString[resp.Rcode])
		}

		var ips []string
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A.String())
			}
		}

		return ips, nil
	}
}

// exchangeDNSQuery performs a single DNS exchange with the server over the
// given transport network.
func exchangeDNSQuery(server, network string,
	query *dns.Msg) (*dns.Msg, error) {

	conn, err := net.DialTimeout(network, server, dnsQueryTimeout)
	if err != nil {
		return nil, err
	}

	dnsConn := &dns.Conn{Conn: conn}
	defer dnsConn.Close()

	if err := conn.SetDeadline(time.Now().Add(dnsQueryTimeout)); err != nil {
		return nil, err
	}

	if err := dnsConn.WriteMsg(query); err != nil {
		return nil, err
	}

	return dnsConn.ReadMsg()
}
