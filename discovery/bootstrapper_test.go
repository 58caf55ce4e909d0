package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/alexander-borodulya/p2p-node-handshake/wire"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// recordingLookup returns a lookup function serving a fixed host to address
// table, recording every host it is asked about.
func recordingLookup(table map[string][]string) (LookupHostFunc, func() []string) {
	var (
		mtx     sync.Mutex
		queried []string
	)

	lookup := func(host string) ([]string, error) {
		mtx.Lock()
		queried = append(queried, host)
		mtx.Unlock()

		ips, ok := table[host]
		if !ok {
			return nil, fmt.Errorf("no such host %v", host)
		}
		return ips, nil
	}

	hosts := func() []string {
		mtx.Lock()
		defer mtx.Unlock()
		return append([]string(nil), queried...)
	}

	return lookup, hosts
}

// TestDNSSeedBootstrapperSample asserts seeds are queried with the service
// filter subdomain where supported and that the sampled addresses carry the
// network's peering port.
func TestDNSSeedBootstrapperSample(t *testing.T) {
	t.Parallel()

	seeds := []chaincfg.DNSSeed{
		{Host: "filtered.seed.example", HasFiltering: true},
		{Host: "plain.seed.example", HasFiltering: false},
	}

	lookup, queriedHosts := recordingLookup(map[string][]string{
		// SFNodeNetwork|SFNodeWitness encodes as x9.
		"x9.filtered.seed.example": {"10.0.0.1", "10.0.0.2"},
		"plain.seed.example":       {"10.0.0.3"},
	})

	b := NewDNSSeedBootstrapper(
		seeds, 8333, wire.SFNodeNetwork|wire.SFNodeWitness, lookup,
	)

	addrs, err := b.SampleNodeAddrs(10, nil)
	require.NoError(t, err)
	require.Len(t, addrs, 3)

	for _, addr := range addrs {
		require.Equal(t, 8333, addr.Port)
	}

	require.ElementsMatch(
		t,
		[]string{"x9.filtered.seed.example", "plain.seed.example"},
		queriedHosts(),
	)
}

// TestDNSSeedBootstrapperNoFilter asserts the filter subdomain is not used
// when no services are required of sampled peers.
func TestDNSSeedBootstrapperNoFilter(t *testing.T) {
	t.Parallel()

	seeds := []chaincfg.DNSSeed{
		{Host: "filtered.seed.example", HasFiltering: true},
	}

	lookup, queriedHosts := recordingLookup(map[string][]string{
		"filtered.seed.example": {"10.0.0.1"},
	})

	b := NewDNSSeedBootstrapper(seeds, 8333, 0, lookup)

	_, err := b.SampleNodeAddrs(1, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"filtered.seed.example"}, queriedHosts())
}

// TestDNSSeedBootstrapperCapAndIgnore asserts the sample honors both the
// requested size and the ignore set.
func TestDNSSeedBootstrapperCapAndIgnore(t *testing.T) {
	t.Parallel()

	seeds := []chaincfg.DNSSeed{
		{Host: "plain.seed.example", HasFiltering: false},
	}

	lookup, _ := recordingLookup(map[string][]string{
		"plain.seed.example": {
			"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4",
		},
	})

	b := NewDNSSeedBootstrapper(seeds, 8333, 0, lookup)

	ignore := map[string]struct{}{
		"10.0.0.1:8333": {},
		"10.0.0.2:8333": {},
	}

	addrs, err := b.SampleNodeAddrs(1, ignore)
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	_, ignored := ignore[addrs[0].String()]
	require.False(t, ignored)
}

// TestDNSSeedBootstrapperAllSeedsFail asserts an error is only returned
// once every seed has come up empty.
func TestDNSSeedBootstrapperAllSeedsFail(t *testing.T) {
	t.Parallel()

	seeds := []chaincfg.DNSSeed{
		{Host: "one.seed.example", HasFiltering: false},
		{Host: "two.seed.example", HasFiltering: false},
	}

	// An empty table makes every lookup fail.
	lookup, queriedHosts := recordingLookup(nil)

	b := NewDNSSeedBootstrapper(seeds, 8333, 0, lookup)

	_, err := b.SampleNodeAddrs(5, nil)
	require.Error(t, err)

	// Both seeds were still consulted before giving up.
	require.Len(t, queriedHosts(), 2)
}

// mockBootstrapper is a canned NetworkPeerBootstrapper for exercising the
// multi source combiner.
type mockBootstrapper struct {
	name    string
	addrs   []*net.TCPAddr
	err     error
	queried bool
}

func (m *mockBootstrapper) SampleNodeAddrs(numAddrs uint32,
	ignore map[string]struct{}) ([]*net.TCPAddr, error) {

	m.queried = true
	if m.err != nil {
		return nil, m.err
	}
	if uint32(len(m.addrs)) > numAddrs {
		return m.addrs[:numAddrs], nil
	}
	return m.addrs, nil
}

func (m *mockBootstrapper) Name() string {
	return m.name
}

// tcpAddrs builds loopback test addresses on sequential ports.
func tcpAddrs(t *testing.T, ports ...int) []*net.TCPAddr {
	t.Helper()

	addrs := make([]*net.TCPAddr, 0, len(ports))
	for _, port := range ports {
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: port,
		})
	}
	return addrs
}

// TestMultiSourceBootstrap asserts a failing bootstrapper is skipped in
// favor of the remaining sources.
func TestMultiSourceBootstrap(t *testing.T) {
	t.Parallel()

	failing := &mockBootstrapper{
		name: "failing",
		err:  errors.New("seed down"),
	}
	working := &mockBootstrapper{
		name:  "working",
		addrs: tcpAddrs(t, 8333, 8334),
	}

	addrs, err := MultiSourceBootstrap(nil, 2, failing, working)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.True(t, failing.queried)
	require.True(t, working.queried)
}

// TestMultiSourceBootstrapExitsEarly asserts later bootstrappers are not
// consulted once the target number of addresses has been reached.
func TestMultiSourceBootstrapExitsEarly(t *testing.T) {
	t.Parallel()

	first := &mockBootstrapper{
		name:  "first",
		addrs: tcpAddrs(t, 8333, 8334),
	}
	second := &mockBootstrapper{name: "second"}

	addrs, err := MultiSourceBootstrap(nil, 2, first)
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	addrs, err = MultiSourceBootstrap(nil, 2, first, second)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.False(t, second.queried)
}

// TestMultiSourceBootstrapEmpty asserts an error surfaces when every source
// fails.
func TestMultiSourceBootstrapEmpty(t *testing.T) {
	t.Parallel()

	failing := &mockBootstrapper{
		name: "failing",
		err:  errors.New("seed down"),
	}

	_, err := MultiSourceBootstrap(nil, 2, failing)
	require.Error(t, err)
}
