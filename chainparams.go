package p2phs

import (
	bitcoinCfg "github.com/btcsuite/btcd/chaincfg"

	"github.com/alexander-borodulya/p2p-node-handshake/wire"
)

// bitcoinNetParams couples the p2p parameters of a network with the message
// magic the probe stamps on its frames. The Net field overrides the
// embedded parameter struct's own network identifier with this module's
// wire type.
type bitcoinNetParams struct {
	*bitcoinCfg.Params
	Net wire.BitcoinNet
}

// bitcoinMainNetParams contains parameters specific to the current Bitcoin
// mainnet.
var bitcoinMainNetParams = bitcoinNetParams{
	Params: &bitcoinCfg.MainNetParams,
	Net:    wire.MainNet,
}

// bitcoinTestNetParams contains parameters specific to the 3rd version of
// the test network.
var bitcoinTestNetParams = bitcoinNetParams{
	Params: &bitcoinCfg.TestNet3Params,
	Net:    wire.TestNet3,
}

// regTestNetParams contains parameters specific to a local regtest network.
var regTestNetParams = bitcoinNetParams{
	Params: &bitcoinCfg.RegressionNetParams,
	Net:    wire.TestNet,
}

// bitcoinSimNetParams contains parameters specific to the simulation test
// network.
var bitcoinSimNetParams = bitcoinNetParams{
	Params: &bitcoinCfg.SimNetParams,
	Net:    wire.SimNet,
}
