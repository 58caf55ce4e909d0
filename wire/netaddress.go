// Copyright (c) 2013-2016 The btcsuite developers
// code derived from https://github.com/btcsuite/btcd/blob/master/wire/netaddress.go

package wire

import (
	"bytes"
	"io"
	"net"
)

// maxNetAddressPayload is the max payload size for a bitcoin NetAddress as
// carried inside a version message, which omits the timestamp present in
// addr messages: 8 bytes of services, 16 bytes of IP and 2 bytes of port.
const maxNetAddressPayload = 26

// NetAddress defines information about a peer on the network including the
// services it supports, its IP address, and port. The timestamp field of the
// reference encoding is absent here since version messages never carry one.
type NetAddress struct {
	// Services is a bitfield which identifies the services supported by
	// the address.
	Services ServiceFlag

	// IP address of the peer.
	IP net.IP

	// Port the peer is using. This is encoded in big endian on the wire
	// which differs from most everything else.
	Port uint16
}

// NewNetAddressIPPort returns a new NetAddress using the provided IP, port,
// and supported services.
func NewNetAddressIPPort(ip net.IP, port uint16, services ServiceFlag) *NetAddress {
	return &NetAddress{
		Services: services,
		IP:       ip,
		Port:     port,
	}
}

// NewNetAddress returns a new NetAddress using the provided TCP address and
// supported services.
func NewNetAddress(addr *net.TCPAddr, services ServiceFlag) *NetAddress {
	return NewNetAddressIPPort(addr.IP, uint16(addr.Port), services)
}

// readNetAddress reads an encoded NetAddress from r.
func readNetAddress(r io.Reader, na *NetAddress) error {
	var ip [16]byte
	err := ReadElements(r, &na.Services, &ip, &na.Port)
	if err != nil {
		return err
	}

	na.IP = net.IP(ip[:])
	return nil
}

// writeNetAddress serializes a NetAddress to w. The IP is always written as
// 16 bytes, with IPv4 addresses represented in their IPv4-mapped IPv6 form.
func writeNetAddress(w *bytes.Buffer, na *NetAddress) error {
	var ip [16]byte
	if na.IP != nil {
		copy(ip[:], na.IP.To16())
	}

	return WriteElements(w, na.Services, ip, na.Port)
}
