// Copyright (c) 2013-2016 The btcsuite developers
// code derived from https://github.com/btcsuite/btcd/blob/master/wire/msgversion.go

package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxUserAgentLen is the maximum allowed length for the user agent field in
// a version message.
const MaxUserAgentLen = 256

// versionRequiredPayload is the number of bytes a version payload must carry
// at minimum: protocol version 4 bytes, services 8 bytes, timestamp 8 bytes,
// two net addresses of 26 bytes each and the nonce 8 bytes. Everything after
// the nonce is optional.
const versionRequiredPayload = 4 + 8 + 8 + 2*maxNetAddressPayload + 8

// MsgVersion implements the Message interface and represents a bitcoin
// version message. It is used for a peer to advertise itself as soon as an
// outbound connection is made. The remote peer then uses this information
// along with its own to negotiate. The remote peer must then respond with a
// version message of its own containing the negotiated values followed by a
// verack message (MsgVerAck).
type MsgVersion struct {
	// Version of the protocol the node is using.
	ProtocolVersion int32

	// Bitfield which identifies the enabled services.
	Services ServiceFlag

	// Time the message was generated. This is encoded as an int64 on the
	// wire.
	Timestamp int64

	// Address of the remote peer.
	AddrYou NetAddress

	// Address of the local peer.
	AddrMe NetAddress

	// Unique value associated with message that is used to detect self
	// connections.
	Nonce uint64

	// The user agent that generated message. This is encoded as a varString
	// on the wire. This has a max length of MaxUserAgentLen.
	UserAgent string

	// Last block seen by the generator of the version message.
	LastBlock int32

	// Don't announce transactions to peer.
	DisableRelayTx bool
}

// A compile time check to ensure MsgVersion implements the Message
// interface.
var _ Message = (*MsgVersion)(nil)

// Decode decodes r using the bitcoin protocol encoding into the receiver.
// The version message is special in that the protocol version hasn't been
// negotiated yet. As a result, the pver field is ignored and any fields
// which are added in new versions are optional.
//
// This is part of the Message interface.
func (msg *MsgVersion) Decode(r io.Reader, pver uint32) error {
	buf, ok := r.(*bytes.Buffer)
	if !ok {
		return fmt.Errorf("MsgVersion.Decode reads from a " +
			"*bytes.Buffer")
	}

	// The protocol version, services, timestamp, both addresses and the
	// nonce are required. Everything after the nonce is optional since
	// peers predating protocol version 70001 omit some or all of it.
	if buf.Len() < versionRequiredPayload {
		return fmt.Errorf("%w: version payload is %d bytes, need at "+
			"least %d", ErrMalformedPayload, buf.Len(),
			versionRequiredPayload)
	}

	err := ReadElements(buf, &msg.ProtocolVersion, &msg.Services,
		&msg.Timestamp)
	if err != nil {
		return err
	}

	if err := readNetAddress(buf, &msg.AddrYou); err != nil {
		return err
	}
	if err := readNetAddress(buf, &msg.AddrMe); err != nil {
		return err
	}

	if err := ReadElement(buf, &msg.Nonce); err != nil {
		return err
	}

	msg.UserAgent = ""
	if buf.Len() > 0 {
		userAgent, err := ReadVarString(buf)
		if err != nil {
			return malformedField("user agent", err)
		}
		if err := validateUserAgent(userAgent); err != nil {
			return err
		}
		msg.UserAgent = userAgent
	}

	msg.LastBlock = 0
	if buf.Len() > 0 {
		if err := ReadElement(buf, &msg.LastBlock); err != nil {
			return malformedField("last block", err)
		}
	}

	// There was no relay transactions field before BIP0037Version, but
	// the default behavior prior to the addition of the field was to
	// always relay transactions.
	msg.DisableRelayTx = false
	if pver >= BIP0037Version && buf.Len() > 0 {
		var relayTx bool
		if err := ReadElement(buf, &relayTx); err != nil {
			return malformedField("relay flag", err)
		}
		msg.DisableRelayTx = !relayTx
	}

	return nil
}

// malformedField tags a decode failure of an optional trailing field: once
// any byte of the field is present, the whole field must be.
func malformedField(field string, err error) error {
	if errors.Is(err, ErrMalformedPayload) {
		return err
	}
	return fmt.Errorf("%w: %s cut short: %v", ErrMalformedPayload,
		field, err)
}

// Encode encodes the receiver to w using the bitcoin protocol encoding.
//
// This is part of the Message interface.
func (msg *MsgVersion) Encode(w *bytes.Buffer, pver uint32) error {
	if err := validateUserAgent(msg.UserAgent); err != nil {
		return err
	}

	err := WriteElements(w, msg.ProtocolVersion, msg.Services,
		msg.Timestamp)
	if err != nil {
		return err
	}

	if err := writeNetAddress(w, &msg.AddrYou); err != nil {
		return err
	}
	if err := writeNetAddress(w, &msg.AddrMe); err != nil {
		return err
	}

	if err := WriteElement(w, msg.Nonce); err != nil {
		return err
	}

	if err := WriteVarString(w, msg.UserAgent); err != nil {
		return err
	}

	if err := WriteElement(w, msg.LastBlock); err != nil {
		return err
	}

	// There was no relay transactions field before BIP0037Version.
	if pver >= BIP0037Version {
		if err := WriteElement(w, !msg.DisableRelayTx); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.
//
// This is part of the Message interface.
func (msg *MsgVersion) Command() string {
	return CmdVersion
}

// MaxPayloadLength returns the maximum length the payload of the message
// can be, given the protocol version negotiated so far.
//
// This is part of the Message interface.
func (msg *MsgVersion) MaxPayloadLength(pver uint32) uint32 {
	// Protocol version 4 bytes + services 8 bytes + timestamp 8 bytes +
	// remote and local net addresses + nonce 8 bytes + length of user
	// agent (varInt) + max allowed useragent length + last block 4 bytes +
	// relay transactions flag 1 byte.
	return 33 + (maxNetAddressPayload * 2) + MaxVarIntPayload +
		MaxUserAgentLen
}

// NewMsgVersion returns a new bitcoin version message that conforms to the
// Message interface using the passed parameters and defaults for the
// remaining fields.
func NewMsgVersion(me *NetAddress, you *NetAddress, nonce uint64,
	userAgent string, lastBlock int32) *MsgVersion {

	// Limit the timestamp to one second precision since the protocol
	// doesn't support better.
	return &MsgVersion{
		ProtocolVersion: int32(ProtocolVersion),
		Services:        0,
		Timestamp:       time.Now().Unix(),
		AddrYou:         *you,
		AddrMe:          *me,
		Nonce:           nonce,
		UserAgent:       userAgent,
		LastBlock:       lastBlock,
		DisableRelayTx:  false,
	}
}

// validateUserAgent checks userAgent length against MaxUserAgentLen.
func validateUserAgent(userAgent string) error {
	if len(userAgent) > MaxUserAgentLen {
		return fmt.Errorf("%w: %d bytes, max %d bytes",
			ErrUserAgentTooLong, len(userAgent), MaxUserAgentLen)
	}
	return nil
}
