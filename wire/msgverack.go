package wire

import (
	"bytes"
	"io"
)

// MsgVerAck implements the Message interface and represents a bitcoin verack
// message which is used for a peer to acknowledge a version message
// (MsgVersion) after it has been used to negotiate parameters. It implements
// the Message interface.
//
// This message has no payload.
type MsgVerAck struct{}

// A compile time check to ensure MsgVerAck implements the Message interface.
var _ Message = (*MsgVerAck)(nil)

// Decode decodes r using the bitcoin protocol encoding into the receiver.
//
// This is part of the Message interface.
func (msg *MsgVerAck) Decode(r io.Reader, pver uint32) error {
	return nil
}

// Encode encodes the receiver to w using the bitcoin protocol encoding.
//
// This is part of the Message interface.
func (msg *MsgVerAck) Encode(w *bytes.Buffer, pver uint32) error {
	return nil
}

// Command returns the protocol command string for the message.
//
// This is part of the Message interface.
func (msg *MsgVerAck) Command() string {
	return CmdVerAck
}

// MaxPayloadLength returns the maximum length the payload of the message
// can be, given the protocol version negotiated so far.
//
// This is part of the Message interface.
func (msg *MsgVerAck) MaxPayloadLength(pver uint32) uint32 {
	return 0
}

// NewMsgVerAck returns a new bitcoin verack message that conforms to the
// Message interface.
func NewMsgVerAck() *MsgVerAck {
	return &MsgVerAck{}
}
