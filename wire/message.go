// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// code derived from https://github.com/btcsuite/btcd/blob/master/wire/message.go

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// MessageHeaderSize is the number of bytes in a bitcoin message
	// header: 4 byte magic number, 12 byte command, 4 byte payload
	// length and 4 byte checksum.
	MessageHeaderSize = 24

	// CommandSize is the fixed size of all commands in the common
	// bitcoin message header. Shorter commands must be zero padded.
	CommandSize = 12

	// MaxMessagePayload is the maximum bytes a message can be regardless
	// of other individual limits imposed by messages themselves.
	MaxMessagePayload = (1024 * 1024 * 32) // 32MB
)

// Commands used in bitcoin message headers which describe the type of
// message.
const (
	CmdVersion = "version"
	CmdVerAck  = "verack"
)

// Serializable is an interface which defines a bitcoin wire serializable
// object.
type Serializable interface {
	// Decode reads the bytes stream and converts it to the object.
	Decode(io.Reader, uint32) error

	// Encode converts object to the bytes stream and write it into the
	// write buffer.
	Encode(*bytes.Buffer, uint32) error
}

// Message is an interface that defines a bitcoin wire protocol message. The
// interface is general in order to allow implementing types full control
// over the representation of its data.
type Message interface {
	Serializable

	// Command returns the protocol command string for the message.
	Command() string

	// MaxPayloadLength returns the maximum length the payload of the
	// message can be, given the protocol version negotiated so far.
	MaxPayloadLength(pver uint32) uint32
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command.
func makeEmptyMessage(command string) (Message, error) {
	var msg Message
	switch command {
	case CmdVersion:
		msg = &MsgVersion{}

	case CmdVerAck:
		msg = &MsgVerAck{}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, command)
	}
	return msg, nil
}

// messageHeader defines the header structure for all bitcoin protocol
// messages.
type messageHeader struct {
	magic    BitcoinNet // 4 bytes
	command  string     // 12 bytes
	length   uint32     // 4 bytes
	checksum [4]byte    // 4 bytes
}

// readMessageHeader reads a bitcoin message header from r.
func readMessageHeader(r io.Reader) (*messageHeader, error) {
	// Since readElement doesn't return the amount of bytes read, attempt
	// to read the entire header into a buffer first in case there is a
	// short read so the proper amount of read bytes are known. This works
	// since the header is a fixed size.
	var headerBytes [MessageHeaderSize]byte
	if _, err := io.ReadFull(r, headerBytes[:]); err != nil {
		return nil, err
	}
	hr := bytes.NewReader(headerBytes[:])

	// Create and populate a messageHeader struct from the raw header
	// bytes.
	hdr := messageHeader{}
	var command [CommandSize]byte
	err := ReadElements(hr, &hdr.magic, &command, &hdr.length,
		&hdr.checksum)
	if err != nil {
		return nil, err
	}

	// Strip trailing zeros from command string.
	hdr.command = string(bytes.TrimRight(command[:], "\x00"))

	return &hdr, nil
}

// ReadMessage reads, validates, and parses the next bitcoin Message from r
// for the provided protocol version and bitcoin network. It returns the
// parsed Message along with the raw payload bytes.
//
// A message whose header names a network other than btcnet is rejected with
// ErrWrongNetwork before its payload is read, and a payload that does not
// hash to the header checksum is rejected with ErrChecksumMismatch before it
// is decoded.
func ReadMessage(r io.Reader, pver uint32, btcnet BitcoinNet) (Message, []byte, error) {
	hdr, err := readMessageHeader(r)
	if err != nil {
		return nil, nil, err
	}

	// Enforce maximum message payload.
	if hdr.length > MaxMessagePayload {
		return nil, nil, fmt.Errorf("%w: %d bytes, limit %d bytes",
			ErrPayloadTooLarge, hdr.length, MaxMessagePayload)
	}

	// Check for messages from the wrong bitcoin network.
	if hdr.magic != btcnet {
		return nil, nil, fmt.Errorf("%w: got %v [0x%x], want %v",
			ErrWrongNetwork, hdr.magic, uint32(hdr.magic), btcnet)
	}

	// Create struct of appropriate message type based on the command.
	msg, err := makeEmptyMessage(hdr.command)
	if err != nil {
		return nil, nil, err
	}

	// Check for maximum length based on the message type as a malicious
	// client could otherwise create a well-formed header and set the
	// length to max numbers in order to exhaust the machine's memory.
	mpl := msg.MaxPayloadLength(pver)
	if hdr.length > mpl {
		return nil, nil, fmt.Errorf("%w: %d bytes, limit %d bytes "+
			"for command %q", ErrPayloadTooLarge, hdr.length, mpl,
			hdr.command)
	}

	// Read payload.
	payload := make([]byte, hdr.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, err
	}

	// Test checksum.
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		return nil, nil, fmt.Errorf("%w: checksum %x, header "+
			"claimed %x", ErrChecksumMismatch, checksum,
			hdr.checksum)
	}

	// Unmarshal message. A buffer is used over the raw reader so the
	// message decoders can inspect how many payload bytes remain.
	if err := msg.Decode(bytes.NewBuffer(payload), pver); err != nil {
		return nil, nil, err
	}

	return msg, payload, nil
}

// WriteMessage writes a bitcoin Message to w including the necessary header
// information for the provided protocol version and bitcoin network. It
// returns the number of bytes written.
func WriteMessage(w io.Writer, msg Message, pver uint32, btcnet BitcoinNet) (int, error) {
	totalBytes := 0

	// Enforce max command size.
	var command [CommandSize]byte
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		return totalBytes, fmt.Errorf("command %q is too long, max "+
			"%d bytes", cmd, CommandSize)
	}
	copy(command[:], cmd)

	// Encode the message payload.
	var bw bytes.Buffer
	if err := msg.Encode(&bw, pver); err != nil {
		return totalBytes, err
	}
	payload := bw.Bytes()
	lenp := len(payload)

	// Enforce maximum overall message payload.
	if lenp > MaxMessagePayload {
		return totalBytes, fmt.Errorf("%w: %d bytes, limit %d bytes",
			ErrPayloadTooLarge, lenp, MaxMessagePayload)
	}

	// Enforce maximum message payload based on the message type.
	mpl := msg.MaxPayloadLength(pver)
	if uint32(lenp) > mpl {
		return totalBytes, fmt.Errorf("%w: %d bytes, limit %d bytes "+
			"for command %q", ErrPayloadTooLarge, lenp, mpl, cmd)
	}

	// Create header for the message.
	hdr := messageHeader{
		magic:   btcnet,
		command: cmd,
		length:  uint32(lenp),
	}
	copy(hdr.checksum[:], chainhash.DoubleHashB(payload)[0:4])

	// Encode the header for the message. This is done to a buffer rather
	// than directly to the writer since writeElements doesn't return the
	// number of bytes written.
	hw := bytes.NewBuffer(make([]byte, 0, MessageHeaderSize))
	err := WriteElements(hw, hdr.magic, command, hdr.length, hdr.checksum)
	if err != nil {
		return totalBytes, err
	}

	// Write header.
	n, err := w.Write(hw.Bytes())
	totalBytes += n
	if err != nil {
		return totalBytes, err
	}

	// Only write the payload if there is one, e.g., the verack message
	// carries none.
	if len(payload) > 0 {
		n, err = w.Write(payload)
		totalBytes += n
		if err != nil {
			return totalBytes, err
		}
	}

	return totalBytes, nil
}
