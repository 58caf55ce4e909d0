package wire

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// buildFrame assembles a raw wire frame for the given command and payload,
// committing to the payload with the usual checksum. Tests use it to craft
// frames ReadMessage should reject, so the command need not be one the
// package implements.
func buildFrame(t *testing.T, btcnet BitcoinNet, command string,
	payload []byte) []byte {

	t.Helper()

	var cmd [CommandSize]byte
	copy(cmd[:], command)

	var checksum [4]byte
	copy(checksum[:], chainhash.DoubleHashB(payload)[0:4])

	var buf bytes.Buffer
	err := WriteElements(
		&buf, btcnet, cmd, uint32(len(payload)), checksum,
	)
	require.NoError(t, err)

	return append(buf.Bytes(), payload...)
}

// testVersion returns a version message with every field populated, suitable
// as a round trip fixture.
func testVersion(t *testing.T) *MsgVersion {
	t.Helper()

	me := NewNetAddressIPPort(
		net.ParseIP("127.0.0.1"), 8333,
		SFNodeNetwork|SFNodeWitness,
	)
	you := NewNetAddressIPPort(
		net.ParseIP("192.168.0.1"), 8333, SFNodeNetwork,
	)

	msg := NewMsgVersion(me, you, 123123, "/p2phstest:0.0.1/", 234234)
	msg.Services = SFNodeNetwork | SFNodeWitness
	msg.Timestamp = time.Unix(0x495fab29, 0).Unix()

	return msg
}

// TestWriteMessageVerack asserts the exact bytes of a verack frame on
// mainnet, including the well known checksum of the empty payload.
func TestWriteMessageVerack(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n, err := WriteMessage(&buf, NewMsgVerAck(), ProtocolVersion, MainNet)
	require.NoError(t, err)
	require.Equal(t, MessageHeaderSize, n)

	expected := []byte{
		0xf9, 0xbe, 0xb4, 0xd9, // mainnet magic
		0x76, 0x65, 0x72, 0x61, 0x63, 0x6b, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, // "verack" padded to 12 bytes
		0x00, 0x00, 0x00, 0x00, // payload length 0
		0x5d, 0xf6, 0xe0, 0xe2, // checksum of the empty payload
	}
	require.Equal(t, expected, buf.Bytes())
}

// TestReadMessageVerack asserts a canonical verack frame parses back into a
// MsgVerAck with an empty payload.
func TestReadMessageVerack(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, MainNet, CmdVerAck, nil)

	msg, payload, err := ReadMessage(
		bytes.NewReader(frame), ProtocolVersion, MainNet,
	)
	require.NoError(t, err)
	require.IsType(t, &MsgVerAck{}, msg)
	require.Empty(t, payload)
}

// TestMessageRoundTrip asserts a fully populated version message survives a
// write followed by a read unchanged.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	msg := testVersion(t)

	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg, ProtocolVersion, MainNet)
	require.NoError(t, err)

	parsed, _, err := ReadMessage(&buf, ProtocolVersion, MainNet)
	require.NoError(t, err)

	parsedVer, ok := parsed.(*MsgVersion)
	require.True(t, ok)

	// The IP travels as its 16 byte form, so normalize before comparing.
	msg.AddrYou.IP = msg.AddrYou.IP.To16()
	msg.AddrMe.IP = msg.AddrMe.IP.To16()
	require.Equal(t, msg, parsedVer)
}

// TestReadMessageWrongNetwork asserts frames stamped with a foreign magic
// are rejected before their payload is considered.
func TestReadMessageWrongNetwork(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, TestNet3, CmdVerAck, nil)

	_, _, err := ReadMessage(
		bytes.NewReader(frame), ProtocolVersion, MainNet,
	)
	require.ErrorIs(t, err, ErrWrongNetwork)
}

// TestReadMessageChecksumMismatch asserts a frame whose payload no longer
// matches the header checksum is rejected, no matter which byte was
// corrupted.
func TestReadMessageChecksumMismatch(t *testing.T) {
	t.Parallel()

	msg := testVersion(t)
	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg, ProtocolVersion, MainNet)
	require.NoError(t, err)
	frame := buf.Bytes()

	// Flip a bit at every position that feeds the checksum comparison,
	// covering the checksum field of the header as well as each payload
	// byte.
	for i := MessageHeaderSize - 4; i < len(frame); i++ {
		corrupted := make([]byte, len(frame))
		copy(corrupted, frame)
		corrupted[i] ^= 0x01

		_, _, err := ReadMessage(
			bytes.NewReader(corrupted), ProtocolVersion, MainNet,
		)
		require.ErrorIs(t, err, ErrChecksumMismatch,
			"corrupted byte %d", i)
	}
}

// TestReadMessageUnknownCommand asserts frames naming a command this package
// does not implement are rejected.
func TestReadMessageUnknownCommand(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, MainNet, "bogus", nil)

	_, _, err := ReadMessage(
		bytes.NewReader(frame), ProtocolVersion, MainNet,
	)
	require.ErrorIs(t, err, ErrUnknownMessage)
}

// TestReadMessagePayloadTooLarge asserts both the global payload cap and the
// tighter per command caps are enforced from the header alone.
func TestReadMessagePayloadTooLarge(t *testing.T) {
	t.Parallel()

	t.Run("global limit", func(t *testing.T) {
		t.Parallel()

		// Forge a header announcing a payload over the global cap.
		// The length check fires before any payload is read, so none
		// is supplied.
		var cmd [CommandSize]byte
		copy(cmd[:], CmdVerAck)

		var buf bytes.Buffer
		err := WriteElements(
			&buf, MainNet, cmd, uint32(MaxMessagePayload+1),
			[4]byte{},
		)
		require.NoError(t, err)

		_, _, err = ReadMessage(&buf, ProtocolVersion, MainNet)
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("per command limit", func(t *testing.T) {
		t.Parallel()

		// A verack carries no payload, so four bytes is already too
		// many.
		frame := buildFrame(
			t, MainNet, CmdVerAck, []byte{0x01, 0x02, 0x03, 0x04},
		)

		_, _, err := ReadMessage(
			bytes.NewReader(frame), ProtocolVersion, MainNet,
		)
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

// TestReadMessageTruncated asserts reads that end mid header or mid payload
// surface as unexpected EOFs rather than as partially decoded messages.
func TestReadMessageTruncated(t *testing.T) {
	t.Parallel()

	msg := testVersion(t)
	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg, ProtocolVersion, MainNet)
	require.NoError(t, err)
	frame := buf.Bytes()

	t.Run("mid header", func(t *testing.T) {
		t.Parallel()

		_, _, err := ReadMessage(
			bytes.NewReader(frame[:MessageHeaderSize-4]),
			ProtocolVersion, MainNet,
		)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("mid payload", func(t *testing.T) {
		t.Parallel()

		_, _, err := ReadMessage(
			bytes.NewReader(frame[:MessageHeaderSize+3]),
			ProtocolVersion, MainNet,
		)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}
