package peer

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/alexander-borodulya/p2p-node-handshake/wire"
	"github.com/stretchr/testify/require"
)

// connPair returns both ends of a TCP connection over the loopback
// interface. Real TCP is used rather than net.Pipe since the handshake
// relies on the transport buffering writes, both sides transmit their
// version message before reading anything.
func connPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	acceptChan := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		acceptChan <- conn
	}()

	local, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	var remote net.Conn
	select {
	case remote = <-acceptChan:
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("no inbound connection")
	}
	t.Cleanup(func() { _ = remote.Close() })

	return local, remote
}

// remoteVersion builds the version message a scripted remote peer announces.
func remoteVersion(nonce uint64, pver int32) *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(
		net.ParseIP("127.0.0.1"), 8333, wire.SFNodeNetwork,
	)
	you := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 8334, 0)

	msg := wire.NewMsgVersion(me, you, nonce, "/scripted:0.0.1/", 512)
	msg.ProtocolVersion = pver
	msg.Services = wire.SFNodeNetwork

	return msg
}

// TestEstablishTwoSided runs Establish on both ends of a connection and
// asserts both sides complete and agree on the lower announced protocol
// version.
func TestEstablishTwoSided(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		localVer   uint32
		remoteVer  uint32
		negotiated uint32
	}{
		{
			name:       "remote older",
			localVer:   70015,
			remoteVer:  70002,
			negotiated: 70002,
		},
		{
			name:       "local older",
			localVer:   70000,
			remoteVer:  70015,
			negotiated: 70000,
		},
		{
			name:       "equal",
			localVer:   70015,
			remoteVer:  70015,
			negotiated: 70015,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			local, remote := connPair(t)

			remoteResult := make(chan *Result, 1)
			remoteErr := make(chan error, 1)
			go func() {
				res, err := Establish(remote, &Config{
					Net:             wire.MainNet,
					ProtocolVersion: tc.remoteVer,
					Services:        wire.SFNodeNetwork,
					UserAgent:       "/responder:0.0.1/",
					StartHeight:     777,
					MessageTimeout:  5 * time.Second,
				})
				if err != nil {
					remoteErr <- err
					return
				}
				remoteResult <- res
			}()

			res, err := Establish(local, &Config{
				Net:             wire.MainNet,
				ProtocolVersion: tc.localVer,
				UserAgent:       "/probe:0.0.1/",
				MessageTimeout:  5 * time.Second,
			})
			require.NoError(t, err)

			require.Equal(t, tc.negotiated, res.NegotiatedVersion)
			require.Equal(t, tc.remoteVer, res.RemoteVersion)
			require.Equal(
				t, "/responder:0.0.1/", res.RemoteUserAgent,
			)
			require.EqualValues(t, 777, res.RemoteStartHeight)
			require.Equal(
				t, wire.SFNodeNetwork, res.RemoteServices,
			)

			select {
			case res := <-remoteResult:
				require.Equal(
					t, tc.negotiated,
					res.NegotiatedVersion,
				)
			case err := <-remoteErr:
				t.Fatalf("remote side failed: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("remote side did not finish")
			}
		})
	}
}

// TestEstablishDefaults asserts the zero values of the optional config
// fields fall back to the package defaults.
func TestEstablishDefaults(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	go func() {
		_, _ = Establish(remote, &Config{
			Net:       wire.MainNet,
			UserAgent: "/responder:0.0.1/",
		})
	}()

	res, err := Establish(local, &Config{
		Net:       wire.MainNet,
		UserAgent: "/probe:0.0.1/",
	})
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolVersion, res.NegotiatedVersion)
	require.EqualValues(t, wire.ProtocolVersion, res.RemoteVersion)
}

// TestEstablishTimeout asserts a silent remote peer trips the per step
// deadline while we await its version message, and that the failure
// arrives once the deadline passes rather than after some longer cascade.
func TestEstablishTimeout(t *testing.T) {
	t.Parallel()

	local, _ := connPair(t)

	// The remote end stays completely silent.
	const timeout = 250 * time.Millisecond

	start := time.Now()
	_, err := Establish(local, &Config{
		Net:            wire.MainNet,
		UserAgent:      "/probe:0.0.1/",
		MessageTimeout: timeout,
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, StageAwaitingVersion, hsErr.Stage)

	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, 10*timeout)
}

// TestEstablishUnexpectedMessage asserts a remote peer that repeats its
// version message instead of acknowledging ours fails the handshake while
// we await the verack.
func TestEstablishUnexpectedMessage(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	go func() {
		// Answer the probe's version properly, then send a second
		// version message where the verack belongs.
		_, _, _ = wire.ReadMessage(
			remote, wire.ProtocolVersion, wire.MainNet,
		)
		ver := remoteVersion(0x0ddba11, int32(wire.ProtocolVersion))
		_, _ = wire.WriteMessage(
			remote, ver, wire.ProtocolVersion, wire.MainNet,
		)
		_, _, _ = wire.ReadMessage(
			remote, wire.ProtocolVersion, wire.MainNet,
		)
		_, _ = wire.WriteMessage(
			remote, ver, wire.ProtocolVersion, wire.MainNet,
		)
	}()

	_, err := Establish(local, &Config{
		Net:            wire.MainNet,
		UserAgent:      "/probe:0.0.1/",
		MessageTimeout: 5 * time.Second,
	})
	require.ErrorIs(t, err, ErrUnexpectedMessage)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, StageAwaitingVerack, hsErr.Stage)
}

// TestEstablishSelfConnection asserts a remote peer echoing our own nonce
// back is recognized as a connection to ourselves.
func TestEstablishSelfConnection(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	go func() {
		msg, _, err := wire.ReadMessage(
			remote, wire.ProtocolVersion, wire.MainNet,
		)
		if err != nil {
			return
		}
		ver, ok := msg.(*wire.MsgVersion)
		if !ok {
			return
		}

		echo := remoteVersion(ver.Nonce, int32(wire.ProtocolVersion))
		_, _ = wire.WriteMessage(
			remote, echo, wire.ProtocolVersion, wire.MainNet,
		)
	}()

	_, err := Establish(local, &Config{
		Net:            wire.MainNet,
		UserAgent:      "/probe:0.0.1/",
		MessageTimeout: 5 * time.Second,
	})
	require.ErrorIs(t, err, ErrSelfConnection)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, StageAwaitingVersion, hsErr.Stage)
}

// TestEstablishVersionTooOld asserts a remote peer announcing a protocol
// version below the acceptable floor is refused.
func TestEstablishVersionTooOld(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	go func() {
		_, _, _ = wire.ReadMessage(
			remote, wire.ProtocolVersion, wire.MainNet,
		)
		ver := remoteVersion(
			0x0ddba11, int32(MinAcceptableProtocolVersion)-1,
		)
		_, _ = wire.WriteMessage(
			remote, ver, wire.ProtocolVersion, wire.MainNet,
		)
	}()

	_, err := Establish(local, &Config{
		Net:            wire.MainNet,
		UserAgent:      "/probe:0.0.1/",
		MessageTimeout: 5 * time.Second,
	})
	require.ErrorIs(t, err, ErrVersionTooOld)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, StageAwaitingVersion, hsErr.Stage)
}

// TestEstablishWrongNetwork asserts a remote peer answering with frames
// stamped for another network is refused.
func TestEstablishWrongNetwork(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	go func() {
		_, _, _ = wire.ReadMessage(
			remote, wire.ProtocolVersion, wire.MainNet,
		)
		ver := remoteVersion(0x0ddba11, int32(wire.ProtocolVersion))
		_, _ = wire.WriteMessage(
			remote, ver, wire.ProtocolVersion, wire.TestNet3,
		)
	}()

	_, err := Establish(local, &Config{
		Net:            wire.MainNet,
		UserAgent:      "/probe:0.0.1/",
		MessageTimeout: 5 * time.Second,
	})
	require.ErrorIs(t, err, wire.ErrWrongNetwork)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, StageAwaitingVersion, hsErr.Stage)
}

// TestEstablishChecksumMismatch asserts a frame whose bytes were corrupted
// in flight is refused, no matter where the corruption landed.
func TestEstablishChecksumMismatch(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string

		// offset picks the byte to corrupt given the length of the
		// serialized frame.
		offset func(frameLen int) int
	}{
		{
			name: "checksum field",
			offset: func(int) int {
				return wire.MessageHeaderSize - 1
			},
		},
		{
			name: "first payload byte",
			offset: func(int) int {
				return wire.MessageHeaderSize
			},
		},
		{
			name: "middle payload byte",
			offset: func(frameLen int) int {
				return wire.MessageHeaderSize +
					(frameLen-wire.MessageHeaderSize)/2
			},
		},
		{
			name: "last payload byte",
			offset: func(frameLen int) int {
				return frameLen - 1
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			local, remote := connPair(t)

			go func() {
				_, _, _ = wire.ReadMessage(
					remote, wire.ProtocolVersion,
					wire.MainNet,
				)

				// Serialize a valid version frame, then flip
				// a bit before it goes out.
				ver := remoteVersion(
					0x0ddba11, int32(wire.ProtocolVersion),
				)
				var buf bytes.Buffer
				_, err := wire.WriteMessage(
					&buf, ver, wire.ProtocolVersion,
					wire.MainNet,
				)
				if err != nil {
					return
				}
				frame := buf.Bytes()
				frame[tc.offset(len(frame))] ^= 0x01
				_, _ = remote.Write(frame)
			}()

			_, err := Establish(local, &Config{
				Net:            wire.MainNet,
				UserAgent:      "/probe:0.0.1/",
				MessageTimeout: 5 * time.Second,
			})
			require.ErrorIs(t, err, wire.ErrChecksumMismatch)

			var hsErr *HandshakeError
			require.ErrorAs(t, err, &hsErr)
			require.Equal(t, StageAwaitingVersion, hsErr.Stage)
		})
	}
}

// TestEstablishSendFailed asserts a connection we cannot write to fails the
// handshake before anything is expected of the remote peer.
func TestEstablishSendFailed(t *testing.T) {
	t.Parallel()

	local, _ := connPair(t)

	// Closing our own end makes the very first write fail.
	require.NoError(t, local.Close())

	_, err := Establish(local, &Config{
		Net:            wire.MainNet,
		UserAgent:      "/probe:0.0.1/",
		MessageTimeout: 5 * time.Second,
	})
	require.ErrorIs(t, err, ErrSendFailed)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, StageSendingVersion, hsErr.Stage)
}

// TestEstablishConnClosed asserts a remote peer hanging up mid handshake
// surfaces as a closed connection at the stage we were blocked on.
func TestEstablishConnClosed(t *testing.T) {
	t.Parallel()

	local, remote := connPair(t)

	go func() {
		// Drain the probe's version message, then hang up instead of
		// answering.
		_, _, _ = wire.ReadMessage(
			remote, wire.ProtocolVersion, wire.MainNet,
		)
		_ = remote.Close()
	}()

	_, err := Establish(local, &Config{
		Net:            wire.MainNet,
		UserAgent:      "/probe:0.0.1/",
		MessageTimeout: 5 * time.Second,
	})
	require.ErrorIs(t, err, ErrConnClosed)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, StageAwaitingVersion, hsErr.Stage)
}
