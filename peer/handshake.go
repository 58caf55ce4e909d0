// Package peer drives the version/verack negotiation that opens every
// bitcoin p2p connection.
package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/alexander-borodulya/p2p-node-handshake/wire"
	"github.com/davecgh/go-spew/spew"
)

const (
	// DefaultMessageTimeout is the time allotted to each individual send
	// and receive step of the handshake. A peer that cannot produce a
	// message within this window is treated as unreachable.
	DefaultMessageTimeout = 2 * time.Second

	// MinAcceptableProtocolVersion is the lowest protocol version a
	// remote peer may announce before we give up on the connection.
	MinAcceptableProtocolVersion = wire.MultipleAddressVersion
)

var (
	// ErrTimeout is returned when a handshake step does not finish
	// within the configured message timeout.
	ErrTimeout = errors.New("deadline elapsed")

	// ErrConnClosed is returned when the remote peer closes the
	// connection mid handshake.
	ErrConnClosed = errors.New("connection closed")

	// ErrUnexpectedMessage is returned when the remote peer sends a
	// well formed message out of handshake order.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrSelfConnection is returned when the remote peer echoes our own
	// version nonce back, meaning we connected to ourselves.
	ErrSelfConnection = errors.New("connected to self")

	// ErrSendFailed is returned when one of our own handshake messages
	// cannot be written to the connection.
	ErrSendFailed = errors.New("message send failed")

	// ErrVersionTooOld is returned when the remote peer announces a
	// protocol version below MinAcceptableProtocolVersion.
	ErrVersionTooOld = errors.New("protocol version too old")
)

// Stage identifies the step of the handshake an attempt has progressed to.
// Failures carry the stage they happened at so a probe across many peers
// can report where each one fell over.
type Stage uint8

const (
	// StageInit is the stage before any message has been exchanged.
	StageInit Stage = iota

	// StageSendingVersion is the stage during which our version message
	// goes out.
	StageSendingVersion

	// StageAwaitingVersion is the stage during which we wait for the
	// remote version message.
	StageAwaitingVersion

	// StageSendingVerack is the stage during which our verack goes out.
	StageSendingVerack

	// StageAwaitingVerack is the stage during which we wait for the
	// remote peer to acknowledge our version message.
	StageAwaitingVerack

	// StageCompleted is the stage reached once both sides have
	// acknowledged each other.
	StageCompleted
)

// String returns a human readable name for the stage.
func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageSendingVersion:
		return "sending version"
	case StageAwaitingVersion:
		return "awaiting version"
	case StageSendingVerack:
		return "sending verack"
	case StageAwaitingVerack:
		return "awaiting verack"
	case StageCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown stage %d", uint8(s))
	}
}

// HandshakeError couples the failure cause of a handshake attempt with the
// stage it occurred at.
type HandshakeError struct {
	// Stage is how far the handshake got before failing.
	Stage Stage

	// Err is the underlying cause.
	Err error
}

// Error returns a human readable description of the failure.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at stage %v: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause so callers can match against the
// sentinel errors of this package and of the wire package.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Config bundles the parameters of a handshake attempt.
type Config struct {
	// Net is the bitcoin network the probe claims to operate on. Frames
	// stamped with any other magic are rejected.
	Net wire.BitcoinNet

	// ProtocolVersion is the protocol version announced to the remote
	// peer. If zero, wire.ProtocolVersion is announced.
	ProtocolVersion uint32

	// Services is the service bitfield announced to the remote peer. A
	// probe typically announces no services.
	Services wire.ServiceFlag

	// UserAgent is the user agent string announced to the remote peer.
	UserAgent string

	// StartHeight is the block height announced to the remote peer.
	StartHeight int32

	// MessageTimeout bounds each individual send and receive step. If
	// zero, DefaultMessageTimeout is used.
	MessageTimeout time.Duration
}

// Result describes a successfully completed handshake.
type Result struct {
	// NegotiatedVersion is the protocol version both peers agreed on,
	// the minimum of the two announced versions.
	NegotiatedVersion uint32

	// RemoteVersion is the protocol version the remote peer announced.
	RemoteVersion uint32

	// RemoteServices is the service bitfield the remote peer announced.
	RemoteServices wire.ServiceFlag

	// RemoteUserAgent is the user agent the remote peer announced.
	RemoteUserAgent string

	// RemoteStartHeight is the block height the remote peer announced.
	RemoteStartHeight int32
}

// session carries the state of a single handshake attempt.
type session struct {
	conn    net.Conn
	cfg     *Config
	pver    uint32
	timeout time.Duration
	nonce   uint64
}

// Essentially the version/verack exchange is a four step dance with the
// remote peer:
//
//  1. We send our version message.
//  2. The remote peer replies with its own version message.
//  3. We acknowledge theirs with a verack.
//  4. The remote peer acknowledges ours with a verack.
//
// Steps 2 and 4 may arrive in either order relative to our own sends since
// both sides transmit their version message eagerly.

// Establish runs the version/verack handshake over conn as the initiating
// peer and returns what the remote peer announced. Each individual step is
// bounded by cfg.MessageTimeout. On success the connection is left open
// with its deadlines cleared, ready for further traffic. On failure the
// returned error is a *HandshakeError naming the stage that failed, and the
// connection is left to the caller to close.
func Establish(conn net.Conn, cfg *Config) (*Result, error) {
	s := &session{
		conn:    conn,
		cfg:     cfg,
		pver:    cfg.ProtocolVersion,
		timeout: cfg.MessageTimeout,
	}
	if s.pver == 0 {
		s.pver = wire.ProtocolVersion
	}
	if s.timeout == 0 {
		s.timeout = DefaultMessageTimeout
	}

	// Each attempt draws a fresh nonce so a peer relaying our own
	// version message back to us is recognized.
	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, &HandshakeError{Stage: StageInit, Err: err}
	}
	s.nonce = nonce

	if err := s.sendVersion(); err != nil {
		return nil, err
	}

	remote, err := s.recvVersion()
	if err != nil {
		return nil, err
	}

	if err := s.sendVerack(); err != nil {
		return nil, err
	}

	if err := s.recvVerack(); err != nil {
		return nil, err
	}

	// We'll reset the deadlines on the connection since the handshake
	// is complete and the connection now belongs to the caller.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, &HandshakeError{Stage: StageCompleted, Err: err}
	}

	negotiated := s.pver
	if remoteVer := uint32(remote.ProtocolVersion); remoteVer < negotiated {
		negotiated = remoteVer
	}

	log.Debugf("Completed handshake with %v, negotiated pver=%d",
		conn.RemoteAddr(), negotiated)

	return &Result{
		NegotiatedVersion: negotiated,
		RemoteVersion:     uint32(remote.ProtocolVersion),
		RemoteServices:    remote.Services,
		RemoteUserAgent:   remote.UserAgent,
		RemoteStartHeight: remote.LastBlock,
	}, nil
}

// sendVersion announces ourselves to the remote peer.
func (s *session) sendVersion() error {
	addrMe := tcpNetAddress(s.conn.LocalAddr(), s.cfg.Services)
	addrYou := tcpNetAddress(s.conn.RemoteAddr(), 0)

	msg := wire.NewMsgVersion(
		addrMe, addrYou, s.nonce, s.cfg.UserAgent, s.cfg.StartHeight,
	)
	msg.ProtocolVersion = int32(s.pver)
	msg.Services = s.cfg.Services

	if err := s.writeMessage(msg, StageSendingVersion); err != nil {
		return err
	}

	log.Debugf("Sent version (pver=%d, agent=%q) to %v", s.pver,
		s.cfg.UserAgent, s.conn.RemoteAddr())

	return nil
}

// recvVersion waits for the remote version message and validates what the
// peer announced.
func (s *session) recvVersion() (*wire.MsgVersion, error) {
	msg, err := s.readMessage(StageAwaitingVersion)
	if err != nil {
		return nil, err
	}

	ver, ok := msg.(*wire.MsgVersion)
	if !ok {
		return nil, &HandshakeError{
			Stage: StageAwaitingVersion,
			Err: fmt.Errorf("%w: got %q, want %q",
				ErrUnexpectedMessage, msg.Command(),
				wire.CmdVersion),
		}
	}

	// A remote peer presenting our own nonce is our own version message
	// looped back.
	if ver.Nonce == s.nonce {
		return nil, &HandshakeError{
			Stage: StageAwaitingVersion,
			Err:   ErrSelfConnection,
		}
	}

	if ver.ProtocolVersion < int32(MinAcceptableProtocolVersion) {
		return nil, &HandshakeError{
			Stage: StageAwaitingVersion,
			Err: fmt.Errorf("%w: %d, need at least %d",
				ErrVersionTooOld, ver.ProtocolVersion,
				MinAcceptableProtocolVersion),
		}
	}

	log.Debugf("Received version (pver=%d, services=%v, agent=%q, "+
		"height=%d) from %v", ver.ProtocolVersion, ver.Services,
		ver.UserAgent, ver.LastBlock, s.conn.RemoteAddr())

	return ver, nil
}

// sendVerack acknowledges the remote version message.
func (s *session) sendVerack() error {
	err := s.writeMessage(wire.NewMsgVerAck(), StageSendingVerack)
	if err != nil {
		return err
	}

	log.Debugf("Sent verack to %v", s.conn.RemoteAddr())

	return nil
}

// recvVerack waits for the remote peer to acknowledge our version message.
func (s *session) recvVerack() error {
	msg, err := s.readMessage(StageAwaitingVerack)
	if err != nil {
		return err
	}

	if _, ok := msg.(*wire.MsgVerAck); !ok {
		return &HandshakeError{
			Stage: StageAwaitingVerack,
			Err: fmt.Errorf("%w: got %q, want %q",
				ErrUnexpectedMessage, msg.Command(),
				wire.CmdVerAck),
		}
	}

	log.Debugf("Received verack from %v", s.conn.RemoteAddr())

	return nil
}

// writeMessage sends msg under the per step write deadline, tagging any
// failure with the given stage. Write failures share the ErrSendFailed
// classification since the remote peer never saw the message.
func (s *session) writeMessage(msg wire.Message, stage Stage) error {
	deadline := time.Now().Add(s.timeout)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return &HandshakeError{
			Stage: stage,
			Err:   fmt.Errorf("%w: %w", ErrSendFailed, err),
		}
	}

	log.Tracef("Sending %v to %v: %v", msg.Command(),
		s.conn.RemoteAddr(), newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

	if _, err := wire.WriteMessage(s.conn, msg, s.pver, s.cfg.Net); err != nil {
		return &HandshakeError{
			Stage: stage,
			Err: fmt.Errorf("%w: %w", ErrSendFailed,
				s.classifyErr(err)),
		}
	}

	return nil
}

// readMessage reads the next message under the per step read deadline,
// tagging any failure with the given stage.
func (s *session) readMessage(stage Stage) (wire.Message, error) {
	deadline := time.Now().Add(s.timeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, &HandshakeError{Stage: stage, Err: err}
	}

	msg, _, err := wire.ReadMessage(s.conn, s.pver, s.cfg.Net)
	if err != nil {
		return nil, &HandshakeError{Stage: stage, Err: s.classifyErr(err)}
	}

	log.Tracef("Received %v from %v: %v", msg.Command(),
		s.conn.RemoteAddr(), newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

	return msg, nil
}

// classifyErr maps transport level failures onto the stable sentinels of
// this package. Wire level failures already carry a sentinel and pass
// through unchanged.
func (s *session) classifyErr(err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w after %v", ErrTimeout, s.timeout)

	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):

		return fmt.Errorf("%w: %v", ErrConnClosed, err)

	default:
		return err
	}
}

// tcpNetAddress converts addr into a wire net address, falling back to a
// zeroed address when addr is not TCP backed.
func tcpNetAddress(addr net.Addr, services wire.ServiceFlag) *wire.NetAddress {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return wire.NewNetAddress(tcpAddr, services)
	}

	return wire.NewNetAddressIPPort(net.IPv4zero, 0, services)
}
