package wire

import "errors"

var (
	// ErrWrongNetwork is returned when the magic bytes of a message
	// header identify a network other than the one this node operates
	// on.
	ErrWrongNetwork = errors.New("message from other network")

	// ErrChecksumMismatch is returned when the checksum carried in a
	// message header does not commit to the payload that followed it.
	ErrChecksumMismatch = errors.New("payload checksum failed")

	// ErrMalformedPayload is returned when a payload cannot be decoded
	// into the message its command name promised, for example a varint
	// that is not canonically encoded or a fixed field cut short.
	ErrMalformedPayload = errors.New("malformed message payload")

	// ErrPayloadTooLarge is returned when a message header announces a
	// payload larger than the named command permits.
	ErrPayloadTooLarge = errors.New("message payload too large")

	// ErrUnknownMessage is returned when a message header carries a
	// command this package does not implement.
	ErrUnknownMessage = errors.New("unknown message command")

	// ErrUserAgentTooLong is returned when encoding a version message
	// whose user agent exceeds MaxUserAgentLen.
	ErrUserAgentTooLong = errors.New("user agent too long")
)
