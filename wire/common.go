package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxVarIntPayload is the maximum payload size for a variable length
	// integer.
	MaxVarIntPayload = 9
)

// WriteElement is a one-stop shop to write the big endian representation of
// any element which is to be serialized for the wire. The passed io.Writer
// should be backed by an appropriately sized byte slice, or be able to
// dynamically expand to accommodate additional data.
//
// Fields are serialized little endian per the bitcoin protocol, with the
// sole exception of the uint16 port within a net address which travels big
// endian.
func WriteElement(w io.Writer, element interface{}) error {
	switch e := element.(type) {
	case int32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(e))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case int64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(e))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case uint16:
		// Only used for ports, which are big endian on the wire.
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], e)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case bool:
		var b [1]byte
		if e {
			b[0] = 0x01
		}
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case ServiceFlag:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(e))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case BitcoinNet:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(e))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}

	case [16]byte:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case [CommandSize]byte:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	case [4]byte:
		if _, err := w.Write(e[:]); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown type in WriteElement: %T", e)
	}

	return nil
}

// WriteElements is writes each element in the elements slice to the passed
// io.Writer using WriteElement.
func WriteElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		err := WriteElement(w, element)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadElement is a one-stop utility function to deserialize any datastructure
// encoded using the serialization format of this package.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *int32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = int32(binary.LittleEndian.Uint32(b[:]))

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.LittleEndian.Uint32(b[:])

	case *int64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = int64(binary.LittleEndian.Uint64(b[:]))

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.LittleEndian.Uint64(b[:])

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])

	case *bool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0] != 0x00

	case *ServiceFlag:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = ServiceFlag(binary.LittleEndian.Uint64(b[:]))

	case *BitcoinNet:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = BitcoinNet(binary.LittleEndian.Uint32(b[:]))

	case *[16]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[CommandSize]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *[4]byte:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown type in ReadElement: %T", e)
	}

	return nil
}

// ReadElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the ReadElement
// function.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		err := ReadElement(r, element)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadVarInt reads a variable length integer from r and returns it as a
// uint64.
func ReadVarInt(r io.Reader) (uint64, error) {
	var discriminant [1]byte
	if _, err := io.ReadFull(r, discriminant[:]); err != nil {
		return 0, err
	}

	var rv uint64
	switch discriminant[0] {
	case 0xff:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		rv = binary.LittleEndian.Uint64(b[:])

		// The encoding is not canonical if the value could have been
		// encoded using fewer bytes.
		min := uint64(0x100000000)
		if rv < min {
			return 0, fmt.Errorf("%w: non-canonical varint "+
				"%x - discriminant %x must encode a value "+
				"greater than %x", ErrMalformedPayload, rv,
				discriminant[0], min-1)
		}

	case 0xfe:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		rv = uint64(binary.LittleEndian.Uint32(b[:]))

		min := uint64(0x10000)
		if rv < min {
			return 0, fmt.Errorf("%w: non-canonical varint "+
				"%x - discriminant %x must encode a value "+
				"greater than %x", ErrMalformedPayload, rv,
				discriminant[0], min-1)
		}

	case 0xfd:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		rv = uint64(binary.LittleEndian.Uint16(b[:]))

		min := uint64(0xfd)
		if rv < min {
			return 0, fmt.Errorf("%w: non-canonical varint "+
				"%x - discriminant %x must encode a value "+
				"greater than %x", ErrMalformedPayload, rv,
				discriminant[0], min-1)
		}

	default:
		rv = uint64(discriminant[0])
	}

	return rv, nil
}

// WriteVarInt serializes val to w using a variable number of bytes depending
// on its value.
func WriteVarInt(w io.Writer, val uint64) error {
	if val < 0xfd {
		_, err := w.Write([]byte{byte(val)})
		return err
	}

	if val <= 1<<16-1 {
		var b [3]byte
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(val))
		_, err := w.Write(b[:])
		return err
	}

	if val <= 1<<32-1 {
		var b [5]byte
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(val))
		_, err := w.Write(b[:])
		return err
	}

	var b [9]byte
	b[0] = 0xff
	binary.LittleEndian.PutUint64(b[1:], val)
	_, err := w.Write(b[:])
	return err
}

// VarIntSerializeSize returns the number of bytes it would take to serialize
// val as a variable length integer.
func VarIntSerializeSize(val uint64) int {
	// The value is small enough to be represented by itself, so it's
	// just 1 byte.
	if val < 0xfd {
		return 1
	}

	// Discriminant 1 byte plus 2 bytes for the uint16.
	if val <= 1<<16-1 {
		return 3
	}

	// Discriminant 1 byte plus 4 bytes for the uint32.
	if val <= 1<<32-1 {
		return 5
	}

	// Discriminant 1 byte plus 8 bytes for the uint64.
	return 9
}

// ReadVarString reads a variable length string from r and returns it as a Go
// string. A variable length string is encoded as a variable length integer
// containing the length of the string followed by the bytes that represent
// the string itself. An error is returned if the length is greater than the
// maximum message payload size since it helps protect against memory
// exhaustion attacks and forced panics through malformed messages.
func ReadVarString(r io.Reader) (string, error) {
	count, err := ReadVarInt(r)
	if err != nil {
		return "", err
	}

	// Prevent variable length strings that are larger than the maximum
	// message size. It would be possible to cause memory exhaustion and
	// panics without a sane upper bound on this count.
	if count > MaxMessagePayload {
		return "", fmt.Errorf("%w: variable length string is too "+
			"long: %d", ErrMalformedPayload, count)
	}

	buf := make([]byte, count)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteVarString serializes str to w as a variable length integer containing
// the length of the string followed by the bytes that represent the string
// itself.
func WriteVarString(w io.Writer, str string) error {
	if err := WriteVarInt(w, uint64(len(str))); err != nil {
		return err
	}
	_, err := w.Write([]byte(str))
	return err
}

// RandomUint64 returns a cryptographically random uint64, used to seed the
// nonce carried in version messages.
func RandomUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
