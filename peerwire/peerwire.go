package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxProtocolMessageLen is the largest payload any single protocol
	// message may carry. Every length-prefixed collection is bounded by
	// this value before memory is allocated for it.
	MaxProtocolMessageLen = 2_000_000

	// SocketAddrSize is the serialized size of an IP address and port: a
	// 16 byte IPv6 (or v4-mapped) address followed by a 2 byte port.
	SocketAddrSize = 16 + 2

	// pver is passed to the CompactSize helpers of the wire package, which
	// encode counts identically for every protocol version.
	pver = 0
)

var (
	// ErrTruncated is returned when the input ends before a complete value
	// could be read.
	ErrTruncated = errors.New("truncated input")

	// ErrTooManyElements is returned when a length prefix declares more
	// elements than could possibly fit in a single protocol message.
	ErrTooManyElements = errors.New("declared length exceeds " +
		"preallocation bound")

	// ErrInvalidInvType is returned when an inventory hash carries a type
	// code outside of the known set.
	ErrInvalidInvType = errors.New("invalid inventory type code")

	// ErrTimestampRange is returned when a timestamp cannot be represented
	// as unsigned 32-bit Unix seconds.
	ErrTimestampRange = errors.New("timestamp out of u32 range")

	// ErrMalformed is returned for any other structurally invalid input,
	// such as a non-canonical length prefix.
	ErrMalformed = errors.New("malformed input")
)

// FormatError describes a failure to encode or decode a wire value. The
// connection layer is expected to treat the sender of a message that fails
// to decode as misbehaving.
type FormatError struct {
	// Op names the value being encoded or decoded.
	Op string

	// Err is one of the sentinel errors of this package.
	Err error
}

// Error returns a human readable description of the format error.
//
// NOTE: implements the error interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying sentinel error.
func (e *FormatError) Unwrap() error {
	return e.Err
}

// NewFormatError wraps err as a *FormatError for the named operation. EOF
// conditions are normalized to ErrTruncated.
func NewFormatError(op string, err error) *FormatError {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrTruncated
	}

	return &FormatError{Op: op, Err: err}
}

// TrustedPreallocate is implemented by fixed-size wire elements that may be
// received in length-prefixed collections.
type TrustedPreallocate interface {
	// MaxAllocation returns the largest element count that could fit in
	// a single protocol message.
	MaxAllocation() uint64
}

// MaxAllocation returns the maximum number of elements of elemSize bytes
// that fit in a single protocol message once the smallest possible length
// prefix of minPrefixLen bytes has been accounted for.
func MaxAllocation(elemSize, minPrefixLen int) uint64 {
	if elemSize <= 0 || minPrefixLen >= MaxProtocolMessageLen {
		return 0
	}

	return uint64((MaxProtocolMessageLen - minPrefixLen) / elemSize)
}

// ReadCount reads a CompactSize length prefix and rejects it if it exceeds
// maxAlloc. The check happens before the caller allocates anything
// proportional to the declared length.
func ReadCount(r io.Reader, maxAlloc uint64) (uint64, error) {
	count, err := wire.ReadVarInt(r, pver)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return 0, NewFormatError("count", ErrTruncated)

	case err != nil:
		return 0, &FormatError{
			Op:  "count",
			Err: fmt.Errorf("%w: %v", ErrMalformed, err),
		}
	}

	if count > maxAlloc {
		return 0, &FormatError{
			Op: "count",
			Err: fmt.Errorf("%w: declared %d, max %d",
				ErrTooManyElements, count, maxAlloc),
		}
	}

	return count, nil
}

// WriteCount writes a CompactSize length prefix.
func WriteCount(w io.Writer, count uint64) error {
	return wire.WriteVarInt(w, pver, count)
}

// ReadSocketAddr reads a 16 byte IP address followed by a big-endian port.
// IPv4-mapped IPv6 addresses are returned as plain IPv4 addresses.
func ReadSocketAddr(r io.Reader) (netip.AddrPort, error) {
	var b [SocketAddrSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return netip.AddrPort{}, NewFormatError("socket addr", err)
	}

	ip := netip.AddrFrom16([16]byte(b[:16])).Unmap()
	port := binary.BigEndian.Uint16(b[16:])

	return netip.AddrPortFrom(ip, port), nil
}

// WriteSocketAddr writes addr as a 16 byte IP address, mapping IPv4 into
// IPv6, followed by a big-endian port. Zones are not serialized.
func WriteSocketAddr(w io.Writer, addr netip.AddrPort) error {
	var b [SocketAddrSize]byte
	ip := addr.Addr().As16()
	copy(b[:16], ip[:])
	binary.BigEndian.PutUint16(b[16:], addr.Port())

	_, err := w.Write(b[:])
	return err
}
