package peeraddr

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/peerbook/peerwire"
)

const (
	// MetaAddrSize is the serialized size of a MetaAddr: a 4 byte time,
	// 8 byte services, 16 byte IP address and 2 byte port.
	MetaAddrSize = 4 + 8 + peerwire.SocketAddrSize

	// addrMinPrefixLen is the smallest CompactSize prefix a maximal
	// address list can have. A 2MB message of 30 byte addresses holds far
	// more than 252 entries, so its length needs at least three bytes.
	addrMinPrefixLen = 3
)

// MaxAllocation returns the largest number of addresses a single protocol
// message can hold.
//
// NOTE: Part of the peerwire.TrustedPreallocate interface.
func (MetaAddr) MaxAllocation() uint64 {
	return peerwire.MaxAllocation(MetaAddrSize, addrMinPrefixLen)
}

// Encode writes the 30 byte wire form of the record. The connection state is
// not part of the wire format, and the last seen time is sent as whole
// seconds.
func (m MetaAddr) Encode(w io.Writer) error {
	ts := m.lastSeen.Unix()
	if ts < 0 || ts > math.MaxUint32 {
		return &peerwire.FormatError{
			Op: "meta addr",
			Err: fmt.Errorf("%w: %v", peerwire.ErrTimestampRange,
				m.lastSeen),
		}
	}

	var b [12]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(ts))
	binary.LittleEndian.PutUint64(b[4:], uint64(m.Services))
	if _, err := w.Write(b[:]); err != nil {
		return err
	}

	return peerwire.WriteSocketAddr(w, m.Addr)
}

// Decode reads a single record in its wire form. Decoded records are always
// NeverAttempted, since they were gossiped to us.
func Decode(r io.Reader) (MetaAddr, error) {
	var b [12]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return MetaAddr{}, peerwire.NewFormatError("meta addr", err)
	}

	addr, err := peerwire.ReadSocketAddr(r)
	if err != nil {
		return MetaAddr{}, err
	}

	lastSeen := time.Unix(int64(binary.LittleEndian.Uint32(b[:4])), 0)
	services := wire.ServiceFlag(binary.LittleEndian.Uint64(b[4:]))

	return NewGossiped(addr, services, lastSeen), nil
}

// EncodeList writes a CompactSize count followed by each record.
func EncodeList(w io.Writer, addrs []MetaAddr) error {
	if uint64(len(addrs)) > (MetaAddr{}).MaxAllocation() {
		return &peerwire.FormatError{
			Op:  "meta addr list",
			Err: peerwire.ErrTooManyElements,
		}
	}

	if err := peerwire.WriteCount(w, uint64(len(addrs))); err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := addr.Encode(w); err != nil {
			return err
		}
	}

	return nil
}

// DecodeList reads a length-prefixed list of records, such as the payload of
// an addr message. The declared length is checked against the preallocation
// bound before the result is allocated, and no partial list is returned on
// error.
func DecodeList(r io.Reader) ([]MetaAddr, error) {
	count, err := peerwire.ReadCount(r, (MetaAddr{}).MaxAllocation())
	if err != nil {
		return nil, err
	}

	addrs := make([]MetaAddr, 0, count)
	for i := uint64(0); i < count; i++ {
		addr, err := Decode(r)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// A compile-time constraint to ensure MetaAddr implements
// peerwire.TrustedPreallocate.
var _ peerwire.TrustedPreallocate = MetaAddr{}
