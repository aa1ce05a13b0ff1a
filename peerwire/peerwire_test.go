package peerwire

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestMaxAllocation checks the preallocation bound for both wire element
// types at the default message size.
func TestMaxAllocation(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 66_666, MaxAllocation(30, 3))
	require.EqualValues(t, 55_555, (InventoryHash{}).MaxAllocation())
	require.Zero(t, MaxAllocation(0, 1))
	require.Zero(t, MaxAllocation(30, MaxProtocolMessageLen))
}

// listLen returns the encoded length of a list of count elements.
func listLen(count uint64, elemSize int) uint64 {
	return uint64(wire.VarIntSerializeSize(count)) +
		count*uint64(elemSize)
}

// TestMaxAllocationTight checks that the bound is exact: a list of
// MaxAllocation elements fits in a message and one more element does not.
func TestMaxAllocationTight(t *testing.T) {
	t.Parallel()

	require.LessOrEqual(t, listLen(
		(InventoryHash{}).MaxAllocation(), InvHashSize,
	), uint64(MaxProtocolMessageLen))
	require.Greater(t, listLen(
		(InventoryHash{}).MaxAllocation()+1, InvHashSize,
	), uint64(MaxProtocolMessageLen))

	rapid.Check(t, func(t *rapid.T) {
		elemSize := rapid.IntRange(1, 100_000).Draw(t, "elemSize")

		// Find the prefix length of the largest list, which is the
		// smallest prefix a maximal list can have.
		prefixLen := 1
		for {
			n := MaxAllocation(elemSize, prefixLen)
			size := wire.VarIntSerializeSize(n)
			if size == prefixLen {
				break
			}
			prefixLen = size
		}

		maxCount := MaxAllocation(elemSize, prefixLen)
		require.LessOrEqual(t, listLen(maxCount, elemSize),
			uint64(MaxProtocolMessageLen))
		require.Greater(t, listLen(maxCount+1, elemSize),
			uint64(MaxProtocolMessageLen))
	})
}

// TestReadCount asserts that length prefixes are bounded, truncated prefixes
// are reported as such, and non-canonical prefixes are malformed.
func TestReadCount(t *testing.T) {
	t.Parallel()

	encode := func(n uint64) []byte {
		var b bytes.Buffer
		require.NoError(t, WriteCount(&b, n))
		return b.Bytes()
	}

	tests := []struct {
		name    string
		input   []byte
		max     uint64
		want    uint64
		wantErr error
	}{
		{
			name:  "zero",
			input: encode(0),
			max:   10,
			want:  0,
		},
		{
			name:  "at bound",
			input: encode(66_666),
			max:   66_666,
			want:  66_666,
		},
		{
			name:    "above bound",
			input:   encode(70_000),
			max:     66_666,
			wantErr: ErrTooManyElements,
		},
		{
			name:    "empty",
			input:   nil,
			max:     10,
			wantErr: ErrTruncated,
		},
		{
			name:    "partial prefix",
			input:   []byte{0xfe, 0x01},
			max:     10,
			wantErr: ErrTruncated,
		},
		{
			name:    "non-canonical",
			input:   []byte{0xfd, 0x01, 0x00},
			max:     10,
			wantErr: ErrMalformed,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			count, err := ReadCount(
				bytes.NewReader(test.input), test.max,
			)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)

				var fErr *FormatError
				require.True(t, errors.As(err, &fErr))
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.want, count)
		})
	}
}

// TestSocketAddrRoundTrip checks that IPv4 addresses are mapped into IPv6 on
// the wire and unmapped again when read back.
func TestSocketAddrRoundTrip(t *testing.T) {
	t.Parallel()

	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:8233"),
		netip.MustParseAddrPort("[2001:db8::1]:18233"),
		netip.MustParseAddrPort("0.0.0.0:0"),
	}
	for _, addr := range addrs {
		var b bytes.Buffer
		require.NoError(t, WriteSocketAddr(&b, addr))
		require.Equal(t, SocketAddrSize, b.Len())

		got, err := ReadSocketAddr(&b)
		require.NoError(t, err)
		require.Equal(t, addr, got)
	}

	var b bytes.Buffer
	addr := netip.MustParseAddrPort("192.0.2.1:8233")
	require.NoError(t, WriteSocketAddr(&b, addr))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff,
		192, 0, 2, 1, 0x20, 0x29}, b.Bytes())

	_, err := ReadSocketAddr(bytes.NewReader(b.Bytes()[:10]))
	require.ErrorIs(t, err, ErrTruncated)
}

// genInventoryHash draws a valid inventory hash.
func genInventoryHash() *rapid.Generator[InventoryHash] {
	return rapid.Custom(func(t *rapid.T) InventoryHash {
		code := rapid.SampledFrom([]wire.InvType{
			wire.InvTypeError, wire.InvTypeTx, wire.InvTypeBlock,
			wire.InvTypeFilteredBlock,
		}).Draw(t, "type")

		inv := InventoryHash{Type: code}
		if code != wire.InvTypeError {
			b := rapid.SliceOfN(
				rapid.Byte(), chainhash.HashSize,
				chainhash.HashSize,
			).Draw(t, "hash")
			copy(inv.Hash[:], b)
		}

		return inv
	})
}

// TestInventoryRoundTrip checks that inventory lists survive an encode and
// decode cycle.
func TestInventoryRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		invs := rapid.SliceOfN(genInventoryHash(), 0, 64).Draw(t, "invs")

		var b bytes.Buffer
		require.NoError(t, EncodeInventoryList(&b, invs))

		got, err := DecodeInventoryList(&b)
		require.NoError(t, err)
		require.Len(t, got, len(invs))
		for i := range invs {
			require.Equal(t, invs[i], got[i])
		}
	})
}

// TestInventoryInvalidCode asserts that unknown type codes are rejected on
// both sides of the codec.
func TestInventoryInvalidCode(t *testing.T) {
	t.Parallel()

	raw := make([]byte, InvHashSize)
	raw[0] = 4
	_, err := DecodeInventoryHash(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrInvalidInvType)

	// Witness flagged codes are valid in some Bitcoin-family networks but
	// not in this one.
	raw[0], raw[3] = 1, 0x40
	_, err = DecodeInventoryHash(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrInvalidInvType)

	var b bytes.Buffer
	err = InventoryHash{Type: wire.InvTypeWitnessTx}.Encode(&b)
	require.ErrorIs(t, err, ErrInvalidInvType)
}

// TestInventoryErrorHashIgnored asserts that the hash bytes of an error
// inventory item are neither kept nor sent.
func TestInventoryErrorHashIgnored(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{0xaa}, InvHashSize)
	raw[0], raw[1], raw[2], raw[3] = 0, 0, 0, 0

	inv, err := DecodeInventoryHash(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, InventoryHash{Type: wire.InvTypeError}, inv)

	var b bytes.Buffer
	require.NoError(t, inv.Encode(&b))
	require.Equal(t, make([]byte, InvHashSize), b.Bytes())
}

// TestDecodeInventoryListBound asserts that an oversized declared length is
// rejected before any element is read, and that truncated lists produce no
// partial result.
func TestDecodeInventoryListBound(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	require.NoError(t, WriteCount(&b, 55_556))
	invs, err := DecodeInventoryList(&b)
	require.ErrorIs(t, err, ErrTooManyElements)
	require.Nil(t, invs)

	b.Reset()
	require.NoError(t, EncodeInventoryList(&b, []InventoryHash{
		NewTxInventory(chainhash.Hash{1}),
		NewBlockInventory(chainhash.Hash{2}),
	}))
	truncated := b.Bytes()[:b.Len()-1]

	invs, err = DecodeInventoryList(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrTruncated)
	require.Nil(t, invs)
}
