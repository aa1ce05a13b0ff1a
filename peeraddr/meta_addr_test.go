package peeraddr

import (
	"bytes"
	"math"
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/peerbook/peerwire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testTime = time.Date(2020, time.October, 1, 12, 0, 0, 0, time.UTC)

// genAddrPort draws an IPv4 or IPv6 address and port.
func genAddrPort() *rapid.Generator[netip.AddrPort] {
	return rapid.Custom(func(t *rapid.T) netip.AddrPort {
		port := rapid.Uint16().Draw(t, "port")
		if rapid.Bool().Draw(t, "v4") {
			b := rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "ip4")
			return netip.AddrPortFrom(
				netip.AddrFrom4([4]byte(b)), port,
			)
		}

		b := rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "ip6")
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(b)), port)
	})
}

// genState draws one of the four valid states.
func genState() *rapid.Generator[PeerAddrState] {
	return rapid.SampledFrom([]PeerAddrState{
		Responded, NeverAttempted, Failed, AttemptPending,
	})
}

// genMetaAddr draws a record whose timestamp fits the wire format. A narrow
// range of timestamps and ports is used so that ties are common.
func genMetaAddr() *rapid.Generator[MetaAddr] {
	return rapid.Custom(func(t *rapid.T) MetaAddr {
		addr := genAddrPort().Draw(t, "addr")
		services := wire.ServiceFlag(
			rapid.Uint64Range(0, 3).Draw(t, "services"),
		)
		secs := rapid.Int64Range(0, math.MaxUint32).Draw(t, "secs")
		nanos := rapid.Int64Range(0, 999_999_999).Draw(t, "nanos")
		lastSeen := time.Unix(secs, nanos)

		return newMetaAddr(
			addr, services, lastSeen, genState().Draw(t, "state"),
		)
	})
}

// genTiedMetaAddr draws records from a tiny domain, so that generated pairs
// frequently share every key but one.
func genTiedMetaAddr() *rapid.Generator[MetaAddr] {
	return rapid.Custom(func(t *rapid.T) MetaAddr {
		ips := []netip.Addr{
			netip.MustParseAddr("10.0.0.1"),
			netip.MustParseAddr("10.0.0.2"),
			netip.MustParseAddr("::1"),
		}
		ip := rapid.SampledFrom(ips).Draw(t, "ip")
		port := rapid.Uint16Range(1, 2).Draw(t, "port")
		services := wire.ServiceFlag(
			rapid.Uint64Range(0, 1).Draw(t, "services"),
		)
		offset := rapid.IntRange(0, 2).Draw(t, "offset")

		return newMetaAddr(
			netip.AddrPortFrom(ip, port), services,
			testTime.Add(time.Duration(offset)*time.Second),
			genState().Draw(t, "state"),
		)
	})
}

// TestCmpState checks the reconnection order of the four states.
func TestCmpState(t *testing.T) {
	t.Parallel()

	order := []PeerAddrState{
		Responded, NeverAttempted, Failed, AttemptPending,
	}
	for i, a := range order {
		for j, b := range order {
			got := CmpState(a, b)
			switch {
			case i < j:
				require.Equal(t, -1, got, "%v vs %v", a, b)
			case i > j:
				require.Equal(t, 1, got, "%v vs %v", a, b)
			default:
				require.Zero(t, got, "%v vs %v", a, b)
			}
		}
	}

	require.False(t, PeerAddrState(7).Valid())
	require.Equal(t, "Unknown", PeerAddrState(7).String())
	require.Equal(t, 1, CmpState(PeerAddrState(7), AttemptPending))

	var zero PeerAddrState
	require.Equal(t, NeverAttempted, zero)
}

// TestCompareSecondaryKey checks the state dependent direction of the last
// seen ordering.
func TestCompareSecondaryKey(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddrPort("192.0.2.1:8233")
	older, newer := testTime, testTime.Add(time.Minute)

	for _, state := range []PeerAddrState{
		Responded, Failed, AttemptPending,
	} {
		a := newMetaAddr(addr, 0, older, state)
		b := newMetaAddr(addr, 0, newer, state)
		require.Equal(t, -1, Compare(a, b), "state %v", state)
	}

	a := NewGossiped(addr, 0, older)
	b := NewGossiped(addr, 0, newer)
	require.Equal(t, 1, Compare(a, b))

	v4 := NewGossiped(netip.MustParseAddrPort("255.255.255.255:1"), 0,
		older)
	v6 := NewGossiped(netip.MustParseAddrPort("[::1]:1"), 0, older)
	require.Equal(t, -1, Compare(v4, v6))
}

// TestCompareTotalOrder asserts that Compare is a strict total order which is
// consistent with Equal.
func TestCompareTotalOrder(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.OneOf(genMetaAddr(), genTiedMetaAddr())
		a := gen.Draw(t, "a")
		b := gen.Draw(t, "b")
		c := gen.Draw(t, "c")

		ab, ba := Compare(a, b), Compare(b, a)
		require.Equal(t, -ab, ba)
		require.Equal(t, ab == 0, a.Equal(b))
		require.Zero(t, Compare(a, a))

		if Compare(a, b) <= 0 && Compare(b, c) <= 0 {
			require.LessOrEqual(t, Compare(a, c), 0)
		}
		if Compare(a, b) < 0 && Compare(b, c) < 0 {
			require.Equal(t, -1, Compare(a, c))
		}
	})
}

// TestRoundTrip asserts that encoding then decoding a record yields the
// original record, reset to NeverAttempted and truncated to whole seconds.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		m := genMetaAddr().Draw(t, "addr")

		var b bytes.Buffer
		require.NoError(t, m.Encode(&b))
		require.Equal(t, MetaAddrSize, b.Len())

		got, err := Decode(&b)
		require.NoError(t, err)

		want := NewGossiped(
			m.Addr, m.Services,
			time.Unix(m.LastSeen().Unix(), 0),
		)
		require.True(t, want.Equal(got), "want %v, got %v", want, got)
		require.Equal(t, NeverAttempted, got.State())
	})
}

// TestListRoundTrip checks length-prefixed address lists.
func TestListRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		addrs := rapid.SliceOfN(genMetaAddr(), 0, 300).Draw(t, "addrs")

		var b bytes.Buffer
		require.NoError(t, EncodeList(&b, addrs))

		got, err := DecodeList(&b)
		require.NoError(t, err)
		require.Len(t, got, len(addrs))
		for i := range addrs {
			require.Equal(t, addrs[i].Addr, got[i].Addr)
			require.Equal(t, addrs[i].LastSeen().Unix(),
				got[i].LastSeen().Unix())
		}
	})
}

// TestSanitize asserts that sanitized records are NeverAttempted, and their
// timestamps are the largest multiple of the truncation interval that is no
// later than the original timestamp.
func TestSanitize(t *testing.T) {
	t.Parallel()

	bucket := int64(TimestampTruncation / time.Second)

	rapid.Check(t, func(t *rapid.T) {
		m := genMetaAddr().Draw(t, "addr")
		if rapid.Bool().Draw(t, "pre_epoch") {
			m = newMetaAddr(
				m.Addr, m.Services,
				time.Unix(-rapid.Int64Range(1, 1<<40).Draw(
					t, "neg"), 0),
				m.State(),
			)
		}

		s := m.Sanitize()
		require.Equal(t, NeverAttempted, s.State())
		require.Equal(t, m.Addr, s.Addr)
		require.Equal(t, m.Services, s.Services)

		ts := s.LastSeen().Unix()
		require.Zero(t, ts%bucket)
		require.False(t, s.LastSeen().After(m.LastSeen()))
		require.Less(t, m.LastSeen().Sub(s.LastSeen()),
			TimestampTruncation)
	})
}

// TestDecodeTruncated asserts that every strict prefix of an encoded record
// fails to decode with a format error.
func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	m := NewResponded(netip.MustParseAddrPort("[2001:db8::2]:8233"),
		wire.SFNodeNetwork, testTime)

	var b bytes.Buffer
	require.NoError(t, m.Encode(&b))
	raw := b.Bytes()

	for n := 0; n < len(raw); n++ {
		got, err := Decode(bytes.NewReader(raw[:n]))
		require.ErrorIs(t, err, peerwire.ErrTruncated, "len %d", n)
		require.Equal(t, MetaAddr{}, got)
	}
}

// TestEncodeTimestampRange asserts that timestamps outside the u32 range are
// refused instead of silently wrapped.
func TestEncodeTimestampRange(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddrPort("192.0.2.1:8233")
	for _, ts := range []time.Time{
		time.Unix(-1, 0),
		time.Unix(math.MaxUint32+1, 0),
	} {
		var b bytes.Buffer
		err := NewGossiped(addr, 0, ts).Encode(&b)
		require.ErrorIs(t, err, peerwire.ErrTimestampRange)
	}
}

// TestDecodeListPreallocation asserts that a declared length above the
// preallocation bound is rejected before memory proportional to it is
// allocated.
func TestDecodeListPreallocation(t *testing.T) {
	require.EqualValues(t, 66_666, (MetaAddr{}).MaxAllocation())

	var b bytes.Buffer
	require.NoError(t, peerwire.WriteCount(&b, 70_000))
	raw := b.Bytes()

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	addrs, err := DecodeList(bytes.NewReader(raw))

	runtime.ReadMemStats(&after)

	require.ErrorIs(t, err, peerwire.ErrTooManyElements)
	require.Nil(t, addrs)

	allocated := after.TotalAlloc - before.TotalAlloc
	require.Less(t, allocated, uint64(70_000*MetaAddrSize/10))
}

// TestEncodeListBound checks that the largest list the decoder accepts fits
// in a single message, and that one more address does not.
func TestEncodeListBound(t *testing.T) {
	t.Parallel()

	maxAddrs := (MetaAddr{}).MaxAllocation()
	addrs := make([]MetaAddr, maxAddrs+1)
	for i := range addrs {
		addrs[i] = NewGossiped(netip.AddrPortFrom(
			netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8),
				byte(i)}),
			8233,
		), wire.SFNodeNetwork, testTime)
	}

	var b bytes.Buffer
	require.NoError(t, EncodeList(&b, addrs[:maxAddrs]))
	require.LessOrEqual(t, b.Len(), peerwire.MaxProtocolMessageLen)

	decoded, err := DecodeList(bytes.NewReader(b.Bytes()))
	require.NoError(t, err)
	require.Len(t, decoded, int(maxAddrs))

	// One more address would overflow the message.
	require.Greater(t, b.Len()+MetaAddrSize, peerwire.MaxProtocolMessageLen)

	b.Reset()
	err = EncodeList(&b, addrs)
	require.ErrorIs(t, err, peerwire.ErrTooManyElements)
}

// TestWireCompatibility asserts that address lists are byte compatible with
// the Bitcoin addr message.
func TestWireCompatibility(t *testing.T) {
	t.Parallel()

	addrs := []MetaAddr{
		NewGossiped(netip.MustParseAddrPort("192.0.2.1:8233"),
			wire.SFNodeNetwork, testTime),
		NewGossiped(netip.MustParseAddrPort("[2001:db8::1]:18233"),
			wire.SFNodeNetwork|wire.SFNodeBloom,
			testTime.Add(time.Hour)),
	}

	var b bytes.Buffer
	require.NoError(t, EncodeList(&b, addrs))

	var msg wire.MsgAddr
	err := msg.BtcDecode(&b, wire.ProtocolVersion, wire.BaseEncoding)
	require.NoError(t, err)
	require.Len(t, msg.AddrList, len(addrs))

	for i, na := range msg.AddrList {
		require.Equal(t, addrs[i].LastSeen().Unix(), na.Timestamp.Unix())
		require.Equal(t, addrs[i].Services, na.Services)
		require.Equal(t, addrs[i].Addr.Port(), na.Port)
		require.True(t, na.IP.Equal(
			net.IP(addrs[i].Addr.Addr().AsSlice()),
		))
	}
}
