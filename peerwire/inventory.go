package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// InvHashSize is the serialized size of an InventoryHash: a 4 byte
	// type code followed by a 32 byte hash.
	InvHashSize = 4 + chainhash.HashSize

	// invMinPrefixLen is the smallest possible CompactSize prefix of an
	// inventory list.
	invMinPrefixLen = 1
)

// InventoryHash is a typed hash referring to some advertised or requested
// data. The Bitcoin protocol calls this an inventory vector.
type InventoryHash struct {
	// Type is the kind of object the hash refers to.
	Type wire.InvType

	// Hash is the object's hash. It is always zero for InvTypeError.
	Hash chainhash.Hash
}

// NewTxInventory returns an inventory hash for a transaction.
func NewTxInventory(hash chainhash.Hash) InventoryHash {
	return InventoryHash{Type: wire.InvTypeTx, Hash: hash}
}

// NewBlockInventory returns an inventory hash for a block. Filtered blocks
// must be requested explicitly.
func NewBlockInventory(hash chainhash.Hash) InventoryHash {
	return InventoryHash{Type: wire.InvTypeBlock, Hash: hash}
}

// validInvType reports whether t is one of the base inventory type codes.
func validInvType(t wire.InvType) bool {
	switch t {
	case wire.InvTypeError, wire.InvTypeTx, wire.InvTypeBlock,
		wire.InvTypeFilteredBlock:

		return true
	}

	return false
}

// String returns the type and hash of the inventory item.
func (i InventoryHash) String() string {
	if i.Type == wire.InvTypeError {
		return i.Type.String()
	}

	return fmt.Sprintf("%v(%v)", i.Type, i.Hash)
}

// MaxAllocation returns the largest number of inventory hashes a single
// protocol message can hold.
//
// NOTE: Part of the TrustedPreallocate interface.
func (InventoryHash) MaxAllocation() uint64 {
	return MaxAllocation(InvHashSize, invMinPrefixLen)
}

// Encode writes the 36 byte wire form of the inventory hash.
func (i InventoryHash) Encode(w io.Writer) error {
	if !validInvType(i.Type) {
		return &FormatError{
			Op:  "inventory hash",
			Err: fmt.Errorf("%w: %d", ErrInvalidInvType, i.Type),
		}
	}

	var b [InvHashSize]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(i.Type))
	if i.Type != wire.InvTypeError {
		copy(b[4:], i.Hash[:])
	}

	_, err := w.Write(b[:])
	return err
}

// DecodeInventoryHash reads a single inventory hash. Unknown type codes are a
// format error.
func DecodeInventoryHash(r io.Reader) (InventoryHash, error) {
	var b [InvHashSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return InventoryHash{}, NewFormatError("inventory hash", err)
	}

	code := wire.InvType(binary.LittleEndian.Uint32(b[:4]))
	if !validInvType(code) {
		return InventoryHash{}, &FormatError{
			Op:  "inventory hash",
			Err: fmt.Errorf("%w: %d", ErrInvalidInvType, code),
		}
	}

	inv := InventoryHash{Type: code}
	if code != wire.InvTypeError {
		copy(inv.Hash[:], b[4:])
	}

	return inv, nil
}

// EncodeInventoryList writes a CompactSize count followed by each inventory
// hash.
func EncodeInventoryList(w io.Writer, invs []InventoryHash) error {
	if uint64(len(invs)) > (InventoryHash{}).MaxAllocation() {
		return &FormatError{
			Op:  "inventory list",
			Err: ErrTooManyElements,
		}
	}

	if err := WriteCount(w, uint64(len(invs))); err != nil {
		return err
	}
	for _, inv := range invs {
		if err := inv.Encode(w); err != nil {
			return err
		}
	}

	return nil
}

// DecodeInventoryList reads a length-prefixed list of inventory hashes. The
// declared length is checked against the preallocation bound before the
// result is allocated, and no partial list is returned on error.
func DecodeInventoryList(r io.Reader) ([]InventoryHash, error) {
	count, err := ReadCount(r, (InventoryHash{}).MaxAllocation())
	if err != nil {
		return nil, err
	}

	invs := make([]InventoryHash, 0, count)
	for i := uint64(0); i < count; i++ {
		inv, err := DecodeInventoryHash(r)
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}

	return invs, nil
}

// A compile-time constraint to ensure InventoryHash implements
// TrustedPreallocate.
var _ TrustedPreallocate = InventoryHash{}
