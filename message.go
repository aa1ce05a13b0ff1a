package peerbook

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/peerbook/peeraddr"
	"github.com/lightningnetwork/peerbook/peerwire"
)

// addrMsg is an addr message encoded with the peeraddr list codec. Decoding
// it bounds the declared count by the preallocation limit of MetaAddr rather
// than by wire.MaxAddrPerMsg.
type addrMsg []peeraddr.MetaAddr

// BtcDecode decodes r into the receiver.
//
// NOTE: Part of the wire.Message interface.
func (m *addrMsg) BtcDecode(r io.Reader, _ uint32,
	_ wire.MessageEncoding) error {

	addrs, err := peeraddr.DecodeList(r)
	if err != nil {
		return err
	}
	*m = addrs

	return nil
}

// BtcEncode encodes the receiver to w.
//
// NOTE: Part of the wire.Message interface.
func (m *addrMsg) BtcEncode(w io.Writer, _ uint32,
	_ wire.MessageEncoding) error {

	return peeraddr.EncodeList(w, *m)
}

// Command returns the protocol command string for the message.
//
// NOTE: Part of the wire.Message interface.
func (m *addrMsg) Command() string {
	return wire.CmdAddr
}

// MaxPayloadLength returns the maximum length the payload can be.
//
// NOTE: Part of the wire.Message interface.
func (m *addrMsg) MaxPayloadLength(uint32) uint32 {
	return peerwire.MaxProtocolMessageLen
}

// knownMessages creates an empty message for each command the pool handles.
// Payloads of other commands are skipped without being allocated.
var knownMessages = map[string]func() wire.Message{
	wire.CmdVersion: func() wire.Message { return &wire.MsgVersion{} },
	wire.CmdVerAck:  func() wire.Message { return &wire.MsgVerAck{} },
	wire.CmdGetAddr: func() wire.Message { return &wire.MsgGetAddr{} },
	wire.CmdPing:    func() wire.Message { return &wire.MsgPing{} },
	wire.CmdPong:    func() wire.Message { return &wire.MsgPong{} },
	wire.CmdAddr:    func() wire.Message { return &addrMsg{} },
}

// readMessage reads the next message from r. It returns a nil message for
// commands the pool does not handle. Every payload length is checked against
// the limit of its message before the payload is read.
func readMessage(r io.Reader, pver uint32,
	btcnet wire.BitcoinNet) (wire.Message, error) {

	var header [wire.MessageHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	magic := wire.BitcoinNet(binary.LittleEndian.Uint32(header[0:4]))
	command := string(bytes.TrimRight(
		header[4:4+wire.CommandSize], "\x00",
	))
	length := binary.LittleEndian.Uint32(header[16:20])
	checksum := header[20:24]

	if magic != btcnet {
		return nil, fmt.Errorf("message from other network [%v]",
			magic)
	}

	newMsg, ok := knownMessages[command]
	if !ok {
		if length > wire.MaxMessagePayload {
			return nil, fmt.Errorf("%s payload of %d bytes "+
				"exceeds max %d", command, length,
				wire.MaxMessagePayload)
		}

		_, err := io.CopyN(io.Discard, r, int64(length))

		return nil, err
	}

	msg := newMsg()
	if maxLen := msg.MaxPayloadLength(pver); length > maxLen {
		return nil, fmt.Errorf("%s payload of %d bytes exceeds max %d",
			command, length, maxLen)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	if !bytes.Equal(chainhash.DoubleHashB(payload)[:4], checksum) {
		return nil, fmt.Errorf("%s payload checksum mismatch", command)
	}

	err := msg.BtcDecode(bytes.NewReader(payload), pver, wire.BaseEncoding)
	if err != nil {
		return nil, err
	}

	return msg, nil
}
