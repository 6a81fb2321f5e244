package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsign-io/coldsign/hwi"
)

func testPacket(t *testing.T, inputs int) *psbt.Packet {
	t.Helper()

	tx := wire.NewMsgTx(2)
	for i := 0; i < inputs; i++ {
		hash := chainhash.Hash{byte(i + 1)}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, uint32(i)), nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(90_000, []byte{0x00, 0x14, 0xab}))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	for i := range packet.Inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(50_000, []byte{0x00, 0x14, 0xcd})
	}
	return packet
}

// sigEntry helpers building the response payload format.

func ecdsaEntry(input uint16, pubkey, sig []byte) []byte {
	out := binary.BigEndian.AppendUint16(nil, input)
	out = append(out, sigTypeECDSA, byte(len(pubkey)))
	out = append(out, pubkey...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sig)))
	return append(out, sig...)
}

func tapKeyEntry(input uint16, sig []byte) []byte {
	out := binary.BigEndian.AppendUint16(nil, input)
	out = append(out, sigTypeTapKey)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sig)))
	return append(out, sig...)
}

func tapScriptEntry(input uint16, xonly, leaf, sig []byte) []byte {
	out := binary.BigEndian.AppendUint16(nil, input)
	out = append(out, sigTypeTapScript)
	out = append(out, xonly...)
	out = append(out, leaf...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sig)))
	return append(out, sig...)
}

func TestApplySignatures(t *testing.T) {
	assert := assert.New(t)

	packet := testPacket(t, 2)
	pubkey := bytes.Repeat([]byte{0x02}, 33)
	ecdsaSig := []byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01}
	schnorr := bytes.Repeat([]byte{0x5a}, 64)
	xonly := bytes.Repeat([]byte{0x11}, 32)
	leaf := bytes.Repeat([]byte{0x22}, 32)

	var payload []byte
	payload = append(payload, ecdsaEntry(0, pubkey, ecdsaSig)...)
	payload = append(payload, tapKeyEntry(1, schnorr)...)
	payload = append(payload, tapScriptEntry(0, xonly, leaf, schnorr)...)

	require.NoError(t, applySignatures(packet, payload))

	require.Len(t, packet.Inputs[0].PartialSigs, 1)
	assert.Equal(pubkey, packet.Inputs[0].PartialSigs[0].PubKey)
	assert.Equal(ecdsaSig, packet.Inputs[0].PartialSigs[0].Signature)
	assert.Equal(schnorr, packet.Inputs[1].TaprootKeySpendSig)
	require.Len(t, packet.Inputs[0].TaprootScriptSpendSig, 1)
	assert.Equal(xonly, packet.Inputs[0].TaprootScriptSpendSig[0].XOnlyPubKey)
	assert.Equal(leaf, packet.Inputs[0].TaprootScriptSpendSig[0].LeafHash)
}

func TestApplySignaturesRejectsBadPayload(t *testing.T) {
	assert := assert.New(t)

	packet := testPacket(t, 1)
	pubkey := bytes.Repeat([]byte{0x02}, 33)
	sig := []byte{0x30, 0x01, 0x00}

	assert.ErrorIs(applySignatures(packet, ecdsaEntry(5, pubkey, sig)), hwi.ErrProtocol, "input index out of range")
	assert.ErrorIs(applySignatures(packet, []byte{0x00}), hwi.ErrProtocol, "truncated entry header")

	entry := ecdsaEntry(0, pubkey, sig)
	assert.ErrorIs(applySignatures(packet, entry[:len(entry)-1]), hwi.ErrProtocol, "truncated signature")

	bad := binary.BigEndian.AppendUint16(nil, 0)
	bad = append(bad, 0x7f)
	assert.ErrorIs(applySignatures(packet, bad), hwi.ErrProtocol, "unknown entry type")
}

// TestSimulatorSignPSBT exercises the full sign flow: the PSBT streams to
// the device in bounded chunks, the device pages its signature payload back
// across more-data continuations, and the entries land on a copy of the
// packet.
func TestSimulatorSignPSBT(t *testing.T) {
	packet := testPacket(t, 2)
	pubkey := bytes.Repeat([]byte{0x02}, 33)
	sig := []byte{0x30, 0x06, 0x02, 0x01, 0x07, 0x02, 0x01, 0x01}
	payload := ecdsaEntry(1, pubkey, sig)
	split := len(payload) / 2

	var (
		expected int
		received int
	)
	l := newSimulator(t, versionThen("2.1.0", func(raw []byte) ([]byte, uint16) {
		switch raw[1] {
		case insSignPSBT:
			data := raw[5:]
			if raw[2] == 0x00 { // first chunk carries the total length
				expected = int(binary.BigEndian.Uint32(data))
				data = data[4:]
			}
			received += len(data)
			if received < expected {
				return nil, swOK
			}
			return payload[:split], swMoreData
		case insContinue:
			return payload[split:], swOK
		default:
			return nil, swInsNotSupported
		}
	}))

	signed, err := l.SignPSBT(context.Background(), packet)
	require.NoError(t, err)

	require.Len(t, signed.Inputs[1].PartialSigs, 1)
	assert.Equal(t, pubkey, signed.Inputs[1].PartialSigs[0].PubKey)
	assert.Empty(t, packet.Inputs[1].PartialSigs, "the input packet is never modified")
}
