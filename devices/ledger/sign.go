package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/skythen/apdu"

	"github.com/coldsign-io/coldsign/hwi"
)

// Signature entry types in the sign response payload.
const (
	sigTypeECDSA     byte = 0x00
	sigTypeTapKey    byte = 0x01
	sigTypeTapScript byte = 0x02
)

// SignPSBT streams the PSBT to the device across as many exchanges as its
// frame budget needs, waits for on-device confirmation, then collects the
// partial signature entries the device produced and applies them to a copy
// of the packet. Existing entries are never touched.
func (l *Ledger) SignPSBT(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error) {
	var raw bytes.Buffer
	if err := packet.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize psbt: %v", hwi.ErrProtocol, err)
	}

	payload, err := l.streamPSBT(ctx, raw.Bytes())
	if err != nil {
		return nil, err
	}

	// Work on a copy so the caller's packet survives a late failure.
	signed, err := psbt.NewFromRawBytes(bytes.NewReader(raw.Bytes()), false)
	if err != nil {
		return nil, fmt.Errorf("%w: reparse psbt: %v", hwi.ErrProtocol, err)
	}
	if err := applySignatures(signed, payload); err != nil {
		return nil, err
	}
	return signed, nil
}

// streamPSBT sends the packet in chunks, then follows more-data
// continuations until the device has handed over the whole signature
// payload.
func (l *Ledger) streamPSBT(ctx context.Context, raw []byte) ([]byte, error) {
	first := true
	offset := 0
	var sw uint16
	var payload, data []byte
	var err error

	for offset < len(raw) {
		n := signChunkSize
		if n > len(raw)-offset {
			n = len(raw) - offset
		}
		chunk := raw[offset : offset+n]
		offset += n

		capdu := apdu.Capdu{Cla: claBitcoin, Ins: insSignPSBT, P1: 0x80, Data: chunk}
		if first {
			first = false
			capdu.P1 = 0x00
			capdu.Data = append(binary.BigEndian.AppendUint32(nil, uint32(len(raw))), chunk...)
		}

		sw, data, err = l.exchangeRaw(ctx, capdu)
		if err != nil {
			return nil, err
		}
		if offset < len(raw) {
			// Intermediate ack carries no payload.
			if sw != swOK {
				return nil, statusErr(sw)
			}
			continue
		}
	}

	payload = append(payload, data...)
	for sw == swMoreData {
		sw, data, err = l.exchangeRaw(ctx, apdu.Capdu{Cla: claBitcoin, Ins: insContinue})
		if err != nil {
			return nil, err
		}
		payload = append(payload, data...)
	}
	if sw != swOK {
		return nil, statusErr(sw)
	}
	return payload, nil
}

// applySignatures decodes the response payload and inserts the entries into
// the packet. Layout per entry: input index (u16), type byte, then
//
//	0x00: key len (u8), pubkey, sig len (u16), DER sig + hash type
//	0x01: sig len (u16), 64/65-byte schnorr sig
//	0x02: 32-byte x-only key, 32-byte leaf hash, sig len (u16), sig
func applySignatures(packet *psbt.Packet, payload []byte) error {
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		var head [3]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return fmt.Errorf("%w: truncated signature entry", hwi.ErrProtocol)
		}
		index := int(binary.BigEndian.Uint16(head[:2]))
		if index >= len(packet.Inputs) {
			return fmt.Errorf("%w: signature for input %d of %d", hwi.ErrProtocol, index, len(packet.Inputs))
		}
		input := &packet.Inputs[index]

		switch head[2] {
		case sigTypeECDSA:
			pubkey, err := readVec8(r)
			if err != nil {
				return err
			}
			sig, err := readVec16(r)
			if err != nil {
				return err
			}
			input.PartialSigs = append(input.PartialSigs, &psbt.PartialSig{
				PubKey: pubkey, Signature: sig,
			})
		case sigTypeTapKey:
			sig, err := readVec16(r)
			if err != nil {
				return err
			}
			input.TaprootKeySpendSig = sig
		case sigTypeTapScript:
			fixed := make([]byte, 64)
			if _, err := io.ReadFull(r, fixed); err != nil {
				return fmt.Errorf("%w: truncated tapscript entry", hwi.ErrProtocol)
			}
			sig, err := readVec16(r)
			if err != nil {
				return err
			}
			input.TaprootScriptSpendSig = append(input.TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
				XOnlyPubKey: fixed[:32],
				LeafHash:    fixed[32:],
				Signature:   sig,
			})
		default:
			return fmt.Errorf("%w: unknown signature entry type %#x", hwi.ErrProtocol, head[2])
		}
	}
	return nil
}

func readVec8(r *bytes.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated signature entry", hwi.ErrProtocol)
	}
	return readBytes(r, int(n))
}

func readVec16(r *bytes.Reader) ([]byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated signature entry", hwi.ErrProtocol)
	}
	return readBytes(r, int(binary.BigEndian.Uint16(head[:])))
}

func readBytes(r *bytes.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: truncated signature entry", hwi.ErrProtocol)
	}
	return out, nil
}
