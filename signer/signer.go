// Package signer orchestrates a signing round across one or more device
// handles and merges the partial signatures each contributes back into a
// single transaction.
package signer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"go.uber.org/zap"

	"github.com/coldsign-io/coldsign/hwi"
)

// Orchestrator runs signing rounds.
type Orchestrator struct {
	log *zap.SugaredLogger
}

// Option tweaks orchestrator construction.
type Option func(*Orchestrator)

// WithLogger attaches a logger; default is a nop logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New builds an Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sign asks handle to sign packet and merges the device's signatures into a
// copy of the input. The input packet is never modified. Structural
// problems and missing registration proofs fail before any device round
// trip.
func (o *Orchestrator) Sign(ctx context.Context, handle *hwi.Handle, packet *psbt.Packet, policy *hwi.Policy) (*psbt.Packet, error) {
	if err := validate(packet); err != nil {
		return nil, hwi.NewOpError(handle.ID(), "sign", err)
	}
	if policy != nil && handle.Flags().Has(hwi.FlagMultisigRegistration) {
		if _, ok := handle.ProofFor(policy); !ok {
			return nil, hwi.NewOpError(handle.ID(), "sign",
				fmt.Errorf("%w: policy %q not registered on this device", hwi.ErrPolicyMismatch, policy.Name))
		}
	}

	// The device gets its own copy; whatever the adapter does to it, the
	// caller's packet stays untouched.
	work, err := clone(packet)
	if err != nil {
		return nil, hwi.NewOpError(handle.ID(), "sign", err)
	}
	signed, err := handle.SignPSBT(ctx, work)
	if err != nil {
		return nil, err
	}

	merged, err := clone(packet)
	if err != nil {
		return nil, hwi.NewOpError(handle.ID(), "sign", err)
	}
	if err := Merge(merged, signed); err != nil {
		return nil, hwi.NewOpError(handle.ID(), "sign", err)
	}
	o.log.Debugw("signing round complete", "device", handle.ID(), "inputs", len(merged.Inputs))
	return merged, nil
}

// SignAll runs sequential signing rounds over several handles, accumulating
// signatures into one packet. Typical for multisig quorums where each
// cosigner holds a different device.
func (o *Orchestrator) SignAll(ctx context.Context, handles []*hwi.Handle, packet *psbt.Packet, policy *hwi.Policy) (*psbt.Packet, error) {
	acc, err := clone(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hwi.ErrProtocol, err)
	}
	for _, handle := range handles {
		signed, err := o.Sign(ctx, handle, acc, policy)
		if err != nil {
			return nil, err
		}
		acc = signed
	}
	return acc, nil
}

// validate rejects packets no device can act on: every input must carry
// the UTXO data the device needs to compute sighashes.
func validate(packet *psbt.Packet) error {
	if packet == nil || len(packet.Inputs) == 0 {
		return fmt.Errorf("%w: empty transaction", hwi.ErrProtocol)
	}
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil && in.NonWitnessUtxo == nil {
			return fmt.Errorf("%w: input %d has no utxo data", hwi.ErrProtocol, i)
		}
	}
	return nil
}

// Merge folds the signatures of others into base, input by input. A
// conflicting signature for the same key is a protocol error; an identical
// one is ignored, so merging is idempotent.
func Merge(base *psbt.Packet, others ...*psbt.Packet) error {
	for _, other := range others {
		if len(other.Inputs) != len(base.Inputs) {
			return fmt.Errorf("%w: input count mismatch: %d vs %d",
				hwi.ErrProtocol, len(other.Inputs), len(base.Inputs))
		}
		for i := range other.Inputs {
			if err := mergeInput(&base.Inputs[i], &other.Inputs[i], i); err != nil {
				return err
			}
		}
	}
	return nil
}

func mergeInput(dst, src *psbt.PInput, index int) error {
	for _, sig := range src.PartialSigs {
		if err := addPartialSig(dst, sig, index); err != nil {
			return err
		}
	}
	if len(src.TaprootKeySpendSig) > 0 {
		if len(dst.TaprootKeySpendSig) > 0 && !bytes.Equal(dst.TaprootKeySpendSig, src.TaprootKeySpendSig) {
			return fmt.Errorf("%w: conflicting taproot key-spend signatures on input %d", hwi.ErrProtocol, index)
		}
		dst.TaprootKeySpendSig = src.TaprootKeySpendSig
	}
	for _, sig := range src.TaprootScriptSpendSig {
		if err := addTaprootScriptSig(dst, sig, index); err != nil {
			return err
		}
	}
	return nil
}

func addPartialSig(dst *psbt.PInput, sig *psbt.PartialSig, index int) error {
	for _, have := range dst.PartialSigs {
		if bytes.Equal(have.PubKey, sig.PubKey) {
			if !bytes.Equal(have.Signature, sig.Signature) {
				return fmt.Errorf("%w: conflicting signatures for key %x on input %d",
					hwi.ErrProtocol, sig.PubKey, index)
			}
			return nil
		}
	}
	dst.PartialSigs = append(dst.PartialSigs, sig)
	return nil
}

func addTaprootScriptSig(dst *psbt.PInput, sig *psbt.TaprootScriptSpendSig, index int) error {
	for _, have := range dst.TaprootScriptSpendSig {
		if bytes.Equal(have.XOnlyPubKey, sig.XOnlyPubKey) && bytes.Equal(have.LeafHash, sig.LeafHash) {
			if !bytes.Equal(have.Signature, sig.Signature) {
				return fmt.Errorf("%w: conflicting tapscript signatures for key %x on input %d",
					hwi.ErrProtocol, sig.XOnlyPubKey, index)
			}
			return nil
		}
	}
	dst.TaprootScriptSpendSig = append(dst.TaprootScriptSpendSig, sig)
	return nil
}

// clone deep-copies a packet through its wire encoding.
func clone(packet *psbt.Packet) (*psbt.Packet, error) {
	var raw bytes.Buffer
	if err := packet.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize psbt: %v", hwi.ErrProtocol, err)
	}
	copied, err := psbt.NewFromRawBytes(bytes.NewReader(raw.Bytes()), false)
	if err != nil {
		return nil, fmt.Errorf("%w: reparse psbt: %v", hwi.ErrProtocol, err)
	}
	return copied, nil
}
