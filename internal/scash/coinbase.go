package scash

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Coinbase is a coinbase transaction split around the extranonce field.
// Coinbase1 ‖ extranonce1 ‖ extranonce2 ‖ Coinbase2 is the serialized
// transaction.
type Coinbase struct {
	Coinbase1 []byte
	Coinbase2 []byte
}

// Assemble joins the fragments with the extranonce parts.
func (c *Coinbase) Assemble(extranonce1, extranonce2 []byte) []byte {
	out := make([]byte, 0, len(c.Coinbase1)+len(extranonce1)+len(extranonce2)+len(c.Coinbase2))
	out = append(out, c.Coinbase1...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	return append(out, c.Coinbase2...)
}

// CoinbaseParams describes the coinbase the pool pays itself with.
type CoinbaseParams struct {
	Height         int64
	Value          int64
	PayoutScript   []byte
	Tag            string
	ExtranonceSize int // extranonce1 + extranonce2 bytes

	// WitnessCommitment is the template's default_witness_commitment
	// script. When set it becomes a zero-value second output.
	WitnessCommitment []byte
}

// BuildCoinbase creates a BIP34 coinbase whose scriptSig is
// <height> <extranonce placeholder> <tag> and splits it immediately before
// the placeholder bytes.
func BuildCoinbase(p CoinbaseParams) (*Coinbase, error) {
	if p.ExtranonceSize < 2 || p.ExtranonceSize > 75 {
		return nil, fmt.Errorf("extranonce size %d out of range", p.ExtranonceSize)
	}
	if len(p.PayoutScript) == 0 {
		return nil, fmt.Errorf("empty payout script")
	}

	heightScript, err := txscript.NewScriptBuilder().AddInt64(p.Height).Script()
	if err != nil {
		return nil, fmt.Errorf("height script: %w", err)
	}

	placeholder := make([]byte, p.ExtranonceSize)
	builder := txscript.NewScriptBuilder().AddData(placeholder)
	if p.Tag != "" {
		builder.AddData([]byte(p.Tag))
	}
	rest, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("coinbase script: %w", err)
	}

	sigScript := append(heightScript, rest...)
	if len(sigScript) > 100 {
		return nil, fmt.Errorf("coinbase script is %d bytes, limit is 100", len(sigScript))
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(p.Value, p.PayoutScript))
	if len(p.WitnessCommitment) > 0 {
		tx.AddTxOut(wire.NewTxOut(0, p.WitnessCommitment))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, fmt.Errorf("serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version, input count, outpoint, script length, height push, push opcode
	offset := 4 + wire.VarIntSerializeSize(1) + 36 +
		wire.VarIntSerializeSize(uint64(len(sigScript))) + len(heightScript) + 1

	return &Coinbase{
		Coinbase1: append([]byte(nil), raw[:offset]...),
		Coinbase2: append([]byte(nil), raw[offset+p.ExtranonceSize:]...),
	}, nil
}

// PayoutScript resolves the pool payout script. scriptHex wins when set;
// otherwise address is decoded against mainnet params with the bech32 HRP
// replaced by hrp.
func PayoutScript(scriptHex, address, hrp string) ([]byte, error) {
	if scriptHex != "" {
		script, err := hex.DecodeString(scriptHex)
		if err != nil {
			return nil, fmt.Errorf("invalid payout script hex: %w", err)
		}
		return script, nil
	}
	if address == "" {
		return nil, fmt.Errorf("no payout script or address configured")
	}

	params := chaincfg.MainNetParams
	if hrp != "" {
		params.Bech32HRPSegwit = hrp
	}

	addr, err := btcutil.DecodeAddress(address, &params)
	if err != nil {
		return nil, fmt.Errorf("decode payout address %q: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("payout script for %q: %w", address, err)
	}
	return script, nil
}

// MerkleBranch returns the sibling hashes needed to rebuild the merkle root
// from the coinbase hash. txids are the non-coinbase transactions in block
// order. Odd levels duplicate their last node.
func MerkleBranch(txids []chainhash.Hash) []chainhash.Hash {
	if len(txids) == 0 {
		return nil
	}

	// Index 0 is the coinbase slot. Its value never reaches the branch.
	level := make([]chainhash.Hash, len(txids)+1)
	copy(level[1:], txids)

	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, level[1])
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(&level[i], &level[i+1]))
		}
		level = next
	}
	return branch
}

// MerkleRootFromBranch folds the branch into the coinbase hash.
func MerkleRootFromBranch(coinbaseHash chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbaseHash
	for i := range branch {
		root = hashPair(&root, &branch[i])
	}
	return root
}

// MerkleRoot computes a full merkle root over hashes.
func MerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}
	level := append([]chainhash.Hash(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(&level[i], &level[i+1]))
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b *chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], a[:])
	copy(buf[chainhash.HashSize:], b[:])
	return chainhash.DoubleHashH(buf[:])
}

// TxID returns the witness-stripped id of a serialized transaction.
func TxID(raw []byte) (chainhash.Hash, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, fmt.Errorf("decode transaction: %w", err)
	}
	return tx.TxHash(), nil
}

// WithWitnessReserved re-serializes a coinbase with the 32-byte zero
// witness reserved value that a block carrying a witness commitment needs.
// The txid is unchanged.
func WithWitnessReserved(raw []byte) ([]byte, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode coinbase: %w", err)
	}
	if len(tx.TxIn) != 1 {
		return nil, fmt.Errorf("coinbase has %d inputs", len(tx.TxIn))
	}
	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, chainhash.HashSize)}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize coinbase: %w", err)
	}
	return buf.Bytes(), nil
}

// AssembleBlock serializes header ‖ varint(tx count) ‖ coinbase ‖ txs.
func AssembleBlock(header [HeaderSize]byte, coinbase []byte, txs [][]byte) []byte {
	size := HeaderSize + wire.VarIntSerializeSize(uint64(len(txs)+1)) + len(coinbase)
	for _, tx := range txs {
		size += len(tx)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.Write(header[:])
	// bytes.Buffer writes do not fail
	_ = wire.WriteVarInt(buf, 0, uint64(len(txs)+1))
	buf.Write(coinbase)
	for _, tx := range txs {
		buf.Write(tx)
	}
	return buf.Bytes()
}
