package scash

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var testPayoutScript, _ = hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")

func TestBuildCoinbase_Reassembles(t *testing.T) {
	tests := []struct {
		name   string
		height int64
		size   int
		tag    string
	}{
		{"small height", 5, 8, "/scashpool/"},
		{"typical height", 123456, 8, "/scashpool/"},
		{"no tag", 840000, 8, ""},
		{"wide extranonce", 1, 12, "/p/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := BuildCoinbase(CoinbaseParams{
				Height:         tt.height,
				Value:          5_000_000_000,
				PayoutScript:   testPayoutScript,
				Tag:            tt.tag,
				ExtranonceSize: tt.size,
			})
			if err != nil {
				t.Fatalf("BuildCoinbase() error = %v", err)
			}

			en1 := bytes.Repeat([]byte{0xab}, 4)
			en2 := bytes.Repeat([]byte{0xcd}, tt.size-4)
			raw := cb.Assemble(en1, en2)

			var tx wire.MsgTx
			if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
				t.Fatalf("assembled coinbase does not deserialize: %v", err)
			}
			if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
				t.Fatalf("tx has %d inputs, %d outputs", len(tx.TxIn), len(tx.TxOut))
			}
			if tx.TxIn[0].PreviousOutPoint.Index != wire.MaxPrevOutIndex {
				t.Error("input is not a coinbase input")
			}
			if tx.TxOut[0].Value != 5_000_000_000 || !bytes.Equal(tx.TxOut[0].PkScript, testPayoutScript) {
				t.Errorf("unexpected output %+v", tx.TxOut[0])
			}

			script := tx.TxIn[0].SignatureScript
			nonce := append(append([]byte(nil), en1...), en2...)
			if !bytes.Contains(script, nonce) {
				t.Errorf("scriptSig %x does not contain extranonce %x", script, nonce)
			}
			if tt.tag != "" && !bytes.Contains(script, []byte(tt.tag)) {
				t.Errorf("scriptSig %x does not contain tag", script)
			}

			// Coinbase1 ends right before the extranonce bytes.
			if !bytes.Equal(raw[len(cb.Coinbase1):len(cb.Coinbase1)+tt.size], nonce) {
				t.Error("split point is not immediately before the extranonce")
			}
		})
	}
}

func TestBuildCoinbase_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params CoinbaseParams
	}{
		{"no payout", CoinbaseParams{Height: 1, ExtranonceSize: 8}},
		{"extranonce too small", CoinbaseParams{Height: 1, ExtranonceSize: 1, PayoutScript: testPayoutScript}},
		{"tag too long", CoinbaseParams{Height: 1, ExtranonceSize: 8, PayoutScript: testPayoutScript, Tag: string(bytes.Repeat([]byte("x"), 95))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildCoinbase(tt.params); err == nil {
				t.Error("BuildCoinbase() expected error")
			}
		})
	}
}

func hashN(n byte) chainhash.Hash {
	return chainhash.DoubleHashH([]byte{n})
}

func TestMerkleBranch_MatchesFullRoot(t *testing.T) {
	coinbase := hashN(0)

	for count := 0; count <= 9; count++ {
		txids := make([]chainhash.Hash, count)
		for i := range txids {
			txids[i] = hashN(byte(i + 1))
		}

		branch := MerkleBranch(txids)
		got := MerkleRootFromBranch(coinbase, branch)
		want := MerkleRoot(append([]chainhash.Hash{coinbase}, txids...))

		if got != want {
			t.Errorf("%d txs: root from branch %s != full root %s", count, got, want)
		}
	}
}

func TestMerkleBranch_Shape(t *testing.T) {
	if branch := MerkleBranch(nil); len(branch) != 0 {
		t.Errorf("coinbase-only branch = %v, want empty", branch)
	}

	one := []chainhash.Hash{hashN(1)}
	if branch := MerkleBranch(one); len(branch) != 1 || branch[0] != one[0] {
		t.Errorf("single tx branch = %v", branch)
	}

	// Three non-coinbase txs: four leaves, two levels.
	three := []chainhash.Hash{hashN(1), hashN(2), hashN(3)}
	branch := MerkleBranch(three)
	if len(branch) != 2 {
		t.Fatalf("len(branch) = %d, want 2", len(branch))
	}
	if branch[0] != three[0] || branch[1] != hashPair(&three[1], &three[2]) {
		t.Error("unexpected branch contents")
	}

	// Two non-coinbase txs: the odd last node is paired with itself.
	two := []chainhash.Hash{hashN(1), hashN(2)}
	branch = MerkleBranch(two)
	if len(branch) != 2 || branch[1] != hashPair(&two[1], &two[1]) {
		t.Error("odd node was not duplicated")
	}
}

func TestMerkleRoot_SingleIsCoinbase(t *testing.T) {
	h := hashN(7)
	if MerkleRoot([]chainhash.Hash{h}) != h {
		t.Error("root of one hash must be that hash")
	}
	if MerkleRootFromBranch(h, nil) != h {
		t.Error("empty branch must leave the coinbase hash unchanged")
	}
}

func TestPayoutScript(t *testing.T) {
	got, err := PayoutScript("", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "")
	if err != nil {
		t.Fatalf("PayoutScript(p2pkh) error = %v", err)
	}
	if !bytes.Equal(got, testPayoutScript) {
		t.Errorf("PayoutScript(p2pkh) = %x, want %x", got, testPayoutScript)
	}

	params := chaincfg.MainNetParams
	params.Bech32HRPSegwit = "scash"
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{1}, 20), &params)
	if err != nil {
		t.Fatalf("NewAddressWitnessPubKeyHash() error = %v", err)
	}
	got, err = PayoutScript("", addr.EncodeAddress(), "scash")
	if err != nil {
		t.Fatalf("PayoutScript(bech32) error = %v", err)
	}
	if len(got) != 22 || got[0] != 0x00 || got[1] != 0x14 {
		t.Errorf("PayoutScript(bech32) = %x, want p2wpkh", got)
	}

	got, err = PayoutScript("51", "ignored", "")
	if err != nil || !bytes.Equal(got, []byte{0x51}) {
		t.Errorf("PayoutScript(hex) = %x, %v", got, err)
	}

	if _, err := PayoutScript("", "", ""); err == nil {
		t.Error("PayoutScript() with nothing configured should fail")
	}
	if _, err := PayoutScript("zz", "", ""); err == nil {
		t.Error("PayoutScript(bad hex) should fail")
	}
}

func TestTxIDAndAssembleBlock(t *testing.T) {
	cb, err := BuildCoinbase(CoinbaseParams{Height: 10, Value: 1, PayoutScript: testPayoutScript, ExtranonceSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	coinbase := cb.Assemble(make([]byte, 4), make([]byte, 4))

	id, err := TxID(coinbase)
	if err != nil {
		t.Fatalf("TxID() error = %v", err)
	}
	if id != chainhash.DoubleHashH(coinbase) {
		t.Error("TxID of a non-witness tx must be its double-SHA256")
	}
	if _, err := TxID([]byte{0x01}); err == nil {
		t.Error("TxID(garbage) should fail")
	}

	var header [HeaderSize]byte
	header[0] = 0x42
	other := []byte{0xde, 0xad}
	block := AssembleBlock(header, coinbase, [][]byte{other})

	if !bytes.Equal(block[:HeaderSize], header[:]) {
		t.Error("block does not start with the header")
	}
	if block[HeaderSize] != 2 {
		t.Errorf("tx count varint = %d, want 2", block[HeaderSize])
	}
	if !bytes.Equal(block[HeaderSize+1:HeaderSize+1+len(coinbase)], coinbase) {
		t.Error("coinbase not placed after tx count")
	}
	if !bytes.HasSuffix(block, other) {
		t.Error("template txs not appended")
	}
}

func TestBuildCoinbase_WitnessCommitment(t *testing.T) {
	commitment, _ := hex.DecodeString("6a24aa21a9ed" + "e2f61c3f71d1defd3fa999dfa36953755c690689799962b48bebd836974e8cf9")

	cb, err := BuildCoinbase(CoinbaseParams{
		Height:            200,
		Value:             50,
		PayoutScript:      testPayoutScript,
		ExtranonceSize:    8,
		WitnessCommitment: commitment,
	})
	if err != nil {
		t.Fatalf("BuildCoinbase() error = %v", err)
	}
	raw := cb.Assemble(make([]byte, 4), make([]byte, 4))

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("coinbase does not deserialize: %v", err)
	}
	if len(tx.TxOut) != 2 || tx.TxOut[1].Value != 0 || !bytes.Equal(tx.TxOut[1].PkScript, commitment) {
		t.Fatalf("unexpected outputs %+v", tx.TxOut)
	}

	withWitness, err := WithWitnessReserved(raw)
	if err != nil {
		t.Fatalf("WithWitnessReserved() error = %v", err)
	}
	if len(withWitness) <= len(raw) {
		t.Error("witness serialization should be longer")
	}

	var full wire.MsgTx
	if err := full.Deserialize(bytes.NewReader(withWitness)); err != nil {
		t.Fatalf("witness coinbase does not deserialize: %v", err)
	}
	if len(full.TxIn[0].Witness) != 1 || len(full.TxIn[0].Witness[0]) != 32 {
		t.Errorf("witness = %v, want one 32-byte item", full.TxIn[0].Witness)
	}
	if full.TxHash() != tx.TxHash() {
		t.Error("adding the witness must not change the txid")
	}

	if _, err := WithWitnessReserved([]byte{0x00}); err == nil {
		t.Error("WithWitnessReserved(garbage) should fail")
	}
}
