package detector

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testPair(mode PairMode, tokenDecimals int32) *Pair {
	return &Pair{
		Symbol:        "TKN",
		Pool:          common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Token:         common.HexToAddress("0x2000000000000000000000000000000000000002"),
		RefAsset:      common.HexToAddress("0x3000000000000000000000000000000000000003"),
		Mode:          mode,
		TokenDecimals: tokenDecimals,
	}
}

func swapLog(t *testing.T, pool common.Address, a0In, a1In, a0Out, a1Out *big.Int) types.Log {
	t.Helper()

	data, err := pairABI.Events["Swap"].Inputs.NonIndexed().Pack(a0In, a1In, a0Out, a1Out)
	if err != nil {
		t.Fatalf("pack swap payload: %v", err)
	}

	sender := common.HexToAddress("0x4000000000000000000000000000000000000004")
	recipient := common.HexToAddress("0x5000000000000000000000000000000000000005")

	return types.Log{
		Address: pool,
		Topics: []common.Hash{
			SwapTopic,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(recipient.Bytes()),
		},
		Data:        data,
		BlockNumber: 1234,
		TxHash:      common.HexToHash("0xabc1"),
		Index:       7,
	}
}

func eth(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestDecodeBuyRefIsToken0(t *testing.T) {
	pair := testPair(RefIsToken0, 9)
	lg := swapLog(t, pair.Pool, eth(2), big.NewInt(0), big.NewInt(0), big.NewInt(5_000_000_000))

	event, err := pair.DecodeBuy(lg, SourceStream)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event == nil {
		t.Fatal("expected a buy event")
	}
	if got := event.RefIn.String(); got != "2" {
		t.Fatalf("ref_in = %s, want 2", got)
	}
	if got := event.TokenOut.String(); got != "5" {
		t.Fatalf("token_out = %s, want 5", got)
	}
	if event.Source != SourceStream {
		t.Fatalf("source = %s", event.Source)
	}
	if event.Recipient != common.HexToAddress("0x5000000000000000000000000000000000000005") {
		t.Fatalf("recipient = %s", event.Recipient.Hex())
	}
}

func TestDecodeBuyRefIsToken1(t *testing.T) {
	pair := testPair(RefIsToken1, 18)
	lg := swapLog(t, pair.Pool, big.NewInt(0), eth(1), eth(3), big.NewInt(0))

	event, err := pair.DecodeBuy(lg, SourcePoll)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event == nil {
		t.Fatal("expected a buy event")
	}
	if got := event.RefIn.String(); got != "1" {
		t.Fatalf("ref_in = %s, want 1", got)
	}
	if got := event.TokenOut.String(); got != "3" {
		t.Fatalf("token_out = %s, want 3", got)
	}
}

func TestDecodeBuyIgnoresSells(t *testing.T) {
	pair := testPair(RefIsToken0, 18)
	// Token flows in, reference asset flows out: a sell, not a buy.
	lg := swapLog(t, pair.Pool, big.NewInt(0), eth(5), eth(1), big.NewInt(0))

	event, err := pair.DecodeBuy(lg, SourceStream)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event != nil {
		t.Fatal("sell must not produce a buy event")
	}
}

func TestDecodeBuyIgnoresForeignLogs(t *testing.T) {
	pair := testPair(RefIsToken0, 18)

	other := swapLog(t, common.HexToAddress("0x9999999999999999999999999999999999999999"), eth(1), big.NewInt(0), big.NewInt(0), eth(1))
	if event, err := pair.DecodeBuy(other, SourceStream); err != nil || event != nil {
		t.Fatalf("foreign pool log must be skipped, got event=%v err=%v", event, err)
	}

	wrongTopic := swapLog(t, pair.Pool, eth(1), big.NewInt(0), big.NewInt(0), eth(1))
	wrongTopic.Topics[0] = common.HexToHash("0xdead")
	if event, err := pair.DecodeBuy(wrongTopic, SourceStream); err != nil || event != nil {
		t.Fatalf("non-swap topic must be skipped, got event=%v err=%v", event, err)
	}
}

func TestDecodeBuyMalformedPayload(t *testing.T) {
	pair := testPair(RefIsToken0, 18)
	lg := swapLog(t, pair.Pool, eth(1), big.NewInt(0), big.NewInt(0), eth(1))
	lg.Data = lg.Data[:10]

	if _, err := pair.DecodeBuy(lg, SourceStream); err == nil {
		t.Fatal("truncated payload must error")
	}
}

func TestBuyEventKey(t *testing.T) {
	e := &BuyEvent{TxHash: common.HexToHash("0xabc1"), LogIndex: 7}
	want := e.TxHash.Hex() + ":7"
	if e.Key() != want {
		t.Fatalf("key = %s, want %s", e.Key(), want)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(big.NewInt(1_500_000_000), 9).String(); got != "1.5" {
		t.Fatalf("normalize 9 decimals = %s, want 1.5", got)
	}
	if got := Normalize(eth(2), 18).String(); got != "2" {
		t.Fatalf("normalize 18 decimals = %s, want 2", got)
	}
}
