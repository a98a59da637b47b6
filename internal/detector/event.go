package detector

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Ingestion source tags carried on every BuyEvent.
const (
	SourceStream = "stream"
	SourcePoll   = "poll"
)

// BuyEvent is one qualifying buy decoded from a pool swap log. Instances are
// transient; the pipeline either delivers or drops them.
type BuyEvent struct {
	Symbol      string
	Pool        common.Address
	Token       common.Address
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	Recipient   common.Address

	RefInRaw    *big.Int
	TokenOutRaw *big.Int
	RefIn       decimal.Decimal
	TokenOut    decimal.Decimal

	Source string
}

// Key is the dedup identity, unique per on-chain log.
func (e *BuyEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// DecodeBuy turns a raw swap log into a BuyEvent, or nil if the log is not a
// qualifying buy for this pair. Malformed payloads yield (nil, err); callers
// discard the log either way, so a bad log can never take the pipeline down.
func (p *Pair) DecodeBuy(lg types.Log, source string) (*BuyEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != SwapTopic {
		return nil, nil
	}
	if lg.Address != p.Pool {
		return nil, nil
	}
	if len(lg.Topics) < 3 {
		return nil, fmt.Errorf("swap log %s:%d missing indexed topics", lg.TxHash.Hex(), lg.Index)
	}

	values, err := pairABI.Unpack("Swap", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack swap payload: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("unexpected swap payload arity %d", len(values))
	}

	amounts := make([]*big.Int, 4)
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("swap amount %d is not an integer", i)
		}
		amounts[i] = n
	}
	amount0In, amount1In, amount0Out, amount1Out := amounts[0], amounts[1], amounts[2], amounts[3]

	var refIn, tokenOut *big.Int
	switch p.Mode {
	case RefIsToken0:
		refIn, tokenOut = amount0In, amount1Out
	default:
		refIn, tokenOut = amount1In, amount0Out
	}

	// A buy requires reference asset flowing in and tracked token flowing out.
	if refIn.Sign() <= 0 || tokenOut.Sign() <= 0 {
		return nil, nil
	}

	recipient := common.BytesToAddress(lg.Topics[2].Bytes())

	return &BuyEvent{
		Symbol:      p.Symbol,
		Pool:        p.Pool,
		Token:       p.Token,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Recipient:   recipient,
		RefInRaw:    new(big.Int).Set(refIn),
		TokenOutRaw: new(big.Int).Set(tokenOut),
		RefIn:       Normalize(refIn, RefDecimals),
		TokenOut:    Normalize(tokenOut, p.TokenDecimals),
		Source:      source,
	}, nil
}

// Normalize converts a raw integer amount to decimal token units.
func Normalize(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -decimals)
}
