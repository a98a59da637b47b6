package filters

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"buy-alerts/internal/detector"
)

// ReceiptFetcher is the RPC slice the MEV heuristic needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Mev flags a transaction as probable arbitrage/sandwich activity when its
// receipt contains more swap logs than an organic retail buy would produce.
type Mev struct {
	enabled   bool
	threshold int
	fetcher   ReceiptFetcher
	logger    zerolog.Logger
}

// NewMev constructs the heuristic. A disabled filter never flags anything.
func NewMev(enabled bool, threshold int, fetcher ReceiptFetcher, logger zerolog.Logger) *Mev {
	if threshold <= 0 {
		threshold = 3
	}
	return &Mev{
		enabled:   enabled,
		threshold: threshold,
		fetcher:   fetcher,
		logger:    logger.With().Str("component", "mev_filter").Logger(),
	}
}

// Suspicious fetches the full receipt and counts swap-signature logs. RPC
// failures fail open: alert availability beats the heuristic.
func (m *Mev) Suspicious(ctx context.Context, txHash common.Hash) bool {
	if !m.enabled {
		return false
	}

	receipt, err := m.fetcher.TransactionReceipt(ctx, txHash)
	if err != nil {
		m.logger.Warn().Err(err).Str("tx", txHash.Hex()).Msg("receipt fetch failed; skipping mev check")
		return false
	}

	swaps := 0
	for _, lg := range receipt.Logs {
		if len(lg.Topics) > 0 && lg.Topics[0] == detector.SwapTopic {
			swaps++
		}
	}

	if swaps > m.threshold {
		m.logger.Info().Str("tx", txHash.Hex()).Int("swap_logs", swaps).Msg("transaction flagged as probable mev")
		return true
	}
	return false
}
