package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"buy-alerts/internal/detector"
	"buy-alerts/internal/filters"
	"buy-alerts/internal/pipeline"
)

// SimulateBuy 构造一笔假的买入事件并走完整的告警管线。
func (a *App) SimulateBuy(ctx context.Context, opts SimulateOptions) error {
	deliverer := a.newDeliverer()
	if deliverer == nil {
		return errors.New("telegram bot_token 未配置,无法投递")
	}
	if len(a.Config.Alerting.Destinations) == 0 {
		return errors.New("未配置任何告警目标")
	}

	symbol := opts.Symbol
	if symbol == "" {
		symbol = "SIM"
	}
	price := decimal.NewFromFloat(opts.Price)
	if price.Sign() <= 0 {
		return errors.New("price must be positive")
	}

	dedup := filters.NewMemoryDedup(time.Hour, time.Hour)
	cooldown := filters.NewCooldown(0, time.Hour)

	pipe := pipeline.New(pipeline.Options{
		MinUSD:       decimal.NewFromFloat(a.Config.Alerting.MinUSD),
		Destinations: a.Config.Alerting.Destinations,
	}, dedup, staticPriceSource{price: price}, cooldown, nil, nil, deliverer, nil, a.Logger)

	seed := fmt.Sprintf("simulated-%d", time.Now().UnixNano())
	event := &detector.BuyEvent{
		Symbol:   symbol,
		TxHash:   crypto.Keccak256Hash([]byte(seed)),
		RefIn:    decimal.NewFromFloat(opts.RefIn),
		TokenOut: decimal.NewFromFloat(opts.TokenOut),
		Source:   "simulated",
	}

	outcome := pipe.Process(ctx, event)
	if outcome.DropReason != "" {
		return fmt.Errorf("simulated buy dropped: %s", outcome.DropReason)
	}
	if len(outcome.Failed) > 0 {
		return fmt.Errorf("delivery failed for %d destination(s)", len(outcome.Failed))
	}

	a.Logger.Info().
		Str("symbol", symbol).
		Str("usd", outcome.USD.StringFixed(2)).
		Int("delivered", len(outcome.Succeeded)).
		Msg("simulated buy alert delivered")
	return nil
}

type staticPriceSource struct {
	price decimal.Decimal
}

func (s staticPriceSource) Price() (decimal.Decimal, bool) {
	return s.price, true
}

var _ pipeline.PriceSource = staticPriceSource{}
