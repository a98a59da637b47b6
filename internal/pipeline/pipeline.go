package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"buy-alerts/internal/alerting"
	"buy-alerts/internal/detector"
	"buy-alerts/internal/storage"
)

// Drop reasons reported on Outcome for observability and tests.
const (
	DropDuplicate        = "duplicate"
	DropPriceUnavailable = "price_unavailable"
	DropBelowMinUSD      = "below_min_usd"
	DropCooldown         = "cooldown"
	DropMev              = "mev"
)

// Dedup suppresses already-seen trade identities.
type Dedup interface {
	IsDuplicateAndMark(ctx context.Context, key string) bool
}

// Cooldown throttles alert frequency per symbol.
type Cooldown interface {
	IsInCooldown(symbol string) bool
	Hit(symbol string)
}

// MevChecker flags probable arbitrage/sandwich transactions.
type MevChecker interface {
	Suspicious(ctx context.Context, txHash common.Hash) bool
}

// PriceSource exposes the latest reference-asset USD price.
type PriceSource interface {
	Price() (decimal.Decimal, bool)
}

// TxFetcher is the RPC slice used for buyer wallet resolution.
type TxFetcher interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// AlertRecorder persists delivered alerts. Optional.
type AlertRecorder interface {
	InsertAlert(ctx context.Context, alert storage.AlertRecord) (storage.AlertRecord, error)
}

// Options parameterise the pipeline.
type Options struct {
	MinUSD       decimal.Decimal
	Destinations []string
	// PhotoURLs maps a symbol to an optional alert image; matched alerts go
	// out as photo+caption instead of plain text.
	PhotoURLs map[string]string
}

// Outcome reports what happened to one candidate.
type Outcome struct {
	Delivered  bool
	DropReason string
	USD        decimal.Decimal
	Succeeded  []string
	Failed     map[string]error
}

// Pipeline consumes BuyEvents and decides, stage by stage, whether and how to
// alert. Constructed once and reused by any host; each stage may short-circuit.
type Pipeline struct {
	opts      Options
	dedup     Dedup
	price     PriceSource
	cooldown  Cooldown
	mev       MevChecker
	txs       TxFetcher
	deliverer alerting.Deliverer
	recorder  AlertRecorder
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the alert pipeline. recorder may be nil; txs may be nil, in
// which case wallet resolution always falls back to the event recipient.
func New(opts Options, dedup Dedup, price PriceSource, cooldown Cooldown, mev MevChecker, txs TxFetcher, deliverer alerting.Deliverer, recorder AlertRecorder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		opts:      opts,
		dedup:     dedup,
		price:     price,
		cooldown:  cooldown,
		mev:       mev,
		txs:       txs,
		deliverer: deliverer,
		recorder:  recorder,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
	}
}

// Run consumes events until the channel closes or ctx is cancelled. Events
// are processed one at a time so the dedup check-and-mark never races.
func (p *Pipeline) Run(ctx context.Context, events <-chan *detector.BuyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			p.Process(ctx, event)
		}
	}
}

// Process runs one candidate through every gate.
func (p *Pipeline) Process(ctx context.Context, event *detector.BuyEvent) Outcome {
	log := p.logger.With().
		Str("symbol", event.Symbol).
		Str("tx", event.TxHash.Hex()).
		Uint("log_index", event.LogIndex).
		Logger()

	if p.dedup.IsDuplicateAndMark(ctx, event.Key()) {
		log.Debug().Msg("dropped: duplicate")
		return Outcome{DropReason: DropDuplicate}
	}

	price, ok := p.price.Price()
	if !ok {
		log.Warn().Msg("dropped: reference price unavailable")
		return Outcome{DropReason: DropPriceUnavailable}
	}

	usd := event.RefIn.Mul(price)
	if usd.LessThan(p.opts.MinUSD) {
		log.Debug().Str("usd", usd.StringFixed(2)).Msg("dropped: below minimum usd value")
		return Outcome{DropReason: DropBelowMinUSD, USD: usd}
	}

	if p.cooldown.IsInCooldown(event.Symbol) {
		log.Debug().Msg("dropped: symbol in cooldown")
		return Outcome{DropReason: DropCooldown, USD: usd}
	}

	if p.mev != nil && p.mev.Suspicious(ctx, event.TxHash) {
		log.Info().Msg("dropped: probable mev activity")
		return Outcome{DropReason: DropMev, USD: usd}
	}

	buyer := p.resolveBuyer(ctx, event)

	// Cooldown is consumed by the delivery decision, not by mere detection.
	p.cooldown.Hit(event.Symbol)

	payload := alerting.Payload{
		Text:     alerting.RenderBuyMessage(event, usd, buyer, p.now()),
		PhotoURL: p.opts.PhotoURLs[event.Symbol],
	}

	succeeded, failed := p.fanOut(ctx, payload)

	log.Info().
		Str("usd", usd.StringFixed(2)).
		Str("buyer", buyer.Hex()).
		Int("delivered", len(succeeded)).
		Int("failed", len(failed)).
		Msg("buy alert dispatched")

	p.record(ctx, event, usd, buyer, succeeded, failed)

	return Outcome{Delivered: true, USD: usd, Succeeded: succeeded, Failed: failed}
}

// resolveBuyer prefers the transaction sender over the event's raw recipient,
// resolving router/proxy addresses to the originating signer. Best effort.
func (p *Pipeline) resolveBuyer(ctx context.Context, event *detector.BuyEvent) common.Address {
	if p.txs == nil {
		return event.Recipient
	}

	tx, _, err := p.txs.TransactionByHash(ctx, event.TxHash)
	if err != nil || tx == nil {
		p.logger.Debug().Err(err).Str("tx", event.TxHash.Hex()).Msg("transaction fetch failed; using event recipient")
		return event.Recipient
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		p.logger.Debug().Err(err).Str("tx", event.TxHash.Hex()).Msg("sender recovery failed; using event recipient")
		return event.Recipient
	}
	return sender
}

// fanOut broadcasts the payload to every destination concurrently. Failures
// are isolated per destination and reported, not retried here.
func (p *Pipeline) fanOut(ctx context.Context, payload alerting.Payload) ([]string, map[string]error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
		failed    = make(map[string]error)
	)

	for _, dest := range p.opts.Destinations {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			err := p.deliverer.Deliver(ctx, dest, payload)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[dest] = err
				p.logger.Error().Err(err).Str("destination", dest).Msg("delivery failed")
				return
			}
			succeeded = append(succeeded, dest)
		}(dest)
	}

	wg.Wait()
	return succeeded, failed
}

func (p *Pipeline) record(ctx context.Context, event *detector.BuyEvent, usd decimal.Decimal, buyer common.Address, succeeded []string, failed map[string]error) {
	if p.recorder == nil {
		return
	}

	failedDests := make([]string, 0, len(failed))
	for dest := range failed {
		failedDests = append(failedDests, dest)
	}

	rec := storage.AlertRecord{
		Symbol:       event.Symbol,
		TxHash:       event.TxHash.Hex(),
		LogIndex:     event.LogIndex,
		BlockNumber:  event.BlockNumber,
		Buyer:        buyer.Hex(),
		RefIn:        event.RefIn,
		TokenOut:     event.TokenOut,
		USDValue:     usd,
		Source:       event.Source,
		Destinations: succeeded,
		Failed:       failedDests,
	}
	if _, err := p.recorder.InsertAlert(ctx, rec); err != nil {
		p.logger.Error().Err(err).Str("tx", event.TxHash.Hex()).Msg("failed to persist alert record")
	}
}
