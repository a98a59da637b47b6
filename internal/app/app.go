package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"buy-alerts/internal/alerting"
	"buy-alerts/internal/config"
	"buy-alerts/internal/detector"
	"buy-alerts/internal/filters"
	"buy-alerts/internal/listener"
	"buy-alerts/internal/pipeline"
	"buy-alerts/internal/pricefeed"
	"buy-alerts/internal/storage"
)

// pollCursorName keys the persisted listener cursor.
const pollCursorName = "listener"

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newDeliverer() alerting.Deliverer {
	if a.Config.Alerting.Telegram.BotToken == "" {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegram(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, a.Logger)
}

func (a *App) newDedup() (pipeline.Dedup, *filters.MemoryDedup) {
	if a.Config.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		return filters.NewRedisDedup(client, a.Config.Filters.DedupTTL, a.Logger), nil
	}
	mem := filters.NewMemoryDedup(a.Config.Filters.DedupTTL, a.Config.Filters.SweepInterval)
	return mem, mem
}

func (a *App) resolvePairs(ctx context.Context, caller detector.ContractCaller) ([]*detector.Pair, error) {
	if len(a.Config.Pairs) == 0 {
		return nil, errors.New("no pairs configured")
	}

	pairs := make([]*detector.Pair, 0, len(a.Config.Pairs))
	for _, pc := range a.Config.Pairs {
		cfg, err := pairConfig(pc)
		if err != nil {
			return nil, err
		}
		pair, err := detector.ResolvePair(ctx, caller, cfg, a.Logger)
		if err != nil {
			// Fatal for this pair only; it must not be monitored.
			a.Logger.Error().Err(err).Str("symbol", pc.Symbol).Msg("pair resolution failed; pair excluded")
			continue
		}
		pairs = append(pairs, pair)
	}

	if len(pairs) == 0 {
		return nil, errors.New("no pair could be resolved")
	}
	return pairs, nil
}

func pairConfig(pc config.PairConfig) (detector.Config, error) {
	if !common.IsHexAddress(pc.Pool) || !common.IsHexAddress(pc.Token) || !common.IsHexAddress(pc.RefAsset) {
		return detector.Config{}, fmt.Errorf("pair %s: pool/token/ref_asset must be hex addresses", pc.Symbol)
	}
	return detector.Config{
		Symbol:   pc.Symbol,
		Pool:     common.HexToAddress(pc.Pool),
		Token:    common.HexToAddress(pc.Token),
		RefAsset: common.HexToAddress(pc.RefAsset),
	}, nil
}

// Run executes the long-running watcher.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if a.Config.Chain.WSURL == "" {
		return errors.New("chain.ws_url is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; audit trail and cursor persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil && a.Config.Database.AdvisoryLockKey != 0 {
		unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			a.Logger.Warn().Msg("advisory lock held elsewhere; another watcher instance is running")
			return nil
		}
		defer unlock()
	}

	client, err := ethclient.DialContext(ctx, a.Config.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc endpoint: %w", err)
	}
	defer client.Close()

	pairs, err := a.resolvePairs(ctx, client)
	if err != nil {
		return err
	}

	feed := pricefeed.New(pricefeed.Options{
		URL:             a.Config.PriceFeed.URL,
		RefreshInterval: a.Config.PriceFeed.RefreshInterval,
		Timeout:         a.Config.PriceFeed.RequestTimeout,
	}, a.Logger)

	dedup, memDedup := a.newDedup()
	cooldown := filters.NewCooldown(a.Config.Filters.Cooldown, a.Config.Filters.SweepInterval)
	mev := filters.NewMev(a.Config.Mev.Enabled, a.Config.Mev.SwapLogThreshold, client, a.Logger)

	photoURLs := make(map[string]string, len(a.Config.Pairs))
	for _, pc := range a.Config.Pairs {
		if pc.ImageURL != "" {
			photoURLs[pc.Symbol] = pc.ImageURL
		}
	}

	var recorder pipeline.AlertRecorder
	if store != nil {
		recorder = store
	}

	pipe := pipeline.New(pipeline.Options{
		MinUSD:       decimal.NewFromFloat(a.Config.Alerting.MinUSD),
		Destinations: a.Config.Alerting.Destinations,
		PhotoURLs:    photoURLs,
	}, dedup, feed, cooldown, mev, client, a.newDeliverer(), recorder, a.Logger)

	listenerOpts := listener.Options{
		HeartbeatInterval: a.Config.Listener.HeartbeatInterval,
		PollInterval:      a.Config.Listener.PollInterval,
		PollBatchSize:     a.Config.Listener.PollBatchSize,
		BackoffSteps:      a.Config.Listener.BackoffSteps,
		FetchRetries:      a.Config.Listener.FetchRetries,
		FetchRetryDelay:   a.Config.Listener.FetchRetryDelay,
		RequestTimeout:    a.Config.Chain.RequestTimeout,
		Buffer:            a.Config.Listener.Buffer,
	}

	var sink listener.CursorSink
	if store != nil {
		if block, ok, err := store.LoadCursor(ctx, pollCursorName); err != nil {
			a.Logger.Warn().Err(err).Msg("cursor load failed; seeding from chain head")
		} else if ok {
			listenerOpts.StartCursor = block
			a.Logger.Info().Uint64("block", block).Msg("resuming from persisted cursor")
		}
		sink = func(_ context.Context, block uint64) {
			// Detached context: cursor saves must survive listener shutdown.
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			if err := store.SaveCursor(sctx, pollCursorName, block); err != nil {
				a.Logger.Warn().Err(err).Uint64("block", block).Msg("cursor save failed")
			}
		}
	}

	wsURL := a.Config.Chain.WSURL
	dial := func(dctx context.Context) (listener.StreamClient, error) {
		c, err := ethclient.DialContext(dctx, wsURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	lst := listener.New(listenerOpts, pairs, dial, client, sink, a.Logger)

	if store != nil && a.Config.Database.Retention > 0 {
		go a.runRetention(ctx, store, a.Config.Database.Retention)
	}

	go feed.Run(ctx)
	if memDedup != nil {
		go memDedup.Run(ctx)
	}
	go cooldown.Run(ctx)

	lst.Start(ctx)
	a.Logger.Info().
		Int("pairs", len(pairs)).
		Int("destinations", len(a.Config.Alerting.Destinations)).
		Msg("watcher started")

	pipe.Run(ctx, lst.Events())

	lst.Stop()
	a.Logger.Info().Msg("watcher stopped")
	return nil
}

// runRetention periodically trims the alert audit trail.
func (a *App) runRetention(ctx context.Context, store *storage.Store, retention time.Duration) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	for {
		if err := store.DeleteAlertsBefore(ctx, time.Now().UTC().Add(-retention)); err != nil {
			a.Logger.Warn().Err(err).Msg("alert retention sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting the alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SimulateOptions drive a synthetic buy through the real pipeline.
type SimulateOptions struct {
	Symbol   string
	RefIn    float64
	Price    float64
	TokenOut float64
}
