package listener

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"buy-alerts/internal/detector"
)

// LogFetcher is the request/response slice of the RPC client used by the
// polling fallback.
type LogFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// StreamClient is one live streaming connection. The heartbeat runs over the
// same connection so a dead transport is detected even when no logs flow.
type StreamClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// StreamDialer opens a new streaming connection. Abstracted so tests can
// drive reconnect behaviour without a real websocket endpoint.
type StreamDialer func(ctx context.Context) (StreamClient, error)

// CursorSink receives the poll cursor after each advance, best effort.
type CursorSink func(ctx context.Context, block uint64)

// Options tune the listener.
type Options struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	PollBatchSize     uint64
	BackoffSteps      []time.Duration
	FetchRetries      int
	FetchRetryDelay   time.Duration
	RequestTimeout    time.Duration
	StartCursor       uint64
	Buffer            int
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.PollBatchSize == 0 {
		o.PollBatchSize = 500
	}
	if len(o.BackoffSteps) == 0 {
		o.BackoffSteps = []time.Duration{
			2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
			30 * time.Second, 45 * time.Second, 60 * time.Second,
		}
	}
	if o.FetchRetryDelay <= 0 {
		o.FetchRetryDelay = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
}

// Listener produces an ordered, at-least-once stream of BuyEvents for a set
// of monitored pools, across transport failures. Push subscription first,
// request/response polling whenever the stream is down.
type Listener struct {
	opts    Options
	dial    StreamDialer
	fetcher LogFetcher
	pairs   map[common.Address]*detector.Pair
	query   ethereum.FilterQuery
	sink    CursorSink
	logger  zerolog.Logger

	events chan *detector.BuyEvent

	mu           sync.Mutex
	started      bool
	stopped      bool
	streamOnline bool
	pollBusy     bool
	cursor       uint64
	backoffIdx   int
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New constructs a listener for the given resolved pairs.
func New(opts Options, pairs []*detector.Pair, dial StreamDialer, fetcher LogFetcher, sink CursorSink, logger zerolog.Logger) *Listener {
	opts.withDefaults()

	byPool := make(map[common.Address]*detector.Pair, len(pairs))
	addresses := make([]common.Address, 0, len(pairs))
	for _, pair := range pairs {
		byPool[pair.Pool] = pair
		addresses = append(addresses, pair.Pool)
	}

	return &Listener{
		opts:    opts,
		dial:    dial,
		fetcher: fetcher,
		pairs:   byPool,
		sink:    sink,
		query: ethereum.FilterQuery{
			Addresses: addresses,
			Topics:    [][]common.Hash{{detector.SwapTopic}},
		},
		logger: logger.With().Str("component", "listener").Logger(),
		events: make(chan *detector.BuyEvent, opts.Buffer),
		cursor: opts.StartCursor,
	}
}

// Events returns the channel of decoded buys. Closed after Stop once all
// in-flight work has drained.
func (l *Listener) Events() <-chan *detector.BuyEvent {
	return l.events
}

// Start launches the stream and poll loops. Not restartable after Stop.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.seedCursor(ctx)

	l.wg.Add(2)
	go l.streamLoop(ctx)
	go l.pollLoop(ctx)

	go func() {
		l.wg.Wait()
		close(l.events)
	}()
}

// Stop cancels all timers and tears down any open connection. Safe to call
// from any state, idempotent. In-flight fetches complete and are discarded.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	if !l.started {
		// No loops ever ran, so nobody else will close the channel.
		close(l.events)
		return
	}
	l.cancel()
}

// Cursor reports the last fully processed block of the poll path.
func (l *Listener) Cursor() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// StreamOnline reports whether the push subscription is live.
func (l *Listener) StreamOnline() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamOnline
}

func (l *Listener) seedCursor(ctx context.Context) {
	if l.Cursor() != 0 {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, l.opts.RequestTimeout)
	defer cancel()

	latest, err := l.fetcher.BlockNumber(tctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("cursor seed failed; will retry on first poll")
		return
	}
	if latest > 0 {
		l.advanceCursor(ctx, latest-1)
	}
}

func (l *Listener) streamLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		client, err := l.dial(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Msg("stream dial failed")
			if !l.sleepBackoff(ctx) {
				return
			}
			continue
		}

		logs := make(chan types.Log, l.opts.Buffer)
		sub, err := client.SubscribeFilterLogs(ctx, l.query, logs)
		if err != nil {
			client.Close()
			l.logger.Warn().Err(err).Msg("stream subscribe failed")
			if !l.sleepBackoff(ctx) {
				return
			}
			continue
		}

		l.setStreamOnline(true)
		l.resetBackoff()
		l.logger.Info().Int("pools", len(l.pairs)).Msg("stream online")

		err = l.streamSession(ctx, client, sub, logs)

		l.setStreamOnline(false)
		sub.Unsubscribe()
		client.Close()

		if ctx.Err() != nil {
			return
		}

		l.logger.Warn().Err(err).Msg("stream offline; poll fallback active")
		if !l.sleepBackoff(ctx) {
			return
		}
	}
}

// streamSession blocks until the connection dies or ctx is cancelled.
func (l *Listener) streamSession(ctx context.Context, client StreamClient, sub ethereum.Subscription, logs <-chan types.Log) error {
	heartbeat := time.NewTicker(l.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			// Reorg-removed notifications carry no new buy.
			if lg.Removed {
				continue
			}
			// The cursor trails the streamed block: if the stream dies
			// mid-block, the poll path replays the whole block and dedup
			// absorbs the overlap.
			if lg.BlockNumber > 0 {
				l.advanceCursor(ctx, lg.BlockNumber-1)
			}
			l.handleLog(ctx, lg, detector.SourceStream)
		case <-heartbeat.C:
			tctx, cancel := context.WithTimeout(ctx, l.opts.RequestTimeout)
			latest, err := client.BlockNumber(tctx)
			cancel()
			if err != nil {
				return err
			}
			if latest > 0 {
				l.advanceCursor(ctx, latest-1)
			}
		}
	}
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.StreamOnline() {
				continue
			}
			if !l.beginPoll() {
				continue
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer l.endPoll()
				l.pollOnce(ctx)
			}()
		}
	}
}

// pollOnce fetches one block range [cursor+1, min(cursor+batch, latest)] and
// advances the cursor to the fetched upper bound.
func (l *Listener) pollOnce(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, l.opts.RequestTimeout)
	latest, err := l.fetcher.BlockNumber(tctx)
	cancel()
	if err != nil {
		l.logger.Warn().Err(err).Msg("poll: block number fetch failed")
		return
	}

	cursor := l.Cursor()
	if cursor == 0 {
		if latest == 0 {
			return
		}
		cursor = latest - 1
		l.advanceCursor(ctx, cursor)
	}

	from := cursor + 1
	if from > latest {
		return
	}
	to := cursor + l.opts.PollBatchSize
	if to > latest {
		to = latest
	}

	q := l.query
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := l.fetchLogsWithRetry(ctx, q)
	if err != nil {
		l.logger.Warn().Err(err).Uint64("from", from).Uint64("to", to).Msg("poll: log fetch failed")
		return
	}

	// Causal order for downstream consumers; the RPC may return logs unordered.
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, lg := range logs {
		if ctx.Err() != nil {
			return
		}
		l.handleLog(ctx, lg, detector.SourcePoll)
	}

	if ctx.Err() == nil {
		l.advanceCursor(ctx, to)
		l.logger.Debug().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Msg("poll batch processed")
	}
}

func (l *Listener) fetchLogsWithRetry(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var lastErr error
	for attempt := 0; attempt <= l.opts.FetchRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * l.opts.FetchRetryDelay
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		tctx, cancel := context.WithTimeout(ctx, l.opts.RequestTimeout)
		logs, err := l.fetcher.FilterLogs(tctx, q)
		cancel()
		if err == nil {
			return logs, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		l.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("transient log fetch error; retrying")
	}
	return nil, lastErr
}

func (l *Listener) handleLog(ctx context.Context, lg types.Log, source string) {
	pair, ok := l.pairs[lg.Address]
	if !ok {
		return
	}

	event, err := pair.DecodeBuy(lg, source)
	if err != nil {
		l.logger.Debug().Err(err).Str("tx", lg.TxHash.Hex()).Msg("discarding undecodable swap log")
		return
	}
	if event == nil {
		return
	}

	select {
	case l.events <- event:
	case <-ctx.Done():
	}
}

func (l *Listener) sleepBackoff(ctx context.Context) bool {
	l.mu.Lock()
	idx := l.backoffIdx
	if idx >= len(l.opts.BackoffSteps) {
		idx = len(l.opts.BackoffSteps) - 1
	}
	step := l.opts.BackoffSteps[idx]
	l.backoffIdx++
	l.mu.Unlock()

	l.logger.Debug().Dur("backoff", step).Msg("waiting before next stream attempt")

	timer := time.NewTimer(step)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

func (l *Listener) resetBackoff() {
	l.mu.Lock()
	l.backoffIdx = 0
	l.mu.Unlock()
}

func (l *Listener) setStreamOnline(online bool) {
	l.mu.Lock()
	l.streamOnline = online
	l.mu.Unlock()
}

func (l *Listener) beginPoll() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pollBusy {
		return false
	}
	l.pollBusy = true
	return true
}

func (l *Listener) endPoll() {
	l.mu.Lock()
	l.pollBusy = false
	l.mu.Unlock()
}

// advanceCursor moves the poll cursor forward, never backward.
func (l *Listener) advanceCursor(ctx context.Context, block uint64) {
	l.mu.Lock()
	if block <= l.cursor {
		l.mu.Unlock()
		return
	}
	l.cursor = block
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink(ctx, block)
	}
}
