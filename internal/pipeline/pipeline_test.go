package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"buy-alerts/internal/alerting"
	"buy-alerts/internal/detector"
	"buy-alerts/internal/storage"
)

type fakeDedup struct {
	seen map[string]bool
}

func (f *fakeDedup) IsDuplicateAndMark(_ context.Context, key string) bool {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return true
	}
	f.seen[key] = true
	return false
}

type fakeCooldown struct {
	active map[string]bool
	hits   []string
}

func (f *fakeCooldown) IsInCooldown(symbol string) bool { return f.active[symbol] }
func (f *fakeCooldown) Hit(symbol string)               { f.hits = append(f.hits, symbol) }

type staticPrice struct {
	price decimal.Decimal
	ok    bool
}

func (s staticPrice) Price() (decimal.Decimal, bool) { return s.price, s.ok }

type fakeMev struct {
	flag bool
}

func (f fakeMev) Suspicious(_ context.Context, _ common.Hash) bool { return f.flag }

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string]alerting.Payload
	failFor   map[string]error
}

func (f *fakeDeliverer) Deliver(_ context.Context, destination string, payload alerting.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[destination]; err != nil {
		return err
	}
	if f.delivered == nil {
		f.delivered = make(map[string]alerting.Payload)
	}
	f.delivered[destination] = payload
	return nil
}

type fakeRecorder struct {
	records []storage.AlertRecord
}

func (f *fakeRecorder) InsertAlert(_ context.Context, alert storage.AlertRecord) (storage.AlertRecord, error) {
	f.records = append(f.records, alert)
	return alert, nil
}

func buyEvent(refIn string) *detector.BuyEvent {
	amount, _ := decimal.NewFromString(refIn)
	return &detector.BuyEvent{
		Symbol:      "TKN",
		TxHash:      common.HexToHash("0xabc1"),
		LogIndex:    7,
		BlockNumber: 1234,
		Recipient:   common.HexToAddress("0x5000000000000000000000000000000000000005"),
		RefIn:       amount,
		TokenOut:    decimal.NewFromInt(42),
		Source:      detector.SourceStream,
	}
}

func newTestPipeline(opts Options, dedup Dedup, price PriceSource, cooldown Cooldown, mev MevChecker, deliverer alerting.Deliverer, recorder AlertRecorder) *Pipeline {
	return New(opts, dedup, price, cooldown, mev, nil, deliverer, recorder, zerolog.Nop())
}

func TestPipelineDelivers(t *testing.T) {
	deliverer := &fakeDeliverer{}
	recorder := &fakeRecorder{}
	cooldown := &fakeCooldown{active: map[string]bool{}}
	opts := Options{
		MinUSD:       decimal.NewFromInt(200),
		Destinations: []string{"-100a", "-100b"},
	}

	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{price: decimal.NewFromInt(3000), ok: true}, cooldown, fakeMev{}, deliverer, recorder)

	outcome := p.Process(context.Background(), buyEvent("1.5"))
	if !outcome.Delivered {
		t.Fatalf("expected delivery, dropped as %s", outcome.DropReason)
	}
	if outcome.USD.String() != "4500" {
		t.Fatalf("usd = %s, want 4500", outcome.USD.String())
	}
	if len(deliverer.delivered) != 2 {
		t.Fatalf("delivered to %d destinations, want 2", len(deliverer.delivered))
	}
	if len(cooldown.hits) != 1 || cooldown.hits[0] != "TKN" {
		t.Fatalf("cooldown hits = %v", cooldown.hits)
	}
	if len(recorder.records) != 1 {
		t.Fatalf("recorded %d alerts, want 1", len(recorder.records))
	}
	if got := recorder.records[0].USDValue.String(); got != "4500" {
		t.Fatalf("recorded usd = %s", got)
	}
}

func TestPipelineDuplicateDrop(t *testing.T) {
	deliverer := &fakeDeliverer{}
	opts := Options{MinUSD: decimal.NewFromInt(200), Destinations: []string{"-100a"}}
	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{price: decimal.NewFromInt(3000), ok: true}, &fakeCooldown{}, fakeMev{}, deliverer, nil)

	first := p.Process(context.Background(), buyEvent("1"))
	if !first.Delivered {
		t.Fatalf("first occurrence must deliver, dropped as %s", first.DropReason)
	}

	second := p.Process(context.Background(), buyEvent("1"))
	if second.DropReason != DropDuplicate {
		t.Fatalf("drop reason = %q, want %q", second.DropReason, DropDuplicate)
	}
	if len(deliverer.delivered) != 1 {
		t.Fatal("duplicate must not be delivered again")
	}
}

func TestPipelinePriceUnavailable(t *testing.T) {
	opts := Options{MinUSD: decimal.NewFromInt(200), Destinations: []string{"-100a"}}
	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{}, &fakeCooldown{}, fakeMev{}, &fakeDeliverer{}, nil)

	outcome := p.Process(context.Background(), buyEvent("1"))
	if outcome.DropReason != DropPriceUnavailable {
		t.Fatalf("drop reason = %q, want %q", outcome.DropReason, DropPriceUnavailable)
	}
}

func TestPipelineUSDThresholdBoundary(t *testing.T) {
	opts := Options{MinUSD: decimal.NewFromInt(200), Destinations: []string{"-100a"}}
	price := staticPrice{price: decimal.NewFromInt(1), ok: true}

	cases := []struct {
		refIn     string
		delivered bool
	}{
		{"199.99", false},
		{"200", true},
		{"200.01", true},
	}
	for _, tc := range cases {
		p := newTestPipeline(opts, &fakeDedup{}, price, &fakeCooldown{}, fakeMev{}, &fakeDeliverer{}, nil)
		outcome := p.Process(context.Background(), buyEvent(tc.refIn))
		if outcome.Delivered != tc.delivered {
			t.Fatalf("ref_in %s: delivered = %v, want %v (reason %q)", tc.refIn, outcome.Delivered, tc.delivered, outcome.DropReason)
		}
		if !tc.delivered && outcome.DropReason != DropBelowMinUSD {
			t.Fatalf("ref_in %s: drop reason = %q", tc.refIn, outcome.DropReason)
		}
	}
}

func TestPipelineCooldownDrop(t *testing.T) {
	cooldown := &fakeCooldown{active: map[string]bool{"TKN": true}}
	opts := Options{MinUSD: decimal.NewFromInt(200), Destinations: []string{"-100a"}}
	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{price: decimal.NewFromInt(3000), ok: true}, cooldown, fakeMev{}, &fakeDeliverer{}, nil)

	outcome := p.Process(context.Background(), buyEvent("1"))
	if outcome.DropReason != DropCooldown {
		t.Fatalf("drop reason = %q, want %q", outcome.DropReason, DropCooldown)
	}
	if len(cooldown.hits) != 0 {
		t.Fatal("a dropped candidate must not extend the cooldown")
	}
}

func TestPipelineMevDrop(t *testing.T) {
	opts := Options{MinUSD: decimal.NewFromInt(200), Destinations: []string{"-100a"}}
	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{price: decimal.NewFromInt(3000), ok: true}, &fakeCooldown{}, fakeMev{flag: true}, &fakeDeliverer{}, nil)

	outcome := p.Process(context.Background(), buyEvent("1"))
	if outcome.DropReason != DropMev {
		t.Fatalf("drop reason = %q, want %q", outcome.DropReason, DropMev)
	}
}

func TestPipelinePartialDeliveryFailure(t *testing.T) {
	deliverer := &fakeDeliverer{failFor: map[string]error{"-100b": errors.New("chat not found")}}
	recorder := &fakeRecorder{}
	opts := Options{MinUSD: decimal.NewFromInt(200), Destinations: []string{"-100a", "-100b", "-100c"}}
	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{price: decimal.NewFromInt(3000), ok: true}, &fakeCooldown{}, fakeMev{}, deliverer, recorder)

	outcome := p.Process(context.Background(), buyEvent("1"))
	if !outcome.Delivered {
		t.Fatalf("partial failure must still count as delivered, dropped as %s", outcome.DropReason)
	}
	if len(outcome.Succeeded) != 2 {
		t.Fatalf("succeeded = %v, want 2 destinations", outcome.Succeeded)
	}
	if _, ok := outcome.Failed["-100b"]; !ok || len(outcome.Failed) != 1 {
		t.Fatalf("failed = %v, want only -100b", outcome.Failed)
	}
	if len(recorder.records) != 1 || len(recorder.records[0].Failed) != 1 {
		t.Fatalf("audit record must carry the failed destination, got %+v", recorder.records)
	}
}

func TestPipelineBuyerFallback(t *testing.T) {
	deliverer := &fakeDeliverer{}
	opts := Options{MinUSD: decimal.NewFromInt(200), Destinations: []string{"-100a"}}
	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{price: decimal.NewFromInt(3000), ok: true}, &fakeCooldown{}, fakeMev{}, deliverer, nil)

	event := buyEvent("1")
	outcome := p.Process(context.Background(), event)
	if !outcome.Delivered {
		t.Fatalf("expected delivery, dropped as %s", outcome.DropReason)
	}

	payload := deliverer.delivered["-100a"]
	if !strings.Contains(payload.Text, event.Recipient.Hex()) {
		t.Fatalf("without a tx fetcher the recipient must be reported as buyer:\n%s", payload.Text)
	}
}

func TestPipelinePhotoPayload(t *testing.T) {
	deliverer := &fakeDeliverer{}
	opts := Options{
		MinUSD:       decimal.NewFromInt(200),
		Destinations: []string{"-100a"},
		PhotoURLs:    map[string]string{"TKN": "https://example.com/tkn.png"},
	}
	p := newTestPipeline(opts, &fakeDedup{}, staticPrice{price: decimal.NewFromInt(3000), ok: true}, &fakeCooldown{}, fakeMev{}, deliverer, nil)

	if outcome := p.Process(context.Background(), buyEvent("1")); !outcome.Delivered {
		t.Fatalf("expected delivery, dropped as %s", outcome.DropReason)
	}
	if got := deliverer.delivered["-100a"].PhotoURL; got != "https://example.com/tkn.png" {
		t.Fatalf("photo url = %q", got)
	}
}
