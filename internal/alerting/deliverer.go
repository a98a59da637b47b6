package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"buy-alerts/internal/detector"
)

// Payload is either plain text or an image with caption.
type Payload struct {
	Text     string
	PhotoURL string
}

// Deliverer 定义告警投递接口。The pipeline does not manage destination
// connectivity; it only calls this capability per configured destination.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, payload Payload) error
}

// RenderBuyMessage builds the alert text for a vetted buy.
func RenderBuyMessage(event *detector.BuyEvent, usd decimal.Decimal, buyer common.Address, at time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s Buy]\n", event.Symbol))
	builder.WriteString(fmt.Sprintf("Spent: %s (≈$%s)\n", event.RefIn.StringFixed(4), usd.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Received: %s %s\n", event.TokenOut.StringFixed(4), event.Symbol))
	builder.WriteString(fmt.Sprintf("Buyer: %s\n", buyer.Hex()))
	builder.WriteString(fmt.Sprintf("Tx: %s\n", event.TxHash.Hex()))
	builder.WriteString(fmt.Sprintf("Block: %d (%s)\n", event.BlockNumber, event.Source))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", at.UTC().Format(time.RFC3339)))
	return builder.String()
}
