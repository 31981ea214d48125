package polymarket

// clob.go — lecturas públicas del CLOB: orderbook de un token y flag neg-risk.

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	bookPath    = "/book"
	negRiskPath = "/neg-risk"
)

// GetOrderBook obtiene el orderbook actual de un token (GET /book).
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	u := fmt.Sprintf("%s%s?token_id=%s", c.clobBase, bookPath, url.QueryEscape(tokenID))

	var resp orderBookResponse
	if err := c.get(ctx, c.bookLimiter, u, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("clob.GetOrderBook: %w", err)
	}

	book := mapOrderBook(resp)
	if book.TokenID == "" {
		book.TokenID = tokenID
	}
	slog.Debug("polymarket: order book fetched",
		"token", shortID(tokenID),
		"bids", len(book.Bids),
		"asks", len(book.Asks),
	)
	return book, nil
}

// IsNegRisk indica si el token opera con el NegRisk adapter.
func (c *Client) IsNegRisk(ctx context.Context, tokenID string) (bool, error) {
	u := fmt.Sprintf("%s%s?token_id=%s", c.clobBase, negRiskPath, url.QueryEscape(tokenID))

	var resp negRiskResponse
	if err := c.get(ctx, c.clobLimiter, u, &resp); err != nil {
		return false, fmt.Errorf("clob.IsNegRisk: %w", err)
	}
	return resp.NegRisk, nil
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:8] + "..."
}
