package polymarket

// trading.go — ejecución real de órdenes de mercado vía CLOB API.
//
// Implements ports.OrderSubmitter using AuthClient for L1/L2 auth.
// Every copy order is a FOK (fill-or-kill) taker order priced at the top
// level of the book; the engine re-reads the book before each attempt.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// clobOrderRequest is the JSON body sent to POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

const (
	orderTypeFOK  = "FOK"
	statusMatched = "matched"
)

// TradingClient implements ports.OrderSubmitter.
type TradingClient struct {
	auth    *AuthClient
	negRisk sync.Map // tokenID → bool
}

// NewTradingClient crea un TradingClient sobre un AuthClient.
func NewTradingClient(auth *AuthClient) *TradingClient {
	return &TradingClient{auth: auth}
}

// GetOrderBook delega en el cliente público.
func (tc *TradingClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	return tc.auth.GetOrderBook(ctx, tokenID)
}

// SubmitMarketOrder firma y envía una orden FOK. Amount is USDC for BUY and
// tokens for SELL. A rejection for balance or allowance wraps
// domain.ErrInsufficientFunds; anything else is retryable by the caller.
func (tc *TradingClient) SubmitMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.Fill, error) {
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return domain.Fill{}, fmt.Errorf("submit order: creds: %w", err)
	}

	negRisk, err := tc.isNegRisk(ctx, order.Asset)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("submit order: %w", err)
	}

	maker, taker, err := marketAmounts(order.Side, order.Amount, order.Price)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("submit order: %w", err)
	}

	signed, err := tc.auth.buildSignedOrder(order.Asset, order.Side, maker, taker, negRisk)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("submit order: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       order.Asset,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(order.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     tc.auth.creds.APIKey,
		OrderType: orderTypeFOK,
	}

	var resp clobOrderResponse
	if err := tc.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return domain.Fill{}, classifyOrderError(fmt.Errorf("submit order: post: %w", err))
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return domain.Fill{}, classifyOrderError(fmt.Errorf("submit order: clob error: %s", resp.ErrorMsg))
	}

	fill := fillFromResponse(order, resp, maker, taker)
	slog.Debug("polymarket: order accepted",
		"order", resp.OrderID,
		"status", resp.Status,
		"tokens", fill.Tokens,
		"usdc", fill.USDC,
	)
	return fill, nil
}

func (tc *TradingClient) isNegRisk(ctx context.Context, tokenID string) (bool, error) {
	if v, ok := tc.negRisk.Load(tokenID); ok {
		return v.(bool), nil
	}
	neg, err := tc.auth.IsNegRisk(ctx, tokenID)
	if err != nil {
		return false, err
	}
	tc.negRisk.Store(tokenID, neg)
	return neg, nil
}

// marketAmounts converts an order into maker/taker base units (6 decimals).
// BUY: maker pays USDC (2 decimals), taker receives tokens (4 decimals).
// SELL: maker gives tokens (2 decimals), taker receives USDC (4 decimals).
func marketAmounts(side domain.Side, amount, price float64) (maker, taker *big.Int, err error) {
	if price <= 0 || price >= 1 {
		return nil, nil, fmt.Errorf("invalid price %.4f", price)
	}
	p := decimal.NewFromFloat(price)
	a := decimal.NewFromFloat(amount).Truncate(2)

	var other decimal.Decimal
	if side == domain.SideBuy {
		other = a.Div(p).Truncate(4)
	} else {
		other = a.Mul(p).Truncate(4)
	}
	if !a.IsPositive() || !other.IsPositive() {
		return nil, nil, fmt.Errorf("amount %.4f too small at price %.4f", amount, price)
	}
	return a.Shift(6).BigInt(), other.Shift(6).BigInt(), nil
}

// fillFromResponse reads what filled. The CLOB reports human-unit amounts
// and may omit either side; a missing side is the signed amount, which is
// all a FOK can fill. Anything but "matched" is accepted without a
// confirmed fill and must not be re-posted.
func fillFromResponse(order domain.MarketOrder, resp clobOrderResponse, maker, taker *big.Int) domain.Fill {
	making := parseAmount(resp.MakingAmount)
	if making <= 0 {
		making = decimal.NewFromBigInt(maker, -6).InexactFloat64()
	}
	taking := parseAmount(resp.TakingAmount)
	if taking <= 0 {
		taking = decimal.NewFromBigInt(taker, -6).InexactFloat64()
	}

	fill := domain.Fill{
		OrderID: resp.OrderID,
		Pending: !strings.EqualFold(resp.Status, statusMatched),
	}
	if order.Side == domain.SideBuy {
		fill.USDC, fill.Tokens = making, taking
	} else {
		fill.Tokens, fill.USDC = making, taking
	}
	return fill
}

// classifyOrderError wraps the sentinels the executor branches on.
func classifyOrderError(err error) error {
	msg := err.Error()
	switch {
	case domain.MessageIsInsufficientFunds(msg):
		return fmt.Errorf("%w: %v", domain.ErrInsufficientFunds, err)
	case isFOKKill(msg):
		return fmt.Errorf("%w: %v", domain.ErrNoLiquidity, err)
	}
	return err
}

// isFOKKill matches "order couldn't be fully filled. FOK orders are fully
// filled or killed." and the no-match variant.
func isFOKKill(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "fully filled") || strings.Contains(msg, "no orders found to match")
}

func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
