package polymarket_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

// --- helpers ---

type orderBody struct {
	Order struct {
		Maker         string `json:"maker"`
		Signer        string `json:"signer"`
		TokenID       string `json:"tokenId"`
		MakerAmount   string `json:"makerAmount"`
		TakerAmount   string `json:"takerAmount"`
		Side          string `json:"side"`
		SignatureType int    `json:"signatureType"`
		Signature     string `json:"signature"`
	} `json:"order"`
	Owner     string `json:"owner"`
	OrderType string `json:"orderType"`
}

// newCLOB serves derive-api-key, neg-risk and /order. handleOrder writes the /order response.
func newCLOB(t *testing.T, orders *atomic.Int32, handleOrder func(w http.ResponseWriter, body orderBody)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/derive-api-key":
			assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
			w.Write([]byte(`{"apiKey":"key-1","secret":"c2VjcmV0LXNlY3JldA==","passphrase":"pass"}`))
		case "/neg-risk":
			w.Write([]byte(`{"neg_risk": false}`))
		case "/order":
			orders.Add(1)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "key-1", r.Header.Get("POLY_API_KEY"))
			var body orderBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			handleOrder(w, body)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTradingClient(t *testing.T, srv *httptest.Server, proxy string) (*polymarket.TradingClient, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := polymarket.NewAuthClient(srv.URL, "", hex.EncodeToString(crypto.FromECDSA(key)), proxy)
	require.NoError(t, err)
	return polymarket.NewTradingClient(auth), auth.Address()
}

// --- tests ---

func TestSubmitMarketOrder_BuyFOK(t *testing.T) {
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, body orderBody) {
		assert.Equal(t, "FOK", body.OrderType)
		assert.Equal(t, "BUY", body.Order.Side)
		assert.Equal(t, "tok-1", body.Order.TokenID)
		assert.Equal(t, "10000000", body.Order.MakerAmount, "$10.00 in micro-USDC")
		assert.Equal(t, "20000000", body.Order.TakerAmount, "20 tokens at 0.50")
		assert.Equal(t, 0, body.Order.SignatureType)
		w.Write([]byte(`{"success":true,"orderID":"0xorder","status":"matched","makingAmount":"10","takingAmount":"20"}`))
	})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, "")
	fill, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideBuy, Amount: 10, Price: 0.5,
	})

	require.NoError(t, err)
	assert.Equal(t, "0xorder", fill.OrderID)
	assert.InDelta(t, 10.0, fill.USDC, 1e-9)
	assert.InDelta(t, 20.0, fill.Tokens, 1e-9)
	assert.EqualValues(t, 1, orders.Load())
}

func TestSubmitMarketOrder_SellThroughProxy(t *testing.T) {
	const proxy = "0x1111111111111111111111111111111111111111"
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, body orderBody) {
		assert.Equal(t, "SELL", body.Order.Side)
		assert.Equal(t, proxy, body.Order.Maker)
		assert.NotEqual(t, proxy, body.Order.Signer)
		assert.Equal(t, 1, body.Order.SignatureType, "POLY_PROXY")
		assert.Equal(t, "42500000", body.Order.MakerAmount)
		assert.Equal(t, "17000000", body.Order.TakerAmount)
		w.Write([]byte(`{"success":true,"orderID":"0xsell","status":"matched"}`))
	})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, proxy)
	fill, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideSell, Amount: 42.5, Price: 0.4,
	})

	require.NoError(t, err)
	assert.InDelta(t, 42.5, fill.Tokens, 1e-9, "matched without amounts fills what was signed")
	assert.InDelta(t, 17.0, fill.USDC, 1e-9)
}

func TestSubmitMarketOrder_InsufficientFunds(t *testing.T) {
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, _ orderBody) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"not enough balance / allowance"}`))
	})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, "")
	_, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideBuy, Amount: 10, Price: 0.5,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestSubmitMarketOrder_ServerErrorSentOnce(t *testing.T) {
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, _ orderBody) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, "")
	_, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideBuy, Amount: 10, Price: 0.5,
	})

	require.Error(t, err)
	assert.False(t, domain.IsInsufficientFunds(err))
	assert.EqualValues(t, 1, orders.Load(), "orders are never re-posted inside the client")
}

func TestSubmitMarketOrder_RejectedFOK(t *testing.T) {
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, _ orderBody) {
		w.Write([]byte(`{"success":false,"errorMsg":"order couldn't be fully filled. FOK orders are fully filled or killed."}`))
	})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, "")
	_, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideBuy, Amount: 10, Price: 0.5,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "FOK")
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)
	assert.False(t, domain.IsInsufficientFunds(err))
}

func TestSubmitMarketOrder_MatchedWithOneAmount(t *testing.T) {
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, _ orderBody) {
		w.Write([]byte(`{"success":true,"orderID":"0xorder","status":"matched","takingAmount":"20"}`))
	})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, "")
	fill, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideBuy, Amount: 10, Price: 0.5,
	})

	require.NoError(t, err)
	assert.InDelta(t, 20.0, fill.Tokens, 1e-9)
	assert.InDelta(t, 10.0, fill.USDC, 1e-9, "missing side taken from the signed maker amount")
	assert.False(t, fill.Pending)
}

func TestSubmitMarketOrder_DelayedIsPending(t *testing.T) {
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, _ orderBody) {
		w.Write([]byte(`{"success":true,"orderID":"0xdelayed","status":"delayed"}`))
	})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, "")
	fill, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideBuy, Amount: 10, Price: 0.5,
	})

	require.NoError(t, err)
	assert.True(t, fill.Pending)
	assert.Equal(t, "0xdelayed", fill.OrderID)
	assert.InDelta(t, 10.0, fill.USDC, 1e-9)
	assert.InDelta(t, 20.0, fill.Tokens, 1e-9)
	assert.EqualValues(t, 1, orders.Load())
}

func TestSubmitMarketOrder_InvalidPrice(t *testing.T) {
	var orders atomic.Int32
	srv := newCLOB(t, &orders, func(w http.ResponseWriter, _ orderBody) {})
	defer srv.Close()

	tc, _ := newTradingClient(t, srv, "")
	_, err := tc.SubmitMarketOrder(context.Background(), domain.MarketOrder{
		Asset: "tok-1", Side: domain.SideBuy, Amount: 10, Price: 1.2,
	})

	require.Error(t, err)
	assert.Zero(t, orders.Load())
}
