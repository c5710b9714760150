package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastex/forecastex/internal/collateral"
	"github.com/forecastex/forecastex/internal/config"
	"github.com/forecastex/forecastex/internal/consensus"
	"github.com/forecastex/forecastex/internal/database"
	"github.com/forecastex/forecastex/internal/engine"
	"github.com/forecastex/forecastex/internal/models"
	"github.com/forecastex/forecastex/internal/signing"
)

func newTestServer(t *testing.T) (*Server, *collateral.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:server_%s?mode=memory&cache=shared", uuid.New().String())
	db, err := database.OpenSQLite(dsn)
	require.NoError(t, err)

	store := collateral.NewStore(db, nil)
	guard := collateral.NewGuard(store, nil)
	queue := consensus.NewQueue(db, nil)
	eng := engine.New(db, signing.NewVerifier(), store, guard, queue, engine.Options{}, nil)
	monitor := consensus.NewMonitor(queue, time.Minute, 2*time.Hour, 7*24*time.Hour, nil)

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, eng, monitor, nil)
	return srv, store
}

type signedRequest struct {
	body  map[string]any
	maker string
}

func makeSignedOrder(t *testing.T, store *collateral.Store, side string, price, qty int64) signedRequest {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	require.NoError(t, store.Credit(context.Background(), addr, 1_000_000))

	o := &models.Order{
		ID:            uuid.New(),
		MarketID:      "mkt-1",
		Maker:         addr,
		Side:          side,
		PriceTicks:    price,
		Quantity:      qty,
		TimeInForce:   models.TimeInForceGTC,
		ExpiresAt:     time.Unix(time.Now().Add(time.Hour).Unix(), 0),
		Nonce:         1,
		MaxCollateral: models.RequiredCollateralTicks(side, price, qty),
	}
	sig, err := signing.Sign(o, key)
	require.NoError(t, err)

	return signedRequest{
		maker: addr,
		body: map[string]any{
			"orderId":       o.ID.String(),
			"marketId":      o.MarketID,
			"maker":         o.Maker,
			"side":          o.Side,
			"priceTicks":    o.PriceTicks,
			"qty":           o.Quantity,
			"tif":           o.TimeInForce,
			"expiry":        o.ExpiresAt.Unix(),
			"nonce":         o.Nonce,
			"maxCollateral": o.MaxCollateral,
			"signature":     "0x" + hex.EncodeToString(sig),
		},
	}
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitOrderEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	buy := makeSignedOrder(t, store, models.SideBuy, 55, 10)
	w := postJSON(t, srv, "/api/v1/orders", buy.body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp engine.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, models.OrderStatusPublished, resp.Status)

	sell := makeSignedOrder(t, store, models.SideSell, 50, 10)
	w = postJSON(t, srv, "/api/v1/orders", sell.body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, int64(55), resp.Trades[0].PriceTicks)
}

func TestSubmitOrderValidation(t *testing.T) {
	srv, store := newTestServer(t)

	good := makeSignedOrder(t, store, models.SideBuy, 55, 10)

	missing := map[string]any{}
	for k, v := range good.body {
		missing[k] = v
	}
	delete(missing, "signature")
	w := postJSON(t, srv, "/api/v1/orders", missing)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	badSide := map[string]any{}
	for k, v := range good.body {
		badSide[k] = v
	}
	badSide["side"] = "HOLD"
	w = postJSON(t, srv, "/api/v1/orders", badSide)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	badSig := map[string]any{}
	for k, v := range good.body {
		badSig[k] = v
	}
	badSig["signature"] = "not-hex"
	w = postJSON(t, srv, "/api/v1/orders", badSig)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitOrderSignatureRejection(t *testing.T) {
	srv, store := newTestServer(t)

	req := makeSignedOrder(t, store, models.SideBuy, 55, 10)
	req.body["priceTicks"] = int64(60) // breaks the signature

	w := postJSON(t, srv, "/api/v1/orders", req.body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "InvalidSignature", resp["kind"])
}

func TestCancelOrderEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	req := makeSignedOrder(t, store, models.SideBuy, 40, 5)
	w := postJSON(t, srv, "/api/v1/orders", req.body)
	require.Equal(t, http.StatusOK, w.Code)

	orderID := req.body["orderId"].(string)

	// Missing query params.
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/orders/"+orderID, nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Wrong owner.
	r = httptest.NewRequest(http.MethodDelete,
		"/api/v1/orders/"+orderID+"?marketId=mkt-1&accountId=0xdeadbeef", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Owner cancels.
	r = httptest.NewRequest(http.MethodDelete,
		"/api/v1/orders/"+orderID+"?marketId=mkt-1&accountId="+req.maker, nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Cancelling again is a 404.
	r = httptest.NewRequest(http.MethodDelete,
		"/api/v1/orders/"+orderID+"?marketId=mkt-1&accountId="+req.maker, nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderBookEndpoint(t *testing.T) {
	srv, store := newTestServer(t)

	for _, o := range []struct {
		side  string
		price int64
	}{
		{models.SideBuy, 45},
		{models.SideBuy, 40},
		{models.SideSell, 55},
	} {
		req := makeSignedOrder(t, store, o.side, o.price, 5)
		w := postJSON(t, srv, "/api/v1/orders", req.body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v1/orderbook?marketId=mkt-1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var snap struct {
		MarketID string `json:"marketId"`
		Bids     []struct {
			Price    int64 `json:"price"`
			Quantity int64 `json:"quantity"`
		} `json:"bids"`
		Asks []struct {
			Price int64 `json:"price"`
		} `json:"asks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "mkt-1", snap.MarketID)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, int64(45), snap.Bids[0].Price, "best bid first")
	require.Len(t, snap.Asks, 1)

	// Missing market id.
	r = httptest.NewRequest(http.MethodGet, "/api/v1/orderbook", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bad depth.
	r = httptest.NewRequest(http.MethodGet, "/api/v1/orderbook?marketId=mkt-1&depth=zero", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarketEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := postJSON(t, srv, "/api/v1/markets", map[string]any{
		"marketId": "mkt-rain",
		"title":    "Will it rain tomorrow",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var market models.Market
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &market))
	assert.Equal(t, "mkt-rain", market.ID)
	assert.Equal(t, models.MarketStatusOpen, market.Status)

	// Creation is idempotent.
	w = postJSON(t, srv, "/api/v1/markets", map[string]any{
		"marketId": "mkt-rain",
		"title":    "Will it rain tomorrow",
	})
	require.Equal(t, http.StatusOK, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/markets/mkt-rain", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/markets/nope", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing title.
	w = postJSON(t, srv, "/api/v1/markets", map[string]any{"marketId": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/system/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unknown", resp["status"], "no sweep has run yet")
}
