package bitget

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantedge/bitget-mm/internal/config"
	"github.com/quantedge/bitget-mm/internal/types"
)

func testSymbolsConfig() config.SymbolsConfig {
	return config.SymbolsConfig{
		Spot: config.SymbolConfig{InstType: "SPOT", Symbol: "ETHUSDT"},
		Perp: config.SymbolConfig{
			InstType: "USDT-FUTURES", Symbol: "ETHUSDT",
			ProductType: "USDT-FUTURES", MarginMode: "crossed", MarginCoin: "USDT",
		},
	}
}

func TestPlaceOrderPayloadSpot(t *testing.T) {
	req := types.OrderRequest{
		InstType:  types.InstSpot,
		Symbol:    "ETHUSDT",
		Side:      types.SideBuy,
		OrderType: types.OrderTypeLimit,
		Size:      decimal.NewFromFloat(0.1),
		Price:     decimal.NewFromFloat(2000),
		HasPrice:  true,
		Force:     types.TimeInForcePostOnly,
		ClientOID: "HEDGE-1-abcdef0123",
	}
	data, path, err := placeOrderPayload(req, testSymbolsConfig())
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/spot/trade/place-order", path)
	assert.Equal(t, "2000", data["price"])
	assert.Equal(t, "post_only", data["force"])
	assert.NotContains(t, data, "reduceOnly")
}

func TestPlaceOrderPayloadPerp(t *testing.T) {
	req := types.OrderRequest{
		InstType:   types.InstUSDTFutures,
		Symbol:     "ETHUSDT",
		Side:       types.SideSell,
		OrderType:  types.OrderTypeMarket,
		Size:       decimal.NewFromFloat(0.1),
		ReduceOnly: true,
		ClientOID:  "FLATTEN-1-abcdef0123",
	}
	data, path, err := placeOrderPayload(req, testSymbolsConfig())
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/mix/order/place-order", path)
	assert.Equal(t, "crossed", data["marginMode"])
	assert.Equal(t, "YES", data["reduceOnly"])
	assert.NotContains(t, data, "price")
}

func TestCancelOrderPayloadPerp(t *testing.T) {
	data, path, err := cancelOrderPayload(types.InstUSDTFutures, "ETHUSDT", "oid-1", "", testSymbolsConfig())
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/mix/order/cancel-order", path)
	assert.Equal(t, "oid-1", data["orderId"])
	assert.NotContains(t, data, "clientOid")
}

func TestPublicSubscribePayload(t *testing.T) {
	p := publicSubscribePayload(testSymbolsConfig(), "books5")
	assert.Equal(t, "subscribe", p.Op)
	require.Len(t, p.Args, 2)
	assert.Equal(t, "books5", p.Args[0].Channel)
}

func TestPrivateSubscribePayload(t *testing.T) {
	p := privateSubscribePayload(testSymbolsConfig())
	assert.Equal(t, "subscribe", p.Op)
	assert.Len(t, p.Args, 5)
}
