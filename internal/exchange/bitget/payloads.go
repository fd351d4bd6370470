package bitget

import (
	"fmt"

	"github.com/quantedge/bitget-mm/internal/config"
	"github.com/quantedge/bitget-mm/internal/types"
)

// placeOrderPayload builds the REST body for an order placement request,
// shaping spot and perp fields differently exactly as
// original_source/bot/exchange/bitget_gateway.py's place_order does.
func placeOrderPayload(req types.OrderRequest, symCfg config.SymbolsConfig) (map[string]interface{}, string, error) {
	switch req.InstType {
	case types.InstSpot:
		data := map[string]interface{}{
			"symbol":    req.Symbol,
			"side":      string(req.Side),
			"orderType": string(req.OrderType),
			"size":      req.Size.String(),
			"clientOid": req.ClientOID,
		}
		if req.HasPrice {
			data["price"] = req.Price.String()
		}
		if req.Force != "" {
			data["force"] = string(req.Force)
		}
		return data, "/api/v2/spot/trade/place-order", nil

	case types.InstUSDTFutures:
		perp := symCfg.Perp
		data := map[string]interface{}{
			"symbol":      req.Symbol,
			"productType": perp.ProductType,
			"marginMode":  perp.MarginMode,
			"marginCoin":  perp.MarginCoin,
			"side":        string(req.Side),
			"orderType":   string(req.OrderType),
			"size":        req.Size.String(),
			"clientOid":   req.ClientOID,
		}
		if req.HasPrice {
			data["price"] = req.Price.String()
		}
		if req.Force != "" {
			data["timeInForceValue"] = string(req.Force)
		}
		data["reduceOnly"] = "NO"
		if req.ReduceOnly {
			data["reduceOnly"] = "YES"
		}
		return data, "/api/v2/mix/order/place-order", nil
	}
	return nil, "", fmt.Errorf("unsupported inst_type: %s", req.InstType)
}

// cancelOrderPayload builds the REST body for a cancel-order request.
func cancelOrderPayload(inst types.InstType, symbol, orderID, clientOID string, symCfg config.SymbolsConfig) (map[string]interface{}, string, error) {
	switch inst {
	case types.InstSpot:
		data := map[string]interface{}{"symbol": symbol}
		if orderID != "" {
			data["orderId"] = orderID
		}
		if clientOID != "" {
			data["clientOid"] = clientOID
		}
		return data, "/api/v2/spot/trade/cancel-order", nil

	case types.InstUSDTFutures:
		data := map[string]interface{}{
			"symbol":      symbol,
			"productType": symCfg.Perp.ProductType,
		}
		if orderID != "" {
			data["orderId"] = orderID
		}
		if clientOID != "" {
			data["clientOid"] = clientOID
		}
		return data, "/api/v2/mix/order/cancel-order", nil
	}
	return nil, "", fmt.Errorf("unsupported inst_type: %s", inst)
}

// subscribeArg is one WS subscribe/unsubscribe arg entry.
type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type subscribePayload struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

func publicSubscribePayload(symCfg config.SymbolsConfig, channel string) subscribePayload {
	spot := symCfg.Spot
	perp := symCfg.Perp
	return subscribePayload{
		Op: "subscribe",
		Args: []subscribeArg{
			{InstType: spot.InstType, Channel: channel, InstID: spot.Symbol},
			{InstType: perp.InstType, Channel: channel, InstID: perp.Symbol},
		},
	}
}

func publicUnsubscribePayload(symCfg config.SymbolsConfig, channel string) subscribePayload {
	p := publicSubscribePayload(symCfg, channel)
	p.Op = "unsubscribe"
	return p
}

func privateSubscribePayload(symCfg config.SymbolsConfig) subscribePayload {
	spot := symCfg.Spot
	perp := symCfg.Perp
	return subscribePayload{
		Op: "subscribe",
		Args: []subscribeArg{
			{InstType: spot.InstType, Channel: "orders", InstID: spot.Symbol},
			{InstType: spot.InstType, Channel: "fill", InstID: spot.Symbol},
			{InstType: perp.InstType, Channel: "orders", InstID: "default"},
			{InstType: perp.InstType, Channel: "fill", InstID: "default"},
			{InstType: perp.InstType, Channel: "positions", InstID: "default"},
		},
	}
}
