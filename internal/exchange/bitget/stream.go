package bitget

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantedge/bitget-mm/internal/marketdata"
	"github.com/quantedge/bitget-mm/internal/types"
)

const reconnectDelay = 3 * time.Second

// RunPublicWS holds the public book-depth connection open, bootstrapping
// both legs' books before declaring itself ready and falling back from
// "books" to "books5" if the full-depth channel never bootstraps in time.
// Grounded on run_public_ws/_wait_for_book_bootstrap.
func (g *Gateway) RunPublicWS(ctx context.Context) error {
	bookTimeout := g.bookBootTimeout()
	channel := "books"

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, ready, msgCh, readErrCh, err := g.connectPublic(ctx, channel, bookTimeout)
		if err != nil {
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		if !ready {
			if channel == "books" {
				channel = g.fallbackToBooks5(conn)
				continue
			}
			_ = conn.Close()
			g.logEvent("book_fallback_failed", map[string]interface{}{"channel": channel})
			g.clearControlledReconnect()
			g.signalDisconnect("public", "book_fallback_failed")
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		g.clearControlledReconnect()
		g.drainUntilClosed(conn, msgCh, readErrCh)
		_ = conn.Close()
		g.signalDisconnect("public", "")

		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

// connectPublic dials the public WS, subscribes to channel on both legs,
// and waits for book bootstrap. The caller owns conn and must close it;
// on dial/subscribe error conn is nil.
func (g *Gateway) connectPublic(ctx context.Context, channel string, timeout time.Duration) (*websocket.Conn, bool, <-chan []byte, <-chan error, error) {
	g.publicBookChannel = channel
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.cfg.Exchange.WSPublic, nil)
	if err != nil {
		g.logEvent("ws_public_dial_error", map[string]interface{}{"error": err.Error()})
		g.signalDisconnect("public", err.Error())
		return nil, false, nil, nil, err
	}

	payload := publicSubscribePayload(g.cfg.Symbols, channel)
	if err := conn.WriteJSON(payload); err != nil {
		_ = conn.Close()
		g.signalDisconnect("public", err.Error())
		return nil, false, nil, nil, err
	}
	g.logEvent("ws_public_connected", map[string]interface{}{"channel": channel})

	msgCh := make(chan []byte, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, msgCh, readErrCh)

	ready := g.waitForBookBootstrap(ctx, msgCh, timeout)
	return conn, ready, msgCh, readErrCh, nil
}

// fallbackToBooks5 implements the book-channel fallback protocol: unsubscribe
// from "books", close the socket, wipe the store so stale full-depth rows
// can't satisfy a books5 read, and open a controlled-reconnect window so
// the escalation itself doesn't trip the uncontrolled-disconnect halt.
// Returns the channel to retry with.
func (g *Gateway) fallbackToBooks5(conn *websocket.Conn) string {
	g.logEvent("book_fallback", map[string]interface{}{"from_channel": "books", "to_channel": "books5"})
	_ = conn.WriteJSON(publicUnsubscribePayload(g.cfg.Symbols, "books"))
	_ = conn.Close()
	g.store.Clear()
	g.logEvent("book_store_cleared", map[string]interface{}{"reason": "filter_unavailable"})
	g.noteBookChannelFilterUnavailable("books")
	grace := time.Duration(g.cfg.Risk.ControlledReconnectGraceSec * float64(time.Second))
	g.enterControlledReconnect("book_fallback", grace)
	return "books5"
}

// RunPrivateWS holds the private orders/fills/positions connection open,
// pushing parsed rows into the DataStore for OMS.ProcessFillRows and
// OMS.SyncPositions to read.
func (g *Gateway) RunPrivateWS(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.cfg.Exchange.WSPrivate, nil)
		if err != nil {
			g.logEvent("ws_private_dial_error", map[string]interface{}{"error": err.Error()})
			g.signalDisconnect("private", err.Error())
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		payload := privateSubscribePayload(g.cfg.Symbols)
		if err := conn.WriteJSON(payload); err != nil {
			_ = conn.Close()
			g.signalDisconnect("private", err.Error())
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		g.logEvent("ws_private_connected", nil)

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			g.handlePrivateMessage(msg)
		}
		_ = conn.Close()
		g.signalDisconnect("private", "")

		if !sleepCtx(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

// handlePrivateMessage routes one push from the private stream into the
// DataStore: "fill" rows feed OMS.ProcessFillRows, "positions" rows feed
// OMS.SyncPositions. "orders" pushes are logged only — order state is
// reconciled from REST responses, not the push stream.
func (g *Gateway) handlePrivateMessage(raw []byte) {
	var envelope struct {
		Arg struct {
			InstType string `json:"instType"`
			Channel  string `json:"channel"`
			InstID   string `json:"instId"`
		} `json:"arg"`
		Data  []map[string]interface{} `json:"data"`
		Event string                   `json:"event"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Event != "" {
		g.logEvent("ws_control_message", map[string]interface{}{"message": string(raw)})
		return
	}

	switch envelope.Arg.Channel {
	case "fill":
		for _, row := range envelope.Data {
			row["instType"] = envelope.Arg.InstType
			if _, ok := row["instId"]; !ok {
				row["instId"] = envelope.Arg.InstID
			}
			g.store.AddFill(row)
		}
	case "positions":
		for _, row := range envelope.Data {
			symbol, _ := row["symbol"].(string)
			if symbol == "" {
				symbol = envelope.Arg.InstID
			}
			holdSide, _ := row["holdSide"].(string)
			g.store.UpsertPosition(symbol, holdSide, row)
		}
	}
}

func readLoop(conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			close(out)
			return
		}
		out <- msg
	}
}

// waitForBookBootstrap consumes messages, feeding book pushes into the
// DataStore, until both legs' books are populated or timeout elapses.
func (g *Gateway) waitForBookBootstrap(ctx context.Context, msgCh <-chan []byte, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return g.bothBooksReady()
		case msg, ok := <-msgCh:
			if !ok {
				return false
			}
			g.handlePublicMessage(msg)
			if g.bothBooksReady() {
				return true
			}
		}
	}
}

func (g *Gateway) drainUntilClosed(conn *websocket.Conn, msgCh <-chan []byte, readErrCh <-chan error) {
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			g.handlePublicMessage(msg)
		case <-readErrCh:
			return
		}
	}
}

func (g *Gateway) bothBooksReady() bool {
	spot := g.cfg.Symbols.Spot
	perp := g.cfg.Symbols.Perp
	return g.store.Ready(types.InstType(spot.InstType), spot.Symbol) &&
		g.store.Ready(types.InstType(perp.InstType), perp.Symbol)
}

// handlePublicMessage parses one book push and writes it into the store.
func (g *Gateway) handlePublicMessage(raw []byte) {
	var envelope struct {
		Arg struct {
			InstType string `json:"instType"`
			Channel  string `json:"channel"`
			InstID   string `json:"instId"`
		} `json:"arg"`
		Action string `json:"action"`
		Data   []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			Ts   string     `json:"ts"`
		} `json:"data"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Event != "" {
		g.logEvent("ws_control_message", map[string]interface{}{"message": string(raw)})
		return
	}
	if envelope.Arg.Channel == "" || len(envelope.Data) == 0 {
		return
	}

	rows := make([]marketdata.BookRow, 0)
	for _, level := range envelope.Data {
		ts := time.Now()
		for _, pair := range level.Bids {
			rows = append(rows, parseBookRow("buy", pair, ts))
		}
		for _, pair := range level.Asks {
			rows = append(rows, parseBookRow("sell", pair, ts))
		}
	}

	g.store.ReplaceBook(types.InstType(envelope.Arg.InstType), envelope.Arg.InstID, rows)
}

func parseBookRow(side string, pair []string, ts time.Time) marketdata.BookRow {
	row := marketdata.BookRow{Side: side, Ts: ts}
	if len(pair) > 0 {
		if d, err := parseDecimal(pair[0]); err == nil {
			row.Price = d
		}
	}
	if len(pair) > 1 {
		if d, err := parseDecimal(pair[1]); err == nil {
			row.Size = d
		}
	}
	return row
}

func (g *Gateway) bookBootTimeout() time.Duration {
	risk := g.cfg.Risk
	if risk.BookBootTimeoutSec != nil {
		return time.Duration(*risk.BookBootTimeoutSec * float64(time.Second))
	}
	staleSec := risk.StaleSec
	if risk.BookStaleSec != nil {
		staleSec = *risk.BookStaleSec
	}
	timeout := staleSec * 2
	if timeout < 3.0 {
		timeout = 3.0
	}
	return time.Duration(timeout * float64(time.Second))
}

func (g *Gateway) noteBookChannelFilterUnavailable(channel string) {
	unsupported := false
	g.bookChannelFilterSupported = &unsupported
	g.logEvent("book_channel_filter_unavailable", map[string]interface{}{"channel": channel})
}

func (g *Gateway) signalDisconnect(scope, errText string) {
	if scope == "public" && g.controlledReconnectActive() {
		g.logEvent("ws_disconnect_controlled", map[string]interface{}{
			"scope": scope, "reason": g.controlledReconnectReason, "error": errText,
		})
		return
	}
	select {
	case g.disconnect <- scope:
	default:
	}
	g.logEvent("ws_disconnect", map[string]interface{}{"scope": scope, "error": errText})
}

func (g *Gateway) enterControlledReconnect(reason string, grace time.Duration) {
	if grace <= 0 {
		g.clearControlledReconnect()
		return
	}
	g.controlledReconnectUntil = time.Now().Add(grace)
	g.controlledReconnectReason = reason
}

func (g *Gateway) clearControlledReconnect() {
	g.controlledReconnectUntil = time.Time{}
	g.controlledReconnectReason = ""
}

func (g *Gateway) controlledReconnectActive() bool {
	if g.controlledReconnectUntil.IsZero() {
		return false
	}
	return time.Now().Before(g.controlledReconnectUntil) || time.Now().Equal(g.controlledReconnectUntil)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
