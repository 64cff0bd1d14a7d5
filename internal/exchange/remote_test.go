package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/schema"
)

// venueServer is a minimal push-and-REST venue for adapter tests. The
// websocket side records subscribe frames and lets the test inject
// envelopes; the REST side answers order mutations.
type venueServer struct {
	ws   *httptest.Server
	rest *httptest.Server

	subscribed chan wsRequest
	push       chan []byte

	cancelled chan string
}

func newVenueServer(t *testing.T) *venueServer {
	t.Helper()
	vs := &venueServer{
		subscribed: make(chan wsRequest, 16),
		push:       make(chan []byte, 16),
		cancelled:  make(chan string, 16),
	}

	vs.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

		go func() {
			for {
				_, payload, err := conn.Read(r.Context())
				if err != nil {
					return
				}
				var req wsRequest
				if json.Unmarshal(payload, &req) == nil {
					vs.subscribed <- req
				}
			}
		}()
		for {
			select {
			case frame := <-vs.push:
				if err := conn.Write(r.Context(), websocket.MessageText, frame); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		var payload createOrderPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		order := schema.OpenOrder{
			OrderID:       "srv-1",
			ClientOrderID: payload.ClientOrderID,
			Symbol:        payload.Symbol,
			Side:          schema.TradeSide(payload.Side),
			Type:          schema.OrderType(payload.Type),
			Quantity:      decimal.RequireFromString(payload.Quantity),
			Status:        schema.OrderStatusNew,
		}
		if payload.Price != "" {
			order.Price = decimal.RequireFromString(payload.Price)
		}
		_ = json.NewEncoder(w).Encode(order)
	})
	mux.HandleFunc("DELETE /api/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		vs.cancelled <- r.PathValue("id")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /api/v1/orders", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	vs.rest = httptest.NewServer(mux)

	t.Cleanup(func() {
		vs.ws.Close()
		vs.rest.Close()
	})
	return vs
}

func (vs *venueServer) settings() config.ExchangeSettings {
	return config.ExchangeSettings{
		Name:              "testvenue",
		RESTBaseURL:       vs.rest.URL,
		WebsocketURL:      wsURL(vs.ws),
		Credentials:       config.Credentials{APIKey: "key", APISecret: "secret"},
		HTTPTimeout:       5 * time.Second,
		RESTRatePerSecond: 100,
	}
}

func (vs *venueServer) pushEnvelope(t *testing.T, channel, symbol string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal push data: %v", err)
	}
	frame, err := json.Marshal(wsEnvelope{Channel: channel, Symbol: symbol, Data: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	vs.push <- frame
}

func waitSubscribe(t *testing.T, vs *venueServer, channel string) wsRequest {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case req := <-vs.subscribed:
			if req.Channel == channel {
				return req
			}
		case <-deadline:
			t.Fatalf("no subscribe frame for channel %s", channel)
		}
	}
}

func TestRemoteDispatchesTicker(t *testing.T) {
	vs := newVenueServer(t)

	remote, err := NewRemote(context.Background(), vs.settings())
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	defer remote.Close()

	got := make(chan schema.Ticker, 1)
	sub, err := remote.WatchTicker(context.Background(), "ETHUSDT", func(tk schema.Ticker) {
		select {
		case got <- tk:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch ticker: %v", err)
	}
	defer sub.Unsubscribe()

	req := waitSubscribe(t, vs, channelTicker)
	if req.Op != "subscribe" || req.Symbol != "ETHUSDT" {
		t.Fatalf("subscribe frame = %+v", req)
	}

	vs.pushEnvelope(t, channelTicker, "ETHUSDT", schema.Ticker{
		Symbol: "ETHUSDT",
		Bid:    decimal.RequireFromString("1999.5"),
		Ask:    decimal.RequireFromString("2000.5"),
	})

	select {
	case tk := <-got:
		if !tk.Bid.Equal(decimal.RequireFromString("1999.5")) {
			t.Fatalf("bid = %s", tk.Bid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ticker never delivered")
	}
}

func TestRemoteFiltersBySymbol(t *testing.T) {
	vs := newVenueServer(t)

	remote, err := NewRemote(context.Background(), vs.settings())
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	defer remote.Close()

	got := make(chan schema.Ticker, 4)
	if _, err := remote.WatchTicker(context.Background(), "ETHUSDT", func(tk schema.Ticker) {
		got <- tk
	}); err != nil {
		t.Fatalf("watch ticker: %v", err)
	}
	waitSubscribe(t, vs, channelTicker)

	vs.pushEnvelope(t, channelTicker, "BTCUSDT", schema.Ticker{Symbol: "BTCUSDT"})
	vs.pushEnvelope(t, channelTicker, "ETHUSDT", schema.Ticker{Symbol: "ETHUSDT"})

	select {
	case tk := <-got:
		if tk.Symbol != "ETHUSDT" {
			t.Fatalf("delivered %s, want ETHUSDT only", tk.Symbol)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ticker never delivered")
	}
}

func TestRemoteCreateAndCancelOrder(t *testing.T) {
	vs := newVenueServer(t)

	remote, err := NewRemote(context.Background(), vs.settings())
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	defer remote.Close()

	order, err := remote.CreateOrder(context.Background(), OrderRequest{
		ClientOrderID: "cli-1",
		Symbol:        "ETHUSDT",
		Side:          schema.TradeSideBuy,
		Type:          schema.OrderTypeLimit,
		Price:         decimal.RequireFromString("2000"),
		Quantity:      decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.OrderID != "srv-1" || order.ClientOrderID != "cli-1" {
		t.Fatalf("order = %+v", order)
	}
	if !order.Price.Equal(decimal.RequireFromString("2000")) {
		t.Fatalf("price = %s", order.Price)
	}

	if err := remote.CancelOrder(context.Background(), "ETHUSDT", "srv-1"); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	select {
	case id := <-vs.cancelled:
		if id != "srv-1" {
			t.Fatalf("cancelled id = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel never reached the venue")
	}

	if err := remote.CancelAllOrders(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
}

func TestRemoteUnsubscribeStopsDelivery(t *testing.T) {
	vs := newVenueServer(t)

	remote, err := NewRemote(context.Background(), vs.settings())
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	defer remote.Close()

	got := make(chan schema.Ticker, 4)
	sub, err := remote.WatchTicker(context.Background(), "ETHUSDT", func(tk schema.Ticker) {
		got <- tk
	})
	if err != nil {
		t.Fatalf("watch ticker: %v", err)
	}
	waitSubscribe(t, vs, channelTicker)
	sub.Unsubscribe()

	vs.pushEnvelope(t, channelTicker, "ETHUSDT", schema.Ticker{Symbol: "ETHUSDT"})
	select {
	case <-got:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(300 * time.Millisecond):
	}
}
