package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/observability"
	"github.com/coachpo/marlin/internal/schema"
)

// wsEnvelope frames every message on the market/trade stream.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wsRequest is the subscribe/unsubscribe control frame.
type wsRequest struct {
	Op       string `json:"op"`
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol,omitempty"`
	Interval string `json:"interval,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
}

const (
	channelAccount = "account"
	channelOrders  = "orders"
	channelDepth   = "depth"
	channelTicker  = "ticker"
	channelKlines  = "klines"
)

// Remote adapts a venue speaking the JSON envelope protocol: a websocket
// stream for pushes and a REST surface for order mutations. Subscriptions
// survive reconnects; the stream replays them on every new session.
type Remote struct {
	name   string
	creds  config.Credentials
	rest   *RESTClient
	stream *Stream

	mu      sync.Mutex
	nextSub int
	subs    map[int]remoteSub
}

type remoteSub struct {
	req wsRequest
	fn  func(wsEnvelope)
}

// NewRemote builds an adapter from the exchange settings and connects the
// push stream. Call Close when done.
func NewRemote(ctx context.Context, cfg config.ExchangeSettings) (*Remote, error) {
	r := &Remote{
		name:  cfg.Name,
		creds: cfg.Credentials,
		rest:  NewRESTClient(cfg.Name, cfg.RESTBaseURL, cfg.HTTPTimeout, cfg.RESTRatePerSecond),
		subs:  make(map[int]remoteSub),
	}
	r.stream = NewStream(ctx, cfg.WebsocketURL, r.dispatch, WithOnConnect(r.replay))
	if err := r.stream.Start(); err != nil {
		return nil, fmt.Errorf("connect %s stream: %w", cfg.Name, err)
	}
	return r, nil
}

// Close tears down the push stream.
func (r *Remote) Close() {
	r.stream.Stop()
}

// Name implements Exchange.
func (r *Remote) Name() string { return r.name }

func (r *Remote) dispatch(frame []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		observability.Log().Warn("unparseable stream frame",
			observability.F("exchange", r.name),
			observability.F("error", err.Error()))
		return nil
	}
	if env.Channel == "" {
		return nil
	}
	r.mu.Lock()
	handlers := make([]func(wsEnvelope), 0, 2)
	for _, sub := range r.subs {
		if sub.req.Channel == env.Channel && (sub.req.Symbol == "" || sub.req.Symbol == env.Symbol) {
			handlers = append(handlers, sub.fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
	return nil
}

// replay re-issues every active subscription after a reconnect.
func (r *Remote) replay(_ context.Context, write func([]byte) error) error {
	r.mu.Lock()
	reqs := make([]wsRequest, 0, len(r.subs))
	for _, sub := range r.subs {
		reqs = append(reqs, sub.req)
	}
	r.mu.Unlock()
	for _, req := range reqs {
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) subscribe(req wsRequest, fn func(wsEnvelope)) (Subscription, error) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = remoteSub{req: req, fn: fn}
	r.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := r.stream.Write(payload); err != nil {
		// The replay hook re-sends on the next session.
		observability.Log().Warn("subscribe deferred to reconnect",
			observability.F("exchange", r.name),
			observability.F("channel", req.Channel))
	}
	return SubscriptionFunc(func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		req.Op = "unsubscribe"
		if payload, err := json.Marshal(req); err == nil {
			_ = r.stream.Write(payload)
		}
	}), nil
}

func decodeInto[T any](env wsEnvelope, fn func(T)) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		observability.Log().Warn("bad stream payload",
			observability.F("channel", env.Channel),
			observability.F("error", err.Error()))
		return
	}
	fn(v)
}

// WatchAccount implements Exchange.
func (r *Remote) WatchAccount(_ context.Context, fn func(schema.AccountUpdate)) (Subscription, error) {
	req := wsRequest{Op: "subscribe", Channel: channelAccount, APIKey: r.creds.APIKey}
	return r.subscribe(req, func(env wsEnvelope) { decodeInto(env, fn) })
}

// WatchOrders implements Exchange.
func (r *Remote) WatchOrders(_ context.Context, fn func(schema.OpenOrder)) (Subscription, error) {
	req := wsRequest{Op: "subscribe", Channel: channelOrders, APIKey: r.creds.APIKey}
	return r.subscribe(req, func(env wsEnvelope) { decodeInto(env, fn) })
}

// WatchDepth implements Exchange.
func (r *Remote) WatchDepth(_ context.Context, symbol string, fn func(schema.DepthSnapshot)) (Subscription, error) {
	req := wsRequest{Op: "subscribe", Channel: channelDepth, Symbol: symbol}
	return r.subscribe(req, func(env wsEnvelope) { decodeInto(env, fn) })
}

// WatchTicker implements Exchange.
func (r *Remote) WatchTicker(_ context.Context, symbol string, fn func(schema.Ticker)) (Subscription, error) {
	req := wsRequest{Op: "subscribe", Channel: channelTicker, Symbol: symbol}
	return r.subscribe(req, func(env wsEnvelope) { decodeInto(env, fn) })
}

// WatchKlines implements Exchange.
func (r *Remote) WatchKlines(_ context.Context, symbol, interval string, fn func(schema.Kline)) (Subscription, error) {
	req := wsRequest{Op: "subscribe", Channel: channelKlines, Symbol: symbol, Interval: interval}
	return r.subscribe(req, func(env wsEnvelope) { decodeInto(env, fn) })
}

func (r *Remote) authHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Api-Key", r.creds.APIKey)
	h.Set("X-Api-Secret", r.creds.APISecret)
	return h
}

type createOrderPayload struct {
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	ReduceOnly    bool   `json:"reduceOnly,omitempty"`
}

// CreateOrder implements Exchange.
func (r *Remote) CreateOrder(ctx context.Context, req OrderRequest) (schema.OpenOrder, error) {
	payload := createOrderPayload{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Quantity:      req.Quantity.String(),
		ReduceOnly:    req.ReduceOnly,
	}
	if req.Type != schema.OrderTypeMarket {
		payload.Price = req.Price.String()
	}
	var out schema.OpenOrder
	if err := r.rest.Do(ctx, http.MethodPost, "/api/v1/orders", payload, r.authHeaders(), &out); err != nil {
		return schema.OpenOrder{}, err
	}
	return out, nil
}

// CancelOrder implements Exchange.
func (r *Remote) CancelOrder(ctx context.Context, symbol, orderID string) error {
	path := fmt.Sprintf("/api/v1/orders/%s?symbol=%s", url.PathEscape(orderID), url.QueryEscape(symbol))
	return r.rest.Do(ctx, http.MethodDelete, path, nil, r.authHeaders(), nil)
}

// CancelAllOrders implements Exchange.
func (r *Remote) CancelAllOrders(ctx context.Context, symbol string) error {
	path := "/api/v1/orders?symbol=" + url.QueryEscape(symbol)
	return r.rest.Do(ctx, http.MethodDelete, path, nil, r.authHeaders(), nil)
}
