// Package config centralises runtime configuration for marlin services.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// StrategyKind names a strategy engine implementation.
type StrategyKind string

const (
	// StrategyMaker runs the market-making engine.
	StrategyMaker StrategyKind = "maker"
	// StrategyTrend runs the trend-following engine.
	StrategyTrend StrategyKind = "trend"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string
	APISecret string
}

// ExchangeSettings aggregates transport and credential configuration.
type ExchangeSettings struct {
	Name             string
	RESTBaseURL      string
	WebsocketURL     string
	Credentials      Credentials
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
	// RESTRatePerSecond throttles outbound REST calls.
	RESTRatePerSecond float64
}

// TrailingSettings configures trailing-stop behaviour for one bot.
// ATR-based trailing takes precedence over percentage activation when both
// are configured.
type TrailingSettings struct {
	ATRMultiplier decimal.Decimal
	ATRPeriod     int
	ActivationPct decimal.Decimal
	CallbackPct   decimal.Decimal
}

// BotSettings holds the parsed per-strategy configuration.
type BotSettings struct {
	Name                string
	Symbol              string
	Strategy            StrategyKind
	TradeAmount         decimal.Decimal
	LossLimit           decimal.Decimal
	PriceTick           decimal.Decimal
	QtyStep             decimal.Decimal
	MaxCloseSlippagePct decimal.Decimal
	PriceChaseThreshold decimal.Decimal
	BidOffset           decimal.Decimal
	AskOffset           decimal.Decimal
	RefreshInterval     time.Duration
	OrderTimeout        time.Duration
	RateLimitPause      time.Duration
	Trailing            TrailingSettings
}

// TradeLogSettings configures trade-log persistence. An empty DSN keeps the
// log in memory only.
type TradeLogSettings struct {
	DSN        string
	RingSize   int
	Workers    int
	QueueDepth int
}

// TelemetrySettings configures the OTLP metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string
	ServiceName  string
}

// Settings contains the full marlin configuration tree.
type Settings struct {
	Exchange  ExchangeSettings
	Bots      []BotSettings
	TradeLog  TradeLogSettings
	Telemetry TelemetrySettings
	Debug     bool
}

type fileTrailing struct {
	ATRMultiplier string `yaml:"atrMultiplier"`
	ATRPeriod     int    `yaml:"atrPeriod"`
	ActivationPct string `yaml:"activationPct"`
	CallbackPct   string `yaml:"callbackPct"`
}

type fileBot struct {
	Name                string        `yaml:"name"`
	Symbol              string        `yaml:"symbol"`
	Strategy            string        `yaml:"strategy"`
	TradeAmount         string        `yaml:"tradeAmount"`
	LossLimit           string        `yaml:"lossLimit"`
	PriceTick           string        `yaml:"priceTick"`
	QtyStep             string        `yaml:"qtyStep"`
	MaxCloseSlippagePct string        `yaml:"maxCloseSlippagePct"`
	PriceChaseThreshold string        `yaml:"priceChaseThreshold"`
	BidOffset           string        `yaml:"bidOffset"`
	AskOffset           string        `yaml:"askOffset"`
	RefreshInterval     time.Duration `yaml:"refreshInterval"`
	OrderTimeout        time.Duration `yaml:"orderTimeout"`
	RateLimitPause      time.Duration `yaml:"rateLimitPause"`
	Trailing            fileTrailing  `yaml:"trailing"`
}

type fileExchange struct {
	Name              string        `yaml:"name"`
	RESTBaseURL       string        `yaml:"restBaseUrl"`
	WebsocketURL      string        `yaml:"websocketUrl"`
	APIKey            string        `yaml:"apiKey"`
	APISecret         string        `yaml:"apiSecret"`
	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	RESTRatePerSecond float64       `yaml:"restRatePerSecond"`
}

type fileTradeLog struct {
	DSN        string `yaml:"dsn"`
	RingSize   int    `yaml:"ringSize"`
	Workers    int    `yaml:"workers"`
	QueueDepth int    `yaml:"queueDepth"`
}

type fileTelemetry struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

type fileConfig struct {
	Exchange  fileExchange  `yaml:"exchange"`
	Bots      []fileBot     `yaml:"bots"`
	TradeLog  fileTradeLog  `yaml:"tradeLog"`
	Telemetry fileTelemetry `yaml:"telemetry"`
	Debug     bool          `yaml:"debug"`
}

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultRESTRate         = 8.0
	defaultRefreshInterval  = time.Second
	defaultOrderTimeout     = 15 * time.Second
	defaultRateLimitPause   = 30 * time.Second
	defaultRingSize         = 256
	defaultLogWorkers       = 1
	defaultLogQueueDepth    = 128
)

// Load reads, validates, and normalises the configuration file at path.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator provided via CLI flags.
	if err != nil {
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates and normalises a raw YAML configuration document.
func Parse(raw []byte) (Settings, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}

	settings := Settings{
		Exchange: ExchangeSettings{
			Name:         strings.TrimSpace(fc.Exchange.Name),
			RESTBaseURL:  strings.TrimSpace(fc.Exchange.RESTBaseURL),
			WebsocketURL: strings.TrimSpace(fc.Exchange.WebsocketURL),
			Credentials: Credentials{
				APIKey:    strings.TrimSpace(fc.Exchange.APIKey),
				APISecret: strings.TrimSpace(fc.Exchange.APISecret),
			},
			HTTPTimeout:       fc.Exchange.HTTPTimeout,
			HandshakeTimeout:  fc.Exchange.HandshakeTimeout,
			RESTRatePerSecond: fc.Exchange.RESTRatePerSecond,
		},
		TradeLog: TradeLogSettings{
			DSN:        strings.TrimSpace(fc.TradeLog.DSN),
			RingSize:   fc.TradeLog.RingSize,
			Workers:    fc.TradeLog.Workers,
			QueueDepth: fc.TradeLog.QueueDepth,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: strings.TrimSpace(fc.Telemetry.OTLPEndpoint),
			ServiceName:  strings.TrimSpace(fc.Telemetry.ServiceName),
		},
		Debug: fc.Debug,
	}
	applyDefaults(&settings)
	applyEnvOverrides(&settings)

	if settings.Exchange.Name == "" {
		return Settings{}, fmt.Errorf("exchange.name is required")
	}
	if len(fc.Bots) == 0 {
		return Settings{}, fmt.Errorf("at least one bot is required")
	}

	for i, fb := range fc.Bots {
		bot, err := parseBot(fb)
		if err != nil {
			return Settings{}, fmt.Errorf("bots[%d]: %w", i, err)
		}
		settings.Bots = append(settings.Bots, bot)
	}

	return settings, nil
}

func parseBot(fb fileBot) (BotSettings, error) {
	symbol := strings.TrimSpace(fb.Symbol)
	if symbol == "" {
		return BotSettings{}, fmt.Errorf("symbol is required")
	}

	kind := StrategyKind(strings.ToLower(strings.TrimSpace(fb.Strategy)))
	switch kind {
	case StrategyMaker, StrategyTrend:
	default:
		return BotSettings{}, fmt.Errorf("unknown strategy %q", fb.Strategy)
	}

	bot := BotSettings{
		Name:            strings.TrimSpace(fb.Name),
		Symbol:          symbol,
		Strategy:        kind,
		RefreshInterval: fb.RefreshInterval,
		OrderTimeout:    fb.OrderTimeout,
		RateLimitPause:  fb.RateLimitPause,
	}
	if bot.Name == "" {
		bot.Name = strings.ToLower(symbol) + "-" + string(kind)
	}
	if bot.RefreshInterval <= 0 {
		bot.RefreshInterval = defaultRefreshInterval
	}
	if bot.OrderTimeout <= 0 {
		bot.OrderTimeout = defaultOrderTimeout
	}
	if bot.RateLimitPause <= 0 {
		bot.RateLimitPause = defaultRateLimitPause
	}

	var err error
	if bot.TradeAmount, err = requireDecimal("tradeAmount", fb.TradeAmount); err != nil {
		return BotSettings{}, err
	}
	if bot.TradeAmount.Sign() <= 0 {
		return BotSettings{}, fmt.Errorf("tradeAmount must be positive")
	}
	if bot.LossLimit, err = requireDecimal("lossLimit", fb.LossLimit); err != nil {
		return BotSettings{}, err
	}
	if bot.PriceTick, err = optionalDecimal("priceTick", fb.PriceTick); err != nil {
		return BotSettings{}, err
	}
	if bot.QtyStep, err = optionalDecimal("qtyStep", fb.QtyStep); err != nil {
		return BotSettings{}, err
	}
	if bot.MaxCloseSlippagePct, err = optionalDecimal("maxCloseSlippagePct", fb.MaxCloseSlippagePct); err != nil {
		return BotSettings{}, err
	}
	if bot.PriceChaseThreshold, err = optionalDecimal("priceChaseThreshold", fb.PriceChaseThreshold); err != nil {
		return BotSettings{}, err
	}
	if bot.BidOffset, err = optionalDecimal("bidOffset", fb.BidOffset); err != nil {
		return BotSettings{}, err
	}
	if bot.AskOffset, err = optionalDecimal("askOffset", fb.AskOffset); err != nil {
		return BotSettings{}, err
	}
	if bot.Trailing.ATRMultiplier, err = optionalDecimal("trailing.atrMultiplier", fb.Trailing.ATRMultiplier); err != nil {
		return BotSettings{}, err
	}
	if bot.Trailing.ActivationPct, err = optionalDecimal("trailing.activationPct", fb.Trailing.ActivationPct); err != nil {
		return BotSettings{}, err
	}
	if bot.Trailing.CallbackPct, err = optionalDecimal("trailing.callbackPct", fb.Trailing.CallbackPct); err != nil {
		return BotSettings{}, err
	}
	bot.Trailing.ATRPeriod = fb.Trailing.ATRPeriod
	if bot.Trailing.ATRPeriod <= 0 {
		bot.Trailing.ATRPeriod = 14
	}

	return bot, nil
}

func requireDecimal(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", field, raw)
	}
	return d, nil
}

func optionalDecimal(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", field, raw)
	}
	return d, nil
}

func applyDefaults(s *Settings) {
	if s.Exchange.HTTPTimeout <= 0 {
		s.Exchange.HTTPTimeout = defaultHTTPTimeout
	}
	if s.Exchange.HandshakeTimeout <= 0 {
		s.Exchange.HandshakeTimeout = defaultHandshakeTimeout
	}
	if s.Exchange.RESTRatePerSecond <= 0 {
		s.Exchange.RESTRatePerSecond = defaultRESTRate
	}
	if s.TradeLog.RingSize <= 0 {
		s.TradeLog.RingSize = defaultRingSize
	}
	if s.TradeLog.Workers <= 0 {
		s.TradeLog.Workers = defaultLogWorkers
	}
	if s.TradeLog.QueueDepth <= 0 {
		s.TradeLog.QueueDepth = defaultLogQueueDepth
	}
	if s.Telemetry.ServiceName == "" {
		s.Telemetry.ServiceName = "marlin"
	}
}

func applyEnvOverrides(s *Settings) {
	if v := strings.TrimSpace(os.Getenv("MARLIN_API_KEY")); v != "" {
		s.Exchange.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MARLIN_API_SECRET")); v != "" {
		s.Exchange.Credentials.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("MARLIN_TRADELOG_DSN")); v != "" {
		s.TradeLog.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("MARLIN_OTLP_ENDPOINT")); v != "" {
		s.Telemetry.OTLPEndpoint = v
	}
}
