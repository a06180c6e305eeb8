package feed

import (
	"context"
	"net/http"
	"time"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/model"
)

const (
	Period1m = "1m"
	Period1h = "1h"
)

// VolumeIndicator carries the candle volume alongside the replayed price.
const VolumeIndicator = "volume"

// BacktestConfig selects the historical window to replay.
type BacktestConfig struct {
	Symbol string // base currency, e.g. BTC
	Quote  string // quote currency, e.g. USDT
	Period string // Period1m or Period1h
	Start  time.Time
	End    time.Time
	Limit  int
}

// BacktestFeed replays historical klines as price ticks in timestamp
// order. Each candle emits its volume first, then its close price, so a
// strategy evaluating on the price tick sees the full candle snapshot.
type BacktestFeed struct {
	cfg      BacktestConfig
	exchange goex.API
	log      *logger.Entry
}

func NewBacktestFeed(cfg BacktestConfig) *BacktestFeed {
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}

	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	}

	return &BacktestFeed{
		cfg:      cfg,
		exchange: binance.NewWithConfig(apiConfig),
		log: logger.WithFields(logger.Fields{
			"component": "BacktestFeed",
			"symbol":    cfg.Symbol + cfg.Quote,
			"period":    cfg.Period,
		}),
	}
}

func (f *BacktestFeed) Name() string { return "backtest" }

func (f *BacktestFeed) Run(ctx context.Context, out chan<- model.IndicatorTick) error {
	klines, err := f.fetchKlines()
	if err != nil {
		return err
	}

	f.log.WithField("klines", len(klines)).Info("replaying historical candles")

	symbol := f.cfg.Symbol + f.cfg.Quote
	for i := range klines {
		kline := klines[i]
		ts := time.Unix(kline.Timestamp, 0).UTC()

		ticks := []model.IndicatorTick{
			{Symbol: symbol, Indicator: VolumeIndicator, Value: decimal.NewFromFloat(kline.Vol), Timestamp: ts},
			{Symbol: symbol, Indicator: model.PriceIndicator, Value: decimal.NewFromFloat(kline.Close), Timestamp: ts},
		}
		for _, tick := range ticks {
			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}

func (f *BacktestFeed) fetchKlines() ([]goex.Kline, error) {
	pair := goex.NewCurrencyPair(
		goex.Currency{Symbol: f.cfg.Symbol},
		goex.Currency{Symbol: f.cfg.Quote},
	)

	const millis = 1000
	return f.exchange.GetKlineRecords(
		pair,
		f.periodToGoex(),
		f.cfg.Limit,
		goex.OptionalParameter{}.
			Optional("startTime", f.cfg.Start.Unix()*millis).
			Optional("endTime", f.cfg.End.Unix()*millis),
	)
}

func (f *BacktestFeed) periodToGoex() goex.KlinePeriod {
	switch f.cfg.Period {
	case Period1h:
		return goex.KLINE_PERIOD_1H
	default:
		return goex.KLINE_PERIOD_1MIN
	}
}
