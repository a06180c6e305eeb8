package session

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ExchangeBaseURL string `envconfig:"EXCHANGE_BASE_URL" default:"https://testnet-api.phemex.com"`
	MarketWsURL     string `envconfig:"MARKET_WS_URL" default:"wss://fstream.binance.com/ws"`

	SyncIntervalSec     int    `envconfig:"SYNC_INTERVAL_SEC" default:"30"`
	TransitionGraceSec  int    `envconfig:"TRANSITION_GRACE_SEC" default:"30"`
	SignalTTLSec        int    `envconfig:"SIGNAL_TTL_SEC" default:"300"`
	FundingIntervalMin  int    `envconfig:"FUNDING_INTERVAL_MIN" default:"480"`
	MaxSessionCount     int    `envconfig:"MAX_SESSION_COUNT" default:"8"`
	BreakerMaxLosses    int    `envconfig:"BREAKER_MAX_LOSSES" default:"5"`
	BreakerCooldownMin  int    `envconfig:"BREAKER_COOLDOWN_MIN" default:"60"`
	BreakerMaxDailyLoss string `envconfig:"BREAKER_MAX_DAILY_LOSS" default:"0"`

	PaperSlippageBps string `envconfig:"PAPER_SLIPPAGE_BPS" default:"5"`
	PaperFeeRate     string `envconfig:"PAPER_FEE_RATE" default:"0.0006"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
