package params

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
)

type Exchange struct {
	Quote registry.Ticker `env:"QUOTE_TICKER" envDefault:"DAI"`
	// Admin may register assets; zero means the devnet admin key
	Admin common.Address `env:"ADMIN_ADDRESS"`
	// Address is the custody account deposits are pulled into and the EIP-712 verifying contract
	Address      common.Address `env:"EXCHANGE_ADDRESS" envDefault:"0x00000000000000000000000000000000000000EE"`
	TradeHistory int            `env:"TRADE_HISTORY" envDefault:"100"`
}

type Node struct {
	DataDir     string   `env:"DATA_DIR" envDefault:"data"`
	LogFile     string   `env:"LOG_FILE"`
	TxLogFile   string   `env:"TX_LOG_FILE" envDefault:"data/transactions.log"`
	APIAddr     string   `env:"API_ADDR" envDefault:":8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:3001"`
	Verbose     bool     `env:"VERBOSE"`
}

type Kafka struct {
	// Empty disables trade publishing
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"dex.trades"`
	Buffer  int      `env:"KAFKA_BUFFER" envDefault:"1024"`
}

// Devnet deploys mock tokens and exposes the faucet routes
// It must stay enabled until an external custody provider exists
type Devnet struct {
	Enabled bool     `env:"DEVNET" envDefault:"true"`
	Tokens  []string `env:"DEVNET_TOKENS" envSeparator:"," envDefault:"DAI,BAT,REP,ZRX"`
}

// Tickers parses the token list in order
func (d Devnet) Tickers() ([]registry.Ticker, error) {
	tickers := make([]registry.Ticker, 0, len(d.Tokens))
	for _, sym := range d.Tokens {
		tk, err := registry.NewTicker(sym)
		if err != nil {
			return nil, fmt.Errorf("DEVNET_TOKENS: %w", err)
		}
		tickers = append(tickers, tk)
	}
	return tickers, nil
}

type Config struct {
	Exchange Exchange
	Node     Node
	Kafka    Kafka
	Devnet   Devnet
}

func Default() Config {
	cfg, _ := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Exchange.TradeHistory <= 0 {
		return fmt.Errorf("TRADE_HISTORY must be positive, got %d", c.Exchange.TradeHistory)
	}
	if c.Exchange.Address == (common.Address{}) {
		return fmt.Errorf("EXCHANGE_ADDRESS must be set")
	}
	// The in-memory chain is the only custody backend, and deposits need its approve route
	if !c.Devnet.Enabled {
		return fmt.Errorf("DEVNET=false needs an external custody provider, which this node does not have")
	}
	tickers, err := c.Devnet.Tickers()
	if err != nil {
		return err
	}
	for _, tk := range tickers {
		if tk == c.Exchange.Quote {
			return nil
		}
	}
	return fmt.Errorf("DEVNET_TOKENS must include the quote ticker %s", c.Exchange.Quote)
}
