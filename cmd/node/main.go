package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/spotdex/params"
	"github.com/uhyunpark/spotdex/pkg/api"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/app/core/transaction"
	"github.com/uhyunpark/spotdex/pkg/app/exchange"
	"github.com/uhyunpark/spotdex/pkg/crypto"
	"github.com/uhyunpark/spotdex/pkg/custody"
	"github.com/uhyunpark/spotdex/pkg/events"
	"github.com/uhyunpark/spotdex/pkg/storage"
	"github.com/uhyunpark/spotdex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Node)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("node_failed", zap.Error(err))
	}
}

func newLogger(cfg params.Node) (*zap.Logger, error) {
	if cfg.LogFile == "" {
		return util.NewLogger(cfg.Verbose)
	}
	return util.NewLoggerWithFile(cfg.LogFile, cfg.Verbose)
}

func run(ctx context.Context, cfg params.Config, logger *zap.Logger) error {
	// ---- Admin ----
	// Without ADMIN_ADDRESS the devnet admin key signs registrations (cmd/sign-request -dev admin)
	devAdmin, err := crypto.DevKey("admin")
	if err != nil {
		return err
	}
	admin := cfg.Exchange.Admin
	if admin == (common.Address{}) {
		admin = devAdmin.Address()
	}

	// ---- Storage ----
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "pebble"))
	if err != nil {
		return err
	}
	defer store.Close()

	snapshot, err := store.Load(cfg.Exchange.TradeHistory)
	if err != nil {
		return err
	}

	// ---- Custody ----
	// Token contracts live on the in-memory chain; addresses are deterministic so
	// persisted asset refs still resolve after a restart
	tickers, err := cfg.Devnet.Tickers()
	if err != nil {
		return err
	}
	chain := custody.NewChain(devAdmin.Address())
	tokens := make([]*custody.Token, len(tickers))
	for i, tk := range tickers {
		token := chain.Deploy(tk.String())
		tokens[i] = token
		logger.Info("token_deployed", zap.Stringer("ticker", tk), zap.String("address", token.Address().Hex()))
	}

	// ---- Exchange ----
	x := exchange.New(cfg.Exchange.Quote, exchange.Config{
		Admin:        admin,
		Custody:      chain.Provider(cfg.Exchange.Address),
		Persister:    store,
		TradeHistory: cfg.Exchange.TradeHistory,
		Clock:        util.RealClock{},
		Logger:       logger,
	})
	if err := x.Restore(snapshot); err != nil {
		return err
	}
	if err := reseedCustody(x, chain, cfg.Exchange.Address, logger); err != nil {
		return err
	}

	if admin == devAdmin.Address() {
		for i, tk := range tickers {
			err := x.RegisterAsset(ctx, admin, tk, tokens[i].Address())
			if err != nil && !errors.Is(err, registry.ErrDuplicateTicker) {
				return err
			}
		}
	}

	// ---- Request verification ----
	domain := crypto.DefaultDomain()
	domain.VerifyingContract = cfg.Exchange.Address
	verifier := transaction.NewVerifier(domain)
	nonces, err := store.LoadNonces()
	if err != nil {
		return err
	}
	verifier.RestoreNonces(nonces)
	verifier.SetNonceStore(store)

	// ---- Trade events (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer pub.Close()

		fwd := events.NewForwarder(pub, cfg.Kafka.Buffer, logger)
		x.Subscribe(fwd.Listener())
		fwd.Start(ctx)
		defer fwd.Wait()

		logger.Info("kafka_publishing_enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// ---- Transaction log ----
	txLog, err := storage.OpenTxLog(cfg.Node.TxLogFile)
	if err != nil {
		return err
	}
	defer txLog.Close()

	// ---- API Server ----
	apiServer := api.NewServer(x, api.Options{
		Verifier:        verifier,
		TxLog:           txLog,
		Devnet:          chain,
		ExchangeAddress: cfg.Exchange.Address,
		CORSOrigins:     cfg.Node.CORSOrigins,
		Logger:          logger,
	})

	logger.Info("node_starting",
		zap.Stringer("quote", cfg.Exchange.Quote),
		zap.String("admin", admin.Hex()),
		zap.String("exchange", cfg.Exchange.Address.Hex()),
		zap.Int("assets", len(x.Assets())),
		zap.Int("devnet_tokens", len(chain.Tokens())))

	return apiServer.Start(ctx, cfg.Node.APIAddr)
}

// reseedCustody mints the exchange's custody balances on the fresh in-memory chain
// so that custody covers every restored ledger balance
func reseedCustody(x *exchange.Exchange, chain *custody.Chain, exchAddr common.Address, logger *zap.Logger) error {
	for _, a := range x.Assets() {
		total, err := x.Total(a.Ticker)
		if err != nil {
			return err
		}
		if total == 0 {
			continue
		}
		token, err := chain.Token(a.Ref)
		if err != nil {
			return err
		}
		if err := token.Faucet(exchAddr, total); err != nil {
			return err
		}
		logger.Info("custody_reseeded", zap.Stringer("ticker", a.Ticker), zap.Uint64("amount", total))
	}
	return nil
}
