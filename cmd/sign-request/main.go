package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/spotdex/pkg/app/core/orderbook"
	"github.com/uhyunpark/spotdex/pkg/app/core/registry"
	"github.com/uhyunpark/spotdex/pkg/app/core/transaction"
	"github.com/uhyunpark/spotdex/pkg/crypto"
)

// sign-request builds and signs an EIP-712 request body for the node's API
//
//	sign-request -dev alice -type limit -ticker REP -side buy -price 12 -amount 10 -nonce 1
//	sign-request -dev admin -type register -ticker ZRX -ref 0x... -nonce 1
func main() {
	var (
		reqType  = flag.String("type", "limit", "deposit | withdraw | limit | market | register")
		keyHex   = flag.String("key", "", "private key hex (default: a fresh key)")
		devLabel = flag.String("dev", "", "use the deterministic devnet key for this label (e.g. admin)")
		exchange = flag.String("exchange", "0x00000000000000000000000000000000000000EE", "exchange address (EIP-712 verifying contract)")
		ticker   = flag.String("ticker", "REP", "asset ticker")
		side     = flag.String("side", "buy", "buy | sell")
		price    = flag.Uint64("price", 0, "limit price in quote units")
		amount   = flag.Uint64("amount", 0, "amount in asset units")
		nonce    = flag.Uint64("nonce", 1, "per-signer nonce, must increase")
		ref      = flag.String("ref", "", "token contract address (register only)")
		typed    = flag.Bool("typed", false, "also print the typed data a wallet would sign")
	)
	flag.Parse()

	if err := run(*reqType, *keyHex, *devLabel, *exchange, *ticker, *side, *price, *amount, *nonce, *ref, *typed); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadSigner(keyHex, devLabel string) (*crypto.Signer, error) {
	switch {
	case keyHex != "":
		return crypto.FromPrivateKeyHex(keyHex)
	case devLabel != "":
		return crypto.DevKey(devLabel)
	default:
		return crypto.GenerateKey()
	}
}

func run(reqType, keyHex, devLabel, exchange, tickerSym, sideStr string, price, amount, nonce uint64, ref string, printTyped bool) error {
	signer, err := loadSigner(keyHex, devLabel)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(exchange) {
		return fmt.Errorf("invalid exchange address %q", exchange)
	}
	tk, err := registry.NewTicker(tickerSym)
	if err != nil {
		return err
	}

	addr := signer.Address()
	req := &transaction.SignedRequest{Type: transaction.RequestType(reqType)}
	switch req.Type {
	case transaction.TypeDeposit:
		req.Deposit = &transaction.TransferPayload{Trader: addr, Ticker: tk, Amount: amount, Nonce: nonce}
	case transaction.TypeWithdraw:
		req.Withdraw = &transaction.TransferPayload{Trader: addr, Ticker: tk, Amount: amount, Nonce: nonce}
	case transaction.TypeLimitOrder, transaction.TypeMarketOrder:
		s, err := orderbook.ParseSide(sideStr)
		if err != nil {
			return err
		}
		if req.Type == transaction.TypeLimitOrder {
			req.Limit = &transaction.LimitOrderPayload{Trader: addr, Ticker: tk, Side: s, Price: price, Amount: amount, Nonce: nonce}
		} else {
			req.Market = &transaction.MarketOrderPayload{Trader: addr, Ticker: tk, Side: s, Amount: amount, Nonce: nonce}
		}
	case transaction.TypeRegisterAsset:
		if !common.IsHexAddress(ref) {
			return fmt.Errorf("register needs -ref, got %q", ref)
		}
		req.Register = &transaction.RegisterAssetPayload{Admin: addr, Ticker: tk, Ref: common.HexToAddress(ref), Nonce: nonce}
	default:
		return fmt.Errorf("unknown request type %q", reqType)
	}

	domain := crypto.DefaultDomain()
	domain.VerifyingContract = common.HexToAddress(exchange)
	eip := crypto.NewEIP712Signer(domain)

	if err := req.Sign(eip, signer); err != nil {
		return err
	}

	// Check the signature the same way the node will
	recovered, err := transaction.NewVerifier(domain).Recover(req)
	if err != nil {
		return err
	}
	if recovered != addr {
		return fmt.Errorf("recovered %s, want %s", recovered.Hex(), addr.Hex())
	}

	fmt.Fprintf(os.Stderr, "Signer: %s\n", addr.Hex())
	fmt.Fprintf(os.Stderr, "Public Key: 0x%s\n", signer.PublicKeyHex())
	if keyHex == "" && devLabel == "" {
		fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}

	if printTyped {
		td, err := req.TypedDataJSON(eip)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Typed data:")
		fmt.Fprintln(os.Stderr, td)
	}

	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}
