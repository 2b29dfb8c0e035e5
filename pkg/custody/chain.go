package custody

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownToken = errors.New("unknown token")

// Custody moves one external asset between traders and the exchange
type Custody interface {
	// TransferIn pulls amount from a trader into the exchange; needs a prior approval
	TransferIn(ctx context.Context, from common.Address, amount uint64) error
	// TransferOut pays amount from the exchange to a trader
	TransferOut(ctx context.Context, to common.Address, amount uint64) error
	BalanceOf(ctx context.Context, owner common.Address) (uint64, error)
}

// Provider resolves the custody for an asset ref (token address)
type Provider interface {
	Custody(ref common.Address) (Custody, error)
}

// Chain is a devnet of mock tokens
// Contract addresses are derived like CREATE addresses: keccak(rlp(deployer, nonce))
type Chain struct {
	mu       sync.RWMutex
	deployer common.Address
	nonce    uint64
	tokens   map[common.Address]*Token
}

func NewChain(deployer common.Address) *Chain {
	return &Chain{
		deployer: deployer,
		tokens:   make(map[common.Address]*Token),
	}
}

// Deploy creates a new token at the next deterministic address
func (c *Chain) Deploy(name string) *Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := crypto.CreateAddress(c.deployer, c.nonce)
	c.nonce++

	token := newToken(name, addr)
	c.tokens[addr] = token
	return token
}

// Token returns the token deployed at addr
func (c *Chain) Token(addr common.Address) (*Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return token, nil
}

// Tokens lists deployed tokens by name
func (c *Chain) Tokens() []*Token {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tokens := make([]*Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].name < tokens[j].name })
	return tokens
}

// Provider returns custody over this chain's tokens held by exchange
func (c *Chain) Provider(exchange common.Address) Provider {
	return &chainProvider{chain: c, exchange: exchange}
}

type chainProvider struct {
	chain    *Chain
	exchange common.Address
}

func (p *chainProvider) Custody(ref common.Address) (Custody, error) {
	token, err := p.chain.Token(ref)
	if err != nil {
		return nil, err
	}
	return NewTokenCustody(token, p.exchange), nil
}

// TokenCustody holds one token on behalf of the exchange account
type TokenCustody struct {
	token    *Token
	exchange common.Address
}

func NewTokenCustody(token *Token, exchange common.Address) *TokenCustody {
	return &TokenCustody{token: token, exchange: exchange}
}

func (tc *TokenCustody) TransferIn(ctx context.Context, from common.Address, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tc.token.TransferFrom(tc.exchange, from, tc.exchange, amount)
}

func (tc *TokenCustody) TransferOut(ctx context.Context, to common.Address, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tc.token.Transfer(tc.exchange, to, amount)
}

func (tc *TokenCustody) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return tc.token.BalanceOf(owner), nil
}

var _ Custody = (*TokenCustody)(nil)
var _ Provider = (*chainProvider)(nil)
