package custody

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrSupplyOverflow        = errors.New("token supply overflow")
)

// Token is an in-memory ERC20-style fungible token
// Faucet mints to anyone, which is what devnet fixtures need
type Token struct {
	mu         sync.RWMutex
	name       string
	address    common.Address
	supply     uint64
	balances   map[common.Address]uint64
	allowances map[common.Address]map[common.Address]uint64 // owner -> spender -> amount
}

func newToken(name string, address common.Address) *Token {
	return &Token{
		name:       name,
		address:    address,
		balances:   make(map[common.Address]uint64),
		allowances: make(map[common.Address]map[common.Address]uint64),
	}
}

func (t *Token) Name() string            { return t.name }
func (t *Token) Address() common.Address { return t.address }

func (t *Token) TotalSupply() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

func (t *Token) BalanceOf(owner common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[owner]
}

// Faucet mints amount to the recipient
func (t *Token) Faucet(to common.Address, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.supply+amount < t.supply {
		return fmt.Errorf("%w: %s", ErrSupplyOverflow, t.name)
	}
	t.supply += amount
	t.balances[to] += amount
	return nil
}

// Approve sets how much spender may pull from owner, replacing any previous allowance
func (t *Token) Approve(owner, spender common.Address, amount uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bySpender, ok := t.allowances[owner]
	if !ok {
		bySpender = make(map[common.Address]uint64)
		t.allowances[owner] = bySpender
	}
	bySpender[spender] = amount
}

func (t *Token) Allowance(owner, spender common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowances[owner][spender]
}

// Transfer moves amount from the caller's own balance
func (t *Token) Transfer(from, to common.Address, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

// TransferFrom moves amount on behalf of from, spending spender's allowance
func (t *Token) TransferFrom(spender, from, to common.Address, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowances[from][spender]
	if allowed < amount {
		return fmt.Errorf("%w: %s allowance %d, need %d", ErrInsufficientAllowance, t.name, allowed, amount)
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	if amount > 0 {
		t.allowances[from][spender] = allowed - amount
	}
	return nil
}

func (t *Token) moveLocked(from, to common.Address, amount uint64) error {
	have := t.balances[from]
	if have < amount {
		return fmt.Errorf("%w: %s have %d, need %d", ErrInsufficientFunds, t.name, have, amount)
	}
	t.balances[from] = have - amount
	t.balances[to] += amount
	return nil
}
