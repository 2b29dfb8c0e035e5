package registry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	dai = MustTicker("DAI")
	rep = MustTicker("REP")
	zrx = MustTicker("ZRX")

	daiRef = common.HexToAddress("0xDA00000000000000000000000000000000000000")
	repRef = common.HexToAddress("0xE500000000000000000000000000000000000000")
)

func TestNewTicker(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		{"short", "DAI", false},
		{"max width", strings.Repeat("A", TickerSize), false},
		{"empty", "", true},
		{"too long", strings.Repeat("A", TickerSize+1), true},
		{"zero byte", "DA\x00I", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticker, err := NewTicker(tt.symbol)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTicker) {
					t.Fatalf("err = %v, want ErrInvalidTicker", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ticker.String() != tt.symbol {
				t.Errorf("String() = %q, want %q", ticker.String(), tt.symbol)
			}
		})
	}
}

func TestTickerPadding(t *testing.T) {
	ticker := MustTicker("REP")
	for i := 3; i < TickerSize; i++ {
		if ticker[i] != 0 {
			t.Fatalf("byte %d = %d, want 0", i, ticker[i])
		}
	}
}

func TestTickerJSONMapKey(t *testing.T) {
	in := map[Ticker]uint64{dai: 10, rep: 5}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"DAI":10`) {
		t.Errorf("encoded = %s, want DAI key", data)
	}

	var out map[Ticker]uint64
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[rep] != 5 {
		t.Errorf("out[REP] = %d, want 5", out[rep])
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(dai)

	if err := r.Register(dai, daiRef); err != nil {
		t.Fatalf("register DAI: %v", err)
	}
	if err := r.Register(rep, repRef); err != nil {
		t.Fatalf("register REP: %v", err)
	}

	asset, err := r.Get(rep)
	if err != nil {
		t.Fatalf("get REP: %v", err)
	}
	if asset.Ref != repRef {
		t.Errorf("ref = %s, want %s", asset.Ref.Hex(), repRef.Hex())
	}

	if err := r.Register(rep, daiRef); !errors.Is(err, ErrDuplicateTicker) {
		t.Errorf("duplicate register err = %v, want ErrDuplicateTicker", err)
	}
	if _, err := r.Get(zrx); !errors.Is(err, ErrUnknownTicker) {
		t.Errorf("get unknown err = %v, want ErrUnknownTicker", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].Ticker != dai || list[1].Ticker != rep {
		t.Errorf("list = %v, want [DAI REP] in registration order", list)
	}
}

func TestRequireTradable(t *testing.T) {
	r := New(dai)
	r.Register(dai, daiRef)
	r.Register(rep, repRef)

	if err := r.RequireTradable(rep); err != nil {
		t.Errorf("REP should be tradable: %v", err)
	}
	if err := r.RequireTradable(dai); !errors.Is(err, ErrQuoteAssetNotTradable) {
		t.Errorf("DAI err = %v, want ErrQuoteAssetNotTradable", err)
	}
	if err := r.RequireTradable(zrx); !errors.Is(err, ErrUnknownTicker) {
		t.Errorf("ZRX err = %v, want ErrUnknownTicker", err)
	}
}

func TestRollbackAndPending(t *testing.T) {
	r := New(dai)
	r.Restore(Asset{Ticker: dai, Ref: daiRef})

	if got := len(r.Pending()); got != 0 {
		t.Fatalf("pending after restore = %d, want 0", got)
	}

	cp := r.Checkpoint()
	r.Register(rep, repRef)
	if !r.Exists(rep) {
		t.Fatal("REP should exist before rollback")
	}
	r.Rollback(cp)

	if r.Exists(rep) {
		t.Error("REP should be gone after rollback")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}

	r.Register(zrx, repRef)
	pending := r.Pending()
	if len(pending) != 1 || pending[0].Ticker != zrx {
		t.Errorf("pending = %v, want [ZRX]", pending)
	}
	r.MarkFlushed()
	if len(r.Pending()) != 0 {
		t.Error("pending should be empty after MarkFlushed")
	}
}
