package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/spotdex/pkg/app/core/matching"
	"github.com/uhyunpark/spotdex/pkg/app/exchange"
)

const publishTimeout = 5 * time.Second

// Forwarder queues committed trades and publishes them on its own goroutine,
// so a slow broker never holds up an exchange call
type Forwarder struct {
	pub    Publisher
	queue  chan []matching.Trade
	logger *zap.Logger

	wg sync.WaitGroup
}

func NewForwarder(pub Publisher, buffer int, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Forwarder{
		pub:    pub,
		queue:  make(chan []matching.Trade, buffer),
		logger: logger,
	}
}

// Listener returns the exchange hook that feeds the queue
// A full queue drops the batch and logs it
func (f *Forwarder) Listener() exchange.Listener {
	return func(u exchange.Update) {
		if len(u.Trades) == 0 {
			return
		}
		select {
		case f.queue <- u.Trades:
		default:
			f.logger.Warn("trade_events_dropped",
				zap.Stringer("ticker", u.Ticker),
				zap.Int("trades", len(u.Trades)))
		}
	}
}

// Start publishes queued batches until ctx is cancelled, then drains the queue
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case trades := <-f.queue:
				f.publish(trades)
			case <-ctx.Done():
				for {
					select {
					case trades := <-f.queue:
						f.publish(trades)
					default:
						return
					}
				}
			}
		}
	}()
}

func (f *Forwarder) publish(trades []matching.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := f.pub.PublishTrades(ctx, trades); err != nil {
		f.logger.Warn("trade_events_publish_failed", zap.Error(err))
	}
}

// Wait blocks until the publishing goroutine has drained and exited
func (f *Forwarder) Wait() {
	f.wg.Wait()
}
