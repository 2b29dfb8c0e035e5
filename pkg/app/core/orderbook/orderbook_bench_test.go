package orderbook

import "testing"

// prefill rests levels bids at 1000 down and levels asks at 1100 up, one order each
func prefill(b *Book, levels int) uint64 {
	id := uint64(1)
	for i := 0; i < levels; i++ {
		b.Insert(newOrder(id, Buy, uint64(1000-i), 100))
		b.Insert(newOrder(id+1, Sell, uint64(1100+i), 100))
		id += 2
	}
	b.Commit()
	b.ClearDirty()
	return id
}

// BenchmarkInsert measures sorted insertion into a book with 100 levels per side
func BenchmarkInsert(b *testing.B) {
	book := New()
	next := prefill(book, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := Buy
		price := uint64(900 + i%100)
		if i%2 == 0 {
			side = Sell
			price = uint64(1100 + i%100)
		}
		book.Insert(newOrder(next, side, price, 10))
		next++
		book.Commit()
	}
}

// BenchmarkRemove measures removal by id from 1000 resting orders
func BenchmarkRemove(b *testing.B) {
	b.StopTimer()
	for i := 0; i < b.N; i++ {
		if i%1000 == 0 {
			book := New()
			prefill(book, 500)
			b.StartTimer()
			for id := uint64(1); id <= 1000 && i < b.N; id++ {
				side := Buy
				if id%2 == 0 {
					side = Sell
				}
				book.Remove(rep, side, id)
				book.Commit()
				i++
			}
			b.StopTimer()
		}
	}
}

// BenchmarkBestOpposite measures best bid/ask lookup
func BenchmarkBestOpposite(b *testing.B) {
	book := New()
	prefill(book, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = book.BestOpposite(rep, Buy)
		_ = book.BestOpposite(rep, Sell)
	}
}

// BenchmarkDepth measures price level aggregation, used by the API and websocket pushes
func BenchmarkDepth(b *testing.B) {
	book := New()
	prefill(book, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = book.Depth(rep, Buy)
		_ = book.Depth(rep, Sell)
	}
}
