package cwndlab

import (
	"sync"
	"testing"
)

func TestByteCounter(t *testing.T) {
	t.Run("Swap returns the bytes added since the previous Swap", func(t *testing.T) {
		adder, swapper := NewByteCounter()
		adder.Add(10)
		adder.Add(5)
		if got := swapper.Swap(); got != 15 {
			t.Fatal("expected 15, got", got)
		}
		if got := swapper.Swap(); got != 0 {
			t.Fatal("expected 0, got", got)
		}
		adder.Add(7)
		if got := swapper.Swap(); got != 7 {
			t.Fatal("expected 7, got", got)
		}
	})

	t.Run("concurrent Add and Swap do not lose bytes", func(t *testing.T) {
		const (
			writers    = 4
			iterations = 10000
		)
		adder, swapper := NewByteCounter()

		done := make(chan any)
		swappedch := make(chan int64, 1)
		go func() {
			var swapped int64
			for {
				select {
				case <-done:
					swappedch <- swapped
					return
				default:
					swapped += swapper.Swap()
				}
			}
		}()

		wg := &sync.WaitGroup{}
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					adder.Add(3)
				}
			}()
		}
		wg.Wait()
		close(done)

		total := <-swappedch + swapper.Swap()
		if total != writers*iterations*3 {
			t.Fatal("lost bytes: got", total)
		}
	})
}
