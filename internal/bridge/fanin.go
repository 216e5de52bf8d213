package bridge

import (
	"sync"

	"github.com/sua-org/hik2mqtt/internal/eventbus"
)

// fanIn merges N per-camera record channels into one, each with its own
// forwarding goroutine so a single source's order is never disturbed by
// another source blocking. out closes once every source has closed.
func fanIn(sources ...<-chan eventbus.Record) <-chan eventbus.Record {
	out := make(chan eventbus.Record)

	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go func(src <-chan eventbus.Record) {
			defer wg.Done()
			for rec := range src {
				out <- rec
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
