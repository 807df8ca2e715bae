package opid

import (
	"strings"
	"sync"
	"testing"
)

func TestNextIsUniqueAcrossGoroutines(t *testing.T) {
	g := NewGenerator(42)

	const workers, perWorker = 8, 500
	ids := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, workers*perWorker)
	for id := range ids {
		if !strings.HasPrefix(id, "42-") {
			t.Fatalf("id %q lacks node prefix", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
