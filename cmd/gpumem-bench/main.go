// Command gpumem-bench exercises concurrent pool alloc/free and prints
// reservoir and pool occupancy, in the spirit of the teacher's
// cmd/inos-node: a small, plain-main harness around the library
// rather than a full CLI framework.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/nmxmxh/gpumem"
	"github.com/nmxmxh/gpumem/internal/config"
	"github.com/nmxmxh/gpumem/internal/driver"
	"github.com/nmxmxh/gpumem/internal/location"
	"github.com/nmxmxh/gpumem/internal/reservoir"
)

func main() {
	workers := flag.Int("workers", 8, "concurrent goroutines allocating/freeing")
	rounds := flag.Int("rounds", 2000, "alloc/free rounds per worker")
	gpu := flag.Int("gpu", -1, "target device index, negative for host")
	levels := flag.Uint("levels", 2, "reservoir cap as arena-levels above ARENA_LEVEL")
	advisor := flag.Bool("advisor", false, "enable the demand advisor")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	lib := gpumem.NewLibrary(
		driver.NewBreakerDriver(driver.NewHeapDriver(0)),
		logger,
		reservoir.WithDemandAdvisor(*advisor),
	)

	loc, err := location.FromGPU(*gpu)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gpumem-bench:", err)
		os.Exit(1)
	}
	if loc.IsHost() {
		lib.SetHostGlobalPoolSize(config.ArenaLevel + uint32(*levels))
	} else {
		if err := lib.SetDeviceGlobalPoolSize(*gpu, config.ArenaLevel+uint32(*levels)); err != nil {
			fmt.Fprintln(os.Stderr, "gpumem-bench:", err)
			os.Exit(1)
		}
	}

	p, err := lib.PoolNew(*gpu)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gpumem-bench:", err)
		os.Exit(1)
	}

	start := time.Now()
	var wg sync.WaitGroup
	var hits, misses int64
	var mu sync.Mutex

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var localHits, localMisses int64

			for r := 0; r < *rounds; r++ {
				size := uint64(1) << uint(rng.Intn(16)+1)
				ptr, ok := p.Alloc(size, 1)
				if !ok {
					localMisses++
					continue
				}
				localHits++
				p.Free(ptr)
			}

			mu.Lock()
			hits += localHits
			misses += localMisses
			mu.Unlock()
		}(int64(w) + 1)
	}
	wg.Wait()

	elapsed := time.Since(start)
	stats := p.Stats()

	fmt.Printf("location=%s workers=%d rounds=%d elapsed=%s hits=%d misses=%d arenas=%d used_bytes=%d pool_empty=%v\n",
		loc, *workers, *rounds, elapsed, hits, misses, stats.ArenaCount, stats.UsedBytes, p.IsEmpty())

	p.Release()
}
