// Command nvartbench is a load-generator and smoke-test CLI for pkg/art:
// it opens (or creates) an nvm-backed store, runs a configurable number
// of worker goroutines concurrently inserting, looking up, and removing
// synthetic keys, and reports operation counts and elapsed time plus a
// final consistency check.
package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dolthub/maphash"
	flag "github.com/spf13/pflag"

	"github.com/flier/nvart/pkg/art"
	"github.com/flier/nvart/pkg/nvm"
)

func main() {
	var (
		path       = flag.String("path", "", "backing file path (required)")
		fileSize   = flag.Int64("file-size", 64<<20, "initial backing file size in bytes")
		pageSize   = flag.Int("page-size", 4096, "nvm page size in bytes")
		maxThreads = flag.Int("max-threads", 64, "max concurrent nvm thread regions")
		workers    = flag.Int("workers", 4, "number of concurrent worker goroutines")
		keysPer    = flag.Int("keys", 100_000, "number of distinct keys each worker cycles through")
		seed       = flag.Uint64("seed", 1, "base offset mixed into each worker's synthetic-key stream so workers never collide")
		fresh      = flag.Bool("fresh", false, "remove any existing file at -path before opening")
	)
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "nvartbench: -path is required")
		os.Exit(2)
	}

	if *fresh {
		_ = os.Remove(*path)
	}

	tree, mgr, err := art.Open(nvm.Config{
		Path:       *path,
		FileSize:   *fileSize,
		PageSize:   *pageSize,
		MaxThreads: *maxThreads,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "nvartbench: open %s: %v\n", *path, err)
		os.Exit(1)
	}
	defer mgr.Close()

	hasher := maphash.NewHasher[uint64]()
	hasher = maphash.NewSeed(hasher)

	var inserted, looked, removed, restarts atomic.Uint64

	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(tree, hasher, *seed+uint64(worker), *keysPer, &inserted, &looked, &removed, &restarts)
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)

	fmt.Printf("workers=%d keys/worker=%d elapsed=%s\n", *workers, *keysPer, elapsed)
	fmt.Printf("inserted=%d looked_up=%d removed=%d restarts_observed=%d\n",
		inserted.Load(), looked.Load(), removed.Load(), restarts.Load())

	verifyPresence(tree, hasher, *seed, *workers, *keysPer)
}

// runWorker drives one goroutine's share of the workload: insert every
// key, look each one back up, then remove every other key, synthesizing
// 8-byte keys by hashing (worker-seed, i) so two workers' key streams
// never collide.
func runWorker(tree *art.Tree, hasher maphash.Hasher[uint64], workerSeed uint64, n int, inserted, looked, removed, restarts *atomic.Uint64) {
	for i := 0; i < n; i++ {
		k := keyFor(hasher, workerSeed, i)

		if _, err := tree.Insert(k[:], uint64(i)); err != nil {
			restarts.Add(1)
			continue
		}
		inserted.Add(1)

		if _, ok, err := tree.Lookup(k[:]); err == nil && ok {
			looked.Add(1)
		}

		if i%2 == 0 {
			if res, err := tree.Remove(k[:]); err == nil && res == art.Removed {
				removed.Add(1)
			}
		}
	}
}

// verifyPresence re-reads every odd-indexed key (the ones runWorker never
// removed) and reports any that failed to resolve, as a smoke check that
// the store survived the concurrent workload intact.
func verifyPresence(tree *art.Tree, hasher maphash.Hasher[uint64], seed uint64, workers, keysPer int) {
	missing := 0
	for w := 0; w < workers; w++ {
		workerSeed := seed + uint64(w)
		for i := 1; i < keysPer; i += 2 {
			k := keyFor(hasher, workerSeed, i)
			if _, ok, err := tree.Lookup(k[:]); err != nil || !ok {
				missing++
			}
		}
	}
	if missing > 0 {
		fmt.Printf("verify: %d surviving keys failed to resolve\n", missing)
		os.Exit(1)
	}
	fmt.Println("verify: all surviving keys resolved")
}

func keyFor(hasher maphash.Hasher[uint64], workerSeed uint64, i int) [8]byte {
	h := hasher.Hash(workerSeed<<32 | uint64(uint32(i)))
	var k [8]byte
	for b := 0; b < 8; b++ {
		k[b] = byte(h >> (8 * b))
	}
	return k
}
