// Command bench runs a synthetic workload against the cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/memocache/cache"
	pmet "github.com/IvanBrykalov/memocache/metrics/prom"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := command().Run(context.Background(), os.Args); err != nil {
		slog.Error("bench failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func command() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "synthetic memoization workload",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: 2 * runtime.GOMAXPROCS(0), Usage: "number of worker goroutines", Sources: cli.EnvVars("MEMO_WORKERS")},
			&cli.DurationFlag{Name: "duration", Value: 10 * time.Second, Usage: "benchmark duration", Sources: cli.EnvVars("MEMO_DURATION")},
			&cli.IntFlag{Name: "keys", Value: 1_000_000, Usage: "keyspace size", Sources: cli.EnvVars("MEMO_KEYS")},
			&cli.FloatFlag{Name: "zipf-s", Value: 1.1, Usage: "Zipf s > 1 (skew)"},
			&cli.FloatFlag{Name: "zipf-v", Value: 1.0, Usage: "Zipf v"},
			&cli.IntFlag{Name: "seed", Value: int(time.Now().UnixNano() & 0x7fffffff), Usage: "random seed"},
			&cli.DurationFlag{Name: "latency", Value: 200 * time.Microsecond, Usage: "simulated computation latency", Sources: cli.EnvVars("MEMO_LATENCY")},
			&cli.FloatFlag{Name: "async", Value: 0.3, Usage: "share of requests issued through GetValueAsync [0..1]", Sources: cli.EnvVars("MEMO_ASYNC")},
			&cli.IntFlag{Name: "item-limit", Value: cache.DefaultItemLimit * 100, Usage: "mutable tier size that forces a purge", Sources: cli.EnvVars("MEMO_ITEM_LIMIT")},
			&cli.DurationFlag{Name: "optimize-every", Value: time.Second, Usage: "optimize interval", Sources: cli.EnvVars("MEMO_OPTIMIZE_EVERY")},
			&cli.DurationFlag{Name: "purge-every", Value: 5 * time.Second, Usage: "purge interval", Sources: cli.EnvVars("MEMO_PURGE_EVERY")},
			&cli.StringFlag{Name: "pprof", Usage: "serve pprof at addr (e.g. :6060); empty = disabled", Sources: cli.EnvVars("MEMO_PPROF")},
			&cli.StringFlag{Name: "http", Value: ":8080", Usage: "serve Prometheus metrics at addr; empty = disabled", Sources: cli.EnvVars("MEMO_HTTP")},
			&cli.BoolFlag{Name: "debug", Usage: "log cleanup passes", Sources: cli.EnvVars("MEMO_DEBUG")},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	workers := cmd.Int("workers")
	if workers <= 0 {
		workers = 1
	}
	keys := cmd.Int("keys")
	if keys <= 1 {
		return errors.New("keys must be > 1")
	}
	asyncShare := cmd.Float("async")
	latency := cmd.Duration("latency")

	// ---- pprof server (on DefaultServeMux) ----
	if addr := cmd.String("pprof"); addr != "" {
		go func() {
			log.Info("pprof: serving", slog.String("addr", addr))
			log.Warn("pprof stopped", slog.Any("err", http.ListenAndServe(addr, nil)))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "memocache", "bench", nil)
	if addr := cmd.String("http"); addr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics: serving", slog.String("addr", addr))
			log.Warn("metrics stopped", slog.Any("err", http.ListenAndServe(addr, nil)))
		}()
	}

	// ---- Build cache ----
	c := cache.New[string, string](cache.Options[string, string]{
		Compute: func(ctx context.Context, k string) (string, error) {
			if latency > 0 {
				select {
				case <-time.After(latency):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return "v:" + k, nil
		},
		ItemLimit:     cmd.Int("item-limit"),
		OptimizeEvery: cmd.Duration("optimize-every"),
		PurgeEvery:    cmd.Duration("purge-every"),
		Metrics:       metrics,
		Logger:        log,
	})
	defer func() { _ = c.Close() }()

	// ---- Load generation ----
	var total, async, failures atomic.Uint64
	runCtx, cancel := context.WithTimeout(ctx, cmd.Duration("duration"))
	defer cancel()

	seed := int64(cmd.Int("seed"))
	zipfS, zipfV := cmd.Float("zipf-s"), cmd.Float("zipf-v")
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			r := rand.New(rand.NewSource(seed + int64(w)*9973))
			zipf := rand.NewZipf(r, zipfS, zipfV, uint64(keys-1))

			for runCtx.Err() == nil {
				k := "k:" + strconv.FormatUint(zipf.Uint64(), 10)
				total.Add(1)
				var err error
				if r.Float64() < asyncShare {
					async.Add(1)
					_, err = c.GetValueAsync(runCtx, k).AwaitContext(runCtx)
				} else {
					_, err = c.GetValue(runCtx, k)
				}
				if err != nil && runCtx.Err() == nil {
					failures.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	st := c.Stats()
	ops := total.Load()
	hitRate := 0.0
	if lookups := st.Hits + st.Misses; lookups > 0 {
		hitRate = float64(st.Hits) / float64(lookups) * 100
	}
	hot, warm, cold := c.Len()

	fmt.Printf("workers=%d keys=%d dur=%v seed=%d latency=%v\n", workers, keys, elapsed, seed, latency)
	fmt.Printf("ops=%d (%.0f ops/s)  async=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), async.Load(), failures.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%  computations=%d\n", st.Hits, st.Misses, hitRate, st.Computations)
	fmt.Printf("optimizations=%d  purges=%d  skipped=%d\n", st.Optimizations, st.Purges, st.Skipped)
	fmt.Printf("Len() hot=%d warm=%d cold=%d\n", hot, warm, cold)
	return nil
}
