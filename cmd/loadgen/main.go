// Command loadgen drives synthetic traffic through a resilientclient.Client
// at a shaped arrival rate, to exercise the limiter and breaker the way a
// real bursty caller would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	resilientclient "github.com/dskow/resilientclient"
)

func main() {
	target := flag.String("target", "http://localhost:3001/", "URL to send requests to")
	rps := flag.Float64("rps", 20, "target requests per second")
	burst := flag.Int("burst", 5, "token bucket burst size")
	duration := flag.Duration("duration", 30*time.Second, "how long to run")
	maxInFlight := flag.Int("max-in-flight", 10, "client MaxInFlight")
	maxQueue := flag.Int("max-queue", 20, "client MaxQueue")
	enqueueTimeoutMs := flag.Int("enqueue-timeout-ms", 500, "client EnqueueTimeoutMS")
	requestTimeoutMs := flag.Int("request-timeout-ms", 2000, "client RequestTimeoutMS")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	client := resilientclient.New(resilientclient.Config{
		MaxInFlight:      *maxInFlight,
		MaxQueue:         *maxQueue,
		EnqueueTimeoutMS: *enqueueTimeoutMs,
		RequestTimeoutMS: *requestTimeoutMs,
		Breaker: resilientclient.BreakerConfig{
			WindowSize:       20,
			MinRequests:      5,
			FailureThreshold: 0.5,
			CooldownMS:       5000,
			HalfOpenProbes:   2,
		},
		Logger: logger,
	})

	var okCount, errCount, rejectCount int64
	client.Subscribe(resilientclient.EventRequestReject, func(payload any) {
		atomic.AddInt64(&rejectCount, 1)
	})

	limiter := rate.NewLimiter(rate.Limit(*rps), *burst)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	logger.Info("starting load generation", "target", *target, "rps", *rps, "duration", *duration)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			logger.Info("progress", "ok", atomic.LoadInt64(&okCount), "errors", atomic.LoadInt64(&errCount), "rejected", atomic.LoadInt64(&rejectCount))
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			break
		}

		go func() {
			_, err := client.Request(ctx, resilientclient.Request{
				Method: resilientclient.MethodGet,
				URL:    *target,
			})
			if err != nil {
				atomic.AddInt64(&errCount, 1)
				return
			}
			atomic.AddInt64(&okCount, 1)
		}()
	}

	snap := client.Snapshot()
	fmt.Printf("\nfinal: ok=%d errors=%d rejected=%d in_flight=%d queue_depth=%d\n",
		atomic.LoadInt64(&okCount), atomic.LoadInt64(&errCount), atomic.LoadInt64(&rejectCount),
		snap.InFlight, snap.QueueDepth)
	for _, b := range snap.Breakers {
		fmt.Printf("breaker[%s]: state=%s window=%d/%d\n", b.Key, b.State, b.WindowFailures, b.WindowCount)
	}
}
