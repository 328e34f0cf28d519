// reservebench hammers a single property with concurrent reservation
// attempts against a live Redis ledger and reports how many acquisitions
// were granted. Exactly one should win per TTL window.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jwoo-kim/estate-ledger/internal/adapter/storage"
	"github.com/jwoo-kim/estate-ledger/internal/clock"
	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
	"github.com/jwoo-kim/estate-ledger/internal/core/lease"
)

const (
	redisAddr     = "localhost:6379"
	totalRequests = 50
	leaseTTL      = 30 * time.Second
)

func main() {
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	ledger := storage.NewRedisLedger(rdb)

	// Seed a fresh property so every run starts from Free.
	propertyID := "bench-" + uuid.NewString()
	_, err := ledger.AppendEvent(ctx, propertyID, domain.Event{
		Owner:     "bench-owner",
		Price:     500000,
		At:        time.Now(),
		Address:   "1 Bench Street",
		CreatedBy: "bench",
	})
	if err != nil {
		log.Fatalf("failed to seed property: %v", err)
	}

	coordinator := lease.NewCoordinator(ledger, clock.NewSystem(), lease.WithTTL(leaseTTL))

	var granted atomic.Int32
	var conflicts atomic.Int32
	var failures atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			holder := fmt.Sprintf("holder-%d", n)
			_, err := coordinator.Acquire(ctx, propertyID, holder)
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, domain.ErrAlreadyHeld):
				conflicts.Add(1)
			default:
				failures.Add(1)
				log.Printf("acquire error: %v", err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("property:  %s\n", propertyID)
	fmt.Printf("requests:  %d in %s\n", totalRequests, elapsed)
	fmt.Printf("granted:   %d\n", granted.Load())
	fmt.Printf("conflicts: %d\n", conflicts.Load())
	fmt.Printf("failures:  %d\n", failures.Load())

	if granted.Load() != 1 {
		log.Fatalf("expected exactly 1 granted lease, got %d", granted.Load())
	}
}
