package tests

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jwoo-kim/estate-ledger/internal/adapter/storage"
	"github.com/jwoo-kim/estate-ledger/internal/clock"
	"github.com/jwoo-kim/estate-ledger/internal/core/cache"
	"github.com/jwoo-kim/estate-ledger/internal/core/domain"
	"github.com/jwoo-kim/estate-ledger/internal/core/lease"
	"github.com/jwoo-kim/estate-ledger/internal/core/service"
)

type testEnv struct {
	redis    *redis.Client
	ledger   *storage.RedisLedger
	listings *service.ListingsService
	cleanup  func()
}

type stubAssets struct{}

func (stubAssets) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	return "http://assets.test/" + filename, nil
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	ledger := storage.NewRedisLedger(rdb)
	clk := clock.NewSystem()
	ledgerCache := cache.New(ledger)
	coordinator := lease.NewCoordinator(ledger, clk)
	registration := service.NewRegistrationService(stubAssets{}, ledger, ledgerCache, clk)
	listings := service.NewListingsService(ledgerCache, coordinator, registration)

	return &testEnv{
		redis:    rdb,
		ledger:   ledger,
		listings: listings,
		cleanup: func() {
			rdb.Close()
		},
	}
}

func (env *testEnv) registerProperty(t *testing.T, owner string, price int64) string {
	t.Helper()
	rec, err := env.listings.RegisterProperty(context.Background(), service.RegisterInput{
		Address:   "88 Integration Way",
		Owner:     owner,
		Price:     price,
		CreatedBy: owner,
	})
	if err != nil {
		t.Fatalf("register property: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		env.redis.Del(ctx, "property:"+rec.ID)
		env.redis.SRem(ctx, "properties", rec.ID)
	})
	return rec.ID
}

func TestRegisterThenListRoundTrip(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	id := env.registerProperty(t, "alice", 420000)

	entries, err := env.listings.ListRecords(ctx, domain.Filter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	var found *domain.PropertyRecord
	for i := range entries {
		if entries[i].Record.ID == id {
			found = &entries[i].Record
		}
	}
	if found == nil {
		t.Fatalf("registered property %s not in listing", id)
	}
	if owner, _ := found.CurrentOwner(); owner != "alice" {
		t.Errorf("expected current owner alice, got %q", owner)
	}
	if price, _ := found.CurrentPrice(); price != 420000 {
		t.Errorf("expected current price 420000, got %d", price)
	}
}

func TestReservationLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	id := env.registerProperty(t, "alice", 420000)
	if _, err := env.listings.ListRecords(ctx, domain.Filter{}); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	granted, err := env.listings.AcquireReservation(ctx, id, "bob")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if granted.Holder != "bob" {
		t.Errorf("expected holder bob, got %q", granted.Holder)
	}
	if remaining := env.listings.SecondsRemaining(id); remaining <= 0 || remaining > 12*3600 {
		t.Errorf("countdown out of window: %d", remaining)
	}

	if _, err := env.listings.AcquireReservation(ctx, id, "carol"); !errors.Is(err, domain.ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	if err := env.listings.ReleaseReservation(ctx, id, "carol"); !errors.Is(err, domain.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}

	if err := env.listings.ReleaseReservation(ctx, id, "bob"); err != nil {
		t.Fatalf("holder release failed: %v", err)
	}
	if _, err := env.listings.AcquireReservation(ctx, id, "carol"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestConcurrentReservations_SingleWinner(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	id := env.registerProperty(t, "alice", 420000)
	if _, err := env.listings.ListRecords(ctx, domain.Filter{}); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	const contenders = 20
	var granted atomic.Int32
	var conflicts atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.listings.AcquireReservation(ctx, id, uuid.NewString())
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, domain.ErrAlreadyHeld):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", granted.Load())
	}
	if conflicts.Load() != contenders-1 {
		t.Errorf("expected %d conflicts, got %d", contenders-1, conflicts.Load())
	}
}

func TestLeaseVisibleThroughRefresh(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	id := env.registerProperty(t, "alice", 420000)
	if _, err := env.listings.ListRecords(ctx, domain.Filter{}); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if _, err := env.listings.AcquireReservation(ctx, id, "bob"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// The reservation is durable store state, so a fresh snapshot carries it.
	if _, err := env.listings.ListRecords(ctx, domain.Filter{}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	entry, err := env.listings.GetRecord(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry.Record.Reservation == nil || entry.Record.Reservation.Holder != "bob" {
		t.Errorf("lease not visible through refresh: %+v", entry.Record.Reservation)
	}
	if !entry.Record.Reserved(time.Now()) {
		t.Error("record not reported reserved")
	}
}

func TestRegisterWithPhoto_TwoPhase(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	rec, err := env.listings.RegisterProperty(ctx, service.RegisterInput{
		Address:   "7 Shutter St",
		Owner:     "dave",
		Price:     150000,
		CreatedBy: "dave",
		PhotoName: "front.jpg",
		Photo:     []byte("jpeg-bytes"),
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	t.Cleanup(func() {
		env.redis.Del(ctx, "property:"+rec.ID)
		env.redis.SRem(ctx, "properties", rec.ID)
	})

	if rec.PhotoURL != "http://assets.test/front.jpg" {
		t.Errorf("photo url not recorded: %q", rec.PhotoURL)
	}

	if _, err := env.listings.ListRecords(ctx, domain.Filter{}); err != nil {
		t.Fatal(err)
	}
	entry, err := env.listings.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("get after register: %v", err)
	}
	if entry.Record.PhotoURL != rec.PhotoURL {
		t.Errorf("photo url lost on refresh: %q", entry.Record.PhotoURL)
	}
}
