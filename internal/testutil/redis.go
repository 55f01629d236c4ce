package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTestRedisAddr = "localhost:56379"
	// Logical databases 1..15 are leased to test packages; 0 holds the leases.
	firstTestRedisDB = 1
	lastTestRedisDB  = 15
	redisLeaseTTL    = 5 * time.Minute
)

// TestRedisAddr resolves the Redis address from TEST_REDIS_ADDR, then
// REDIS_ADDR, then the local compose default.
func TestRedisAddr() string {
	return envOr("TEST_REDIS_ADDR", envOr("REDIS_ADDR", defaultTestRedisAddr))
}

// SetupTestRedis returns a client bound to a logical database no other test
// package holds. The database is flushed before use and after the test.
// Without a reachable server the test is skipped, or failed when
// TEST_REQUIRE_REDIS is set.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()
	addr := TestRedisAddr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	leases := redis.NewClient(&redis.Options{Addr: addr, DB: 0, DialTimeout: 2 * time.Second})
	if err := leases.Ping(ctx).Err(); err != nil {
		_ = leases.Close()
		unavailable(t, "TEST_REQUIRE_REDIS", "redis unavailable at %s: %v", addr, err)
		return nil
	}

	db, key := leaseRedisDB(ctx, t, leases)
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis db %d: %v", db, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Logf("flush redis db %d: %v", db, err)
		}
		if err := client.Close(); err != nil {
			t.Logf("close redis client: %v", err)
		}
		if err := leases.Del(ctx, key).Err(); err != nil {
			t.Logf("release redis lease %s: %v", key, err)
		}
		if err := leases.Close(); err != nil {
			t.Logf("close redis lease client: %v", err)
		}
	})
	return client
}

func leaseRedisDB(ctx context.Context, t TestingTB, leases *redis.Client) (int, string) {
	t.Helper()
	for db := firstTestRedisDB; db <= lastTestRedisDB; db++ {
		key := fmt.Sprintf("mmkqueue:test:db:%d", db)
		ok, err := leases.SetNX(ctx, key, t.Name(), redisLeaseTTL).Result()
		if err != nil {
			t.Fatalf("lease redis db: %v", err)
		}
		if ok {
			return db, key
		}
	}
	t.Fatalf("no free redis test database in %d..%d", firstTestRedisDB, lastTestRedisDB)
	return 0, ""
}
