package ratelimit

import (
	"context"
	"testing"
	"time"
)

// shortWait reports whether a request for key is allowed within a few milliseconds
func shortWait(limiter Limiter, key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	return limiter.WaitForKey(ctx, key) == nil
}

func TestLocalLimiterKeyBased(t *testing.T) {
	config := Config{
		RequestsPerSecond: 0.5,
		BurstSize:         2,
		Enabled:           true,
	}

	limiter, err := NewLocalLimiter(config)
	if err != nil {
		t.Fatalf("Failed to create limiter: %v", err)
	}

	key1 := "sess_1"
	key2 := "sess_2"

	// Each key should have its own limit
	for i := 0; i < config.BurstSize; i++ {
		if !shortWait(limiter, key1) {
			t.Errorf("Key1 request %d should be allowed", i)
		}
		if !shortWait(limiter, key2) {
			t.Errorf("Key2 request %d should be allowed", i)
		}
	}

	if shortWait(limiter, key1) {
		t.Error("Key1 should be rate limited")
	}
	if shortWait(limiter, key2) {
		t.Error("Key2 should be rate limited")
	}
}

func TestLocalLimiterWaitHonoursContext(t *testing.T) {
	limiter, err := NewLocalLimiter(Config{
		RequestsPerSecond: 0.1,
		BurstSize:         1,
		Enabled:           true,
	})
	if err != nil {
		t.Fatalf("Failed to create limiter: %v", err)
	}

	if err := limiter.WaitForKey(context.Background(), "sess_1"); err != nil {
		t.Fatalf("First wait should succeed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.WaitForKey(ctx, "sess_1"); err == nil {
		t.Error("Wait should fail when the next token is further away than the deadline")
	}
}

func TestLocalLimiterDisabled(t *testing.T) {
	limiter, err := NewLocalLimiter(Config{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Enabled:           false,
	})
	if err != nil {
		t.Fatalf("Failed to create limiter: %v", err)
	}

	for i := 0; i < 100; i++ {
		if !shortWait(limiter, "sess_1") {
			t.Errorf("Request %d should be allowed when disabled", i)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	config := Config{Enabled: true}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if config.RequestsPerSecond != 2 || config.BurstSize != 2 {
		t.Errorf("Unexpected defaults: rps=%v burst=%d", config.RequestsPerSecond, config.BurstSize)
	}

	bad := Config{Enabled: true, RequestsPerSecond: -1}
	if err := bad.Validate(); err == nil {
		t.Error("Negative rate should be rejected")
	}
}
