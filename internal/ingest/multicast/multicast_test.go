package multicast

import (
	"context"
	"testing"
	"time"
)

func TestRun_noMulticastReturnsSentinelError(t *testing.T) {
	cfg := Config{
		Addr:          "239.255.0.99",
		Port:          19998,
		WaitTimeout:   50 * time.Millisecond,
		SessionLength: time.Second,
	}
	err := Run(context.Background(), cfg, func([]byte, time.Time) {
		t.Fatal("handle should not be called when nothing is published")
	})
	if err != ErrNoMulticast {
		t.Fatalf("err = %v, want ErrNoMulticast", err)
	}
}

func TestRun_contextCancelStopsCleanly(t *testing.T) {
	cfg := Config{
		Addr:          "239.255.0.99",
		Port:          19999,
		WaitTimeout:   5 * time.Second,
		SessionLength: 5 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, cfg, func([]byte, time.Time) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
