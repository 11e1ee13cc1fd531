package redis

import (
	"testing"
)

func TestClientConfigOptions(t *testing.T) {
	opts, err := ClientConfig{Addr: "localhost:6379", DB: 2, PoolSize: 7}.options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 2 || opts.PoolSize != 7 {
		t.Fatalf("opts = %+v", opts)
	}

	opts, err = ClientConfig{URL: "rediss://:secret@cache.internal:6380/3", Addr: "ignored:1"}.options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Addr != "cache.internal:6380" || opts.DB != 3 || opts.Password != "secret" {
		t.Fatalf("url opts = %+v", opts)
	}
	if opts.TLSConfig == nil {
		t.Fatal("rediss url should enable TLS")
	}

	if _, err := (ClientConfig{URL: "http://nope"}).options(); err == nil {
		t.Fatal("expected error for non-redis url")
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := quoteKey("bitcoin"); got != "quote:bitcoin" {
		t.Fatalf("quoteKey = %q", got)
	}
	if got := lockKey("portfolio:u1"); got != "lock:portfolio:u1" {
		t.Fatalf("lockKey = %q", got)
	}
	if got := rateLimitKey("coingecko"); got != "ratelimit:coingecko" {
		t.Fatalf("rateLimitKey = %q", got)
	}
}
