package service

import (
	"context"
	"errors"
	"testing"
)

func TestPriceWatcherRefCounting(t *testing.T) {
	w := NewPriceWatcher(newFakePrices(), &recordingPublisher{}, discardLogger())

	w.Watch("bitcoin")
	w.Watch("bitcoin")
	w.Watch("ethereum")
	w.Unwatch("bitcoin")
	if got := w.Watched(); len(got) != 2 {
		t.Fatalf("watched = %v", got)
	}
	w.Unwatch("bitcoin")
	w.Unwatch("never-watched")
	if got := w.Watched(); len(got) != 1 || got[0] != "ethereum" {
		t.Fatalf("watched = %v", got)
	}
}

func TestPriceWatcherTickPublishes(t *testing.T) {
	prices := newFakePrices()
	prices.set("bitcoin", "65000")
	pub := &recordingPublisher{}
	w := NewPriceWatcher(prices, pub, discardLogger())

	if err := w.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pub.prices) != 0 {
		t.Fatal("empty watch-set must not publish")
	}

	w.Watch("bitcoin")
	w.Watch("unknown-coin")
	if err := w.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pub.prices) != 1 || pub.prices[0].InstrumentID != "bitcoin" {
		t.Fatalf("published = %+v", pub.prices)
	}
	assertDec(t, "price", pub.prices[0].Price, "65000")

	prices.err = errors.New("upstream down")
	if err := w.Tick(context.Background()); err == nil {
		t.Fatal("expected error when pricing fails")
	}
}
