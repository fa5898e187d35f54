package pool

import (
	"context"
	"testing"
)

func TestProbeSucceedsAgainstLiveConnection(t *testing.T) {
	connect, _ := fakeConnectFunc()
	p := testPool(t, Config{Connect: connect, MaxConns: 2})

	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestProbeAllCoversEveryPool(t *testing.T) {
	pools := map[string]*Pool{}
	for _, name := range []string{"primary", "replica", "reporting"} {
		connect, _ := fakeConnectFunc()
		pools[name] = testPool(t, Config{Connect: connect, MaxConns: 1})
	}

	results := ProbeAll(context.Background(), pools, 2)
	if len(results) != len(pools) {
		t.Fatalf("expected a result for every pool, got %d", len(results))
	}
	for name, err := range results {
		if err != nil {
			t.Fatalf("pool %q: unexpected probe error: %v", name, err)
		}
	}
}

func TestProbeAllDefaultsConcurrencyToOne(t *testing.T) {
	connect, _ := fakeConnectFunc()
	pools := map[string]*Pool{"only": testPool(t, Config{Connect: connect, MaxConns: 1})}

	results := ProbeAll(context.Background(), pools, 0)
	if err := results["only"]; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
