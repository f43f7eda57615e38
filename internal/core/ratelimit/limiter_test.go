package ratelimit

import (
	"testing"
	"time"
)

func TestBucketRefill(t *testing.T) {
	b := NewBucket(5, 1.0)
	for i := 0; i < 5; i++ {
		ok, _ := b.Consume(1)
		if !ok {
			t.Fatalf("consume %d should have succeeded", i)
		}
	}
	ok, retryAfter := b.Consume(1)
	if ok {
		t.Fatal("6th consume should fail")
	}
	if retryAfter < 0.95 || retryAfter > 1.05 {
		t.Fatalf("retry_after = %v, want ~1.0", retryAfter)
	}

	b.lastRefill = b.lastRefill.Add(-2 * time.Second)
	ok, _ = b.Consume(2)
	if !ok {
		t.Fatal("after 2s, consuming cost=2 should succeed")
	}
}

func TestTierTable(t *testing.T) {
	cases := []struct {
		tier        Tier
		rpm, hourly int
		heavy       int
	}{
		{TierFree, 30, 500, 5},
		{TierStandard, 60, 1000, 10},
		{TierPremium, 120, 5000, 30},
		{TierUnlimited, 1000, 100000, 100},
	}
	for _, c := range cases {
		cfg, ok := Tiers[c.tier]
		if !ok {
			t.Fatalf("tier %s missing from table", c.tier)
		}
		if cfg.RequestsPerMinute != c.rpm || cfg.RequestsPerHour != c.hourly || cfg.HeavyRequestsPerMinute != c.heavy {
			t.Fatalf("tier %s = %+v, want rpm=%d hourly=%d heavy=%d", c.tier, cfg, c.rpm, c.hourly, c.heavy)
		}
	}
}

func TestRateLimitHeaders(t *testing.T) {
	l := NewLimiter(TierStandard)
	d := l.Allow("client-k", 1, false)
	if !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	if d.Limit != 90 { // 60 rpm * 1.5 burst
		t.Fatalf("limit = %d, want 90", d.Limit)
	}
	if d.Remaining != 89 {
		t.Fatalf("remaining = %d, want 89", d.Remaining)
	}
}

func TestEndpointCostMap(t *testing.T) {
	if c := CostFor("POST", "/v1/chat"); c.Cost != 2 || !c.Heavy {
		t.Fatalf("chat cost = %+v, want cost=2 heavy=true", c)
	}
	if c := CostFor("POST", "/v1/skills/call"); c.Cost != 3 || !c.Heavy {
		t.Fatalf("skills/call cost = %+v, want cost=3 heavy=true", c)
	}
	if c := CostFor("GET", "/v1/status"); c.Cost != 1 || c.Heavy {
		t.Fatalf("default cost = %+v, want cost=1 heavy=false", c)
	}
}

func TestClientIDPrecedence(t *testing.T) {
	if got := ClientID("abc123", "jwtprefix", "1.2.3.4", "5.6.7.8:9"); got != "key:abc123" {
		t.Fatalf("api key prefix should win, got %q", got)
	}
	if got := ClientID("", "jwtprefix", "1.2.3.4", "5.6.7.8:9"); got != "jwt:jwtprefix" {
		t.Fatalf("jwt prefix should win absent api key, got %q", got)
	}
	if got := ClientID("", "", "1.2.3.4, 5.6.7.8", "9.9.9.9:1"); got != "ip:1.2.3.4" {
		t.Fatalf("forwarded-for head should win, got %q", got)
	}
}

func TestPruneRemovesIdleClients(t *testing.T) {
	l := NewLimiter(TierStandard)
	l.Allow("stale", 1, false)
	l.clients["stale"].normal.lastRefill = time.Now().Add(-2 * time.Hour)
	removed := l.Prune(time.Hour)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}
