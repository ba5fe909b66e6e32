package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/santralab/santral/internal/intent"
)

func TestGetSetWithinTTL(t *testing.T) {
	c := New(time.Minute, 10)

	c.Set("tenant-a", intent.CategoryPricing, "Fiyat nedir?", "Planlar 100 TL'den başlar.")
	got, ok := c.Get("tenant-a", intent.CategoryPricing, "fiyat nedir")
	if !ok {
		t.Fatalf("Get after Set = miss, want hit")
	}
	if got != "Planlar 100 TL'den başlar." {
		t.Fatalf("Get = %q, want stored value", got)
	}
}

func TestExpiredEntryIsPurgedAndMisses(t *testing.T) {
	c := New(time.Minute, 10)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("tenant-a", intent.CategoryInfo, "çalışma saatleri", "09:00 - 18:00 arası açığız.")

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get("tenant-a", intent.CategoryInfo, "çalışma saatleri"); ok {
		t.Fatalf("Get after TTL = hit, want miss")
	}
	if s := c.Stats(); s.Size != 0 {
		t.Fatalf("Size after expiry purge = %d, want 0", s.Size)
	}
}

func TestEvictsLeastRecentlyAccessed(t *testing.T) {
	c := New(time.Minute, 2)

	c.Set("t", intent.CategoryInfo, "first", "v1")
	c.Set("t", intent.CategoryInfo, "second", "v2")

	// Touch first so second becomes the eviction candidate.
	if _, ok := c.Get("t", intent.CategoryInfo, "first"); !ok {
		t.Fatalf("warm-up Get(first) = miss, want hit")
	}

	c.Set("t", intent.CategoryInfo, "third", "v3")

	if _, ok := c.Get("t", intent.CategoryInfo, "first"); !ok {
		t.Fatalf("first was evicted, want it kept (recently accessed)")
	}
	if _, ok := c.Get("t", intent.CategoryInfo, "second"); ok {
		t.Fatalf("second survived, want it evicted as least recently accessed")
	}
	if _, ok := c.Get("t", intent.CategoryInfo, "third"); !ok {
		t.Fatalf("third missing after insert")
	}
}

func TestTenantIsolation(t *testing.T) {
	c := New(time.Minute, 10)

	c.Set("tenant-a", intent.CategoryPricing, "ne kadar", "A fiyatı")
	if _, ok := c.Get("tenant-b", intent.CategoryPricing, "ne kadar"); ok {
		t.Fatalf("tenant-b read tenant-a's entry")
	}
}

func TestInvalidateTenantOnlyDropsThatTenant(t *testing.T) {
	c := New(time.Minute, 10)

	c.Set("tenant-a", intent.CategoryInfo, "q1", "v1")
	c.Set("tenant-a", intent.CategoryInfo, "q2", "v2")
	c.Set("tenant-b", intent.CategoryInfo, "q1", "v3")

	if removed := c.InvalidateTenant("tenant-a"); removed != 2 {
		t.Fatalf("InvalidateTenant removed %d, want 2", removed)
	}
	if _, ok := c.Get("tenant-a", intent.CategoryInfo, "q1"); ok {
		t.Fatalf("tenant-a entry survived invalidation")
	}
	if _, ok := c.Get("tenant-b", intent.CategoryInfo, "q1"); !ok {
		t.Fatalf("tenant-b entry lost during tenant-a invalidation")
	}
}

func TestKeyNormalizationCollapsesEquivalentText(t *testing.T) {
	c := New(time.Minute, 10)

	c.Set("t", intent.CategoryPricing, "Fiyat   Nedir?!", "yanıt")
	if _, ok := c.Get("t", intent.CategoryPricing, "fiyat nedir"); !ok {
		t.Fatalf("normalized variants did not share a key")
	}
	if _, ok := c.Get("t", intent.CategoryInfo, "fiyat nedir"); ok {
		t.Fatalf("different intents shared a key")
	}
}

func TestStats(t *testing.T) {
	c := New(time.Minute, 10)

	c.Set("t", intent.CategoryInfo, "soru", "cevap")
	c.Get("t", intent.CategoryInfo, "soru")
	c.Get("t", intent.CategoryInfo, "soru")
	c.Get("t", intent.CategoryInfo, "bilinmeyen")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Fatalf("Stats = %+v, want 2 hits 1 miss", s)
	}
	if want := 2.0 / 3.0; s.HitRate < want-0.001 || s.HitRate > want+0.001 {
		t.Fatalf("HitRate = %v, want ~%v", s.HitRate, want)
	}
	if s.Size != 1 {
		t.Fatalf("Size = %d, want 1", s.Size)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	c := New(time.Minute, 3)
	for i := 0; i < 10; i++ {
		c.Set("t", intent.CategoryInfo, fmt.Sprintf("q%d", i), "v")
	}
	if s := c.Stats(); s.Size != 3 {
		t.Fatalf("Size = %d, want capped at 3", s.Size)
	}
}
