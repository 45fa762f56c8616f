package recurrence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecurrenceCache_BasicOperations(t *testing.T) {
	cache := NewRecurrenceCache(CacheConfig{
		TTL:             5 * time.Minute,
		MaxEntries:      100,
		CleanupInterval: time.Minute,
	})
	defer cache.Close()

	base := day(2024, 1, 1, 10)
	ws, we := day(2024, 1, 1, 0), day(2024, 1, 31, 0)
	rule := "FREQ=DAILY;INTERVAL=1;COUNT=5"

	result, found := cache.Get(opGenerate, rule, base, ws, we)
	assert.False(t, found)
	assert.Nil(t, result)

	want := []time.Time{base, base.AddDate(0, 0, 1)}
	cache.Set(opGenerate, rule, base, ws, we, want)

	result, found = cache.Get(opGenerate, rule, base, ws, we)
	require.True(t, found)
	assert.Equal(t, want, result)

	// returned slices are copies
	result[0] = time.Time{}
	again, _ := cache.Get(opGenerate, rule, base, ws, we)
	assert.Equal(t, base, again[0])

	stats := cache.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestRecurrenceCache_TTLExpiration(t *testing.T) {
	cache := NewRecurrenceCache(CacheConfig{
		TTL:             100 * time.Millisecond,
		MaxEntries:      100,
		CleanupInterval: 50 * time.Millisecond,
	})
	defer cache.Close()

	base := day(2024, 1, 1, 10)
	cache.Set(opGenerate, "FREQ=DAILY", base, base, base, []time.Time{base})

	_, found := cache.Get(opGenerate, "FREQ=DAILY", base, base, base)
	assert.True(t, found)

	time.Sleep(150 * time.Millisecond)

	_, found = cache.Get(opGenerate, "FREQ=DAILY", base, base, base)
	assert.False(t, found)
}

func TestRecurrenceCache_DifferentKeys(t *testing.T) {
	cache := NewRecurrenceCache(DefaultCacheConfig)
	defer cache.Close()

	base := day(2024, 1, 1, 10)
	ws, we := day(2024, 1, 1, 0), day(2024, 2, 1, 0)

	cache.Set(opGenerate, "FREQ=DAILY", base, ws, we, []time.Time{base})

	variants := []struct {
		name string
		rule string
		base time.Time
		ws   time.Time
		we   time.Time
	}{
		{"rule", "FREQ=WEEKLY", base, ws, we},
		{"base start", "FREQ=DAILY", base.Add(time.Hour), ws, we},
		{"window start", "FREQ=DAILY", base, ws.Add(time.Hour), we},
		{"window end", "FREQ=DAILY", base, ws, we.Add(time.Hour)},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			_, found := cache.Get(opGenerate, v.rule, v.base, v.ws, v.we)
			assert.False(t, found)
		})
	}

	// the same instant in another zone is the same key
	_, found := cache.Get(opGenerate, "FREQ=DAILY", base.In(time.FixedZone("X", 3600)), ws, we)
	assert.True(t, found)
}

func TestRecurrenceCache_MaxEntriesEviction(t *testing.T) {
	cache := NewRecurrenceCache(CacheConfig{
		TTL:             time.Hour,
		MaxEntries:      3,
		CleanupInterval: time.Hour,
	})
	defer cache.Close()

	base := day(2024, 1, 1, 10)
	for i := 0; i < 3; i++ {
		cache.Set(opGenerate, fmt.Sprintf("rule-%d", i), base, base, base, nil)
		time.Sleep(2 * time.Millisecond)
	}

	// touch rule-0 so rule-1 becomes the least recently used
	_, found := cache.Get(opGenerate, "rule-0", base, base, base)
	require.True(t, found)
	time.Sleep(2 * time.Millisecond)

	cache.Set(opGenerate, "rule-3", base, base, base, nil)

	assert.Equal(t, 3, cache.Stats().TotalEntries)
	_, found = cache.Get(opGenerate, "rule-1", base, base, base)
	assert.False(t, found)
	_, found = cache.Get(opGenerate, "rule-0", base, base, base)
	assert.True(t, found)
}

func TestRecurrenceCache_ConcurrentAccess(t *testing.T) {
	cache := NewRecurrenceCache(DefaultCacheConfig)
	defer cache.Close()

	base := day(2024, 1, 1, 10)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rule := fmt.Sprintf("rule-%d-%d", g, i%10)
				cache.Set(opGenerate, rule, base, base, base, []time.Time{base})
				cache.Get(opGenerate, rule, base, base, base)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 80, cache.Stats().TotalEntries)
}

func TestRecurrenceCache_CloseTwice(t *testing.T) {
	cache := NewRecurrenceCache(DefaultCacheConfig)
	cache.Close()
	assert.NotPanics(t, cache.Close)
}

func TestEngineWithCache_LogicalCorrectness(t *testing.T) {
	cached := NewEngineWithConfig(DefaultEngineConfig)
	defer cached.Close()
	plain := NewEngine()

	rule := mustRule(t, "WEEKLY;BYDAY=MO,FR")
	base := day(2024, 1, 1, 9)
	ws, we := day(2024, 2, 1, 0), day(2024, 3, 1, 0)

	want, err := plain.Generate(rule, base, ws, we)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := cached.Generate(rule, base, ws, we)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	stats := cached.CacheStats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, CacheStats{}, plain.CacheStats())
}

func TestEngineConfiguration_Presets(t *testing.T) {
	for name, cfg := range map[string]EngineConfig{
		"default":          DefaultEngineConfig,
		"high performance": HighPerformanceConfig,
		"low memory":       LowMemoryConfig,
		"disabled cache":   DisabledCacheConfig,
	} {
		t.Run(name, func(t *testing.T) {
			engine := NewEngineWithConfig(cfg)
			defer engine.Close()

			assert.Positive(t, engine.Horizon())
			got, err := engine.Generate(mustRule(t, "DAILY;COUNT=3"), day(2024, 1, 1, 9), day(2024, 1, 1, 0), day(2024, 12, 31, 0))
			require.NoError(t, err)
			assert.Len(t, got, 3)
		})
	}
}
