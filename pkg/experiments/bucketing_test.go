package experiments

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesTargeting(t *testing.T) {
	tests := []struct {
		name       string
		rules      map[string]any
		attributes map[string]any
		want       bool
	}{
		{
			name:       "empty rules match everything",
			rules:      nil,
			attributes: nil,
			want:       true,
		},
		{
			name:       "empty rules match with attributes present",
			rules:      map[string]any{},
			attributes: map[string]any{"plan": "pro"},
			want:       true,
		},
		{
			name:       "rules with no attributes never match",
			rules:      map[string]any{"plan": "pro"},
			attributes: nil,
			want:       false,
		},
		{
			name:       "exact match",
			rules:      map[string]any{"plan": "pro", "country": "US"},
			attributes: map[string]any{"plan": "pro", "country": "US", "extra": "ignored"},
			want:       true,
		},
		{
			name:       "value mismatch",
			rules:      map[string]any{"plan": "pro"},
			attributes: map[string]any{"plan": "free"},
			want:       false,
		},
		{
			name:       "missing key",
			rules:      map[string]any{"plan": "pro", "country": "US"},
			attributes: map[string]any{"plan": "pro"},
			want:       false,
		},
		{
			name:       "type-sensitive equality",
			rules:      map[string]any{"seats": float64(5)},
			attributes: map[string]any{"seats": 5},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesTargeting(tt.rules, tt.attributes))
		})
	}
}

func TestInTrafficAllocationBoundaries(t *testing.T) {
	assert.True(t, InTrafficAllocation("exp", 100, "customer:1"))
	assert.True(t, InTrafficAllocation("exp", 150, "customer:1"))
	assert.False(t, InTrafficAllocation("exp", 0, "customer:1"))
	assert.False(t, InTrafficAllocation("exp", -5, "customer:1"))
}

func TestInTrafficAllocationDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("customer:%d", i)
		first := InTrafficAllocation("checkout-flow", 50, subject)
		for j := 0; j < 5; j++ {
			assert.Equal(t, first, InTrafficAllocation("checkout-flow", 50, subject))
		}
	}
}

// A subject admitted at percentage P must stay admitted at every higher
// percentage, otherwise ramping traffic up re-buckets existing subjects.
func TestInTrafficAllocationMonotonic(t *testing.T) {
	for i := 0; i < 200; i++ {
		subject := fmt.Sprintf("customer:%d", i)
		admitted := false
		for pct := 0; pct <= 100; pct++ {
			in := InTrafficAllocation("ramp-test", pct, subject)
			if admitted {
				assert.True(t, in, "subject %s dropped when ramping from lower pct to %d", subject, pct)
			}
			if in {
				admitted = true
			}
		}
		assert.True(t, admitted, "subject %s never admitted even at 100%%", subject)
	}
}

func TestInTrafficAllocationApproximatesPercentage(t *testing.T) {
	const n = 10000
	included := 0
	for i := 0; i < n; i++ {
		if InTrafficAllocation("split-test", 30, fmt.Sprintf("customer:%d", i)) {
			included++
		}
	}
	// Allow +/- 2 percentage points of sampling noise.
	assert.InDelta(t, 0.30, float64(included)/n, 0.02)
}

func makeVariants(weights ...int) []*Variant {
	variants := make([]*Variant, len(weights))
	for i, w := range weights {
		variants[i] = &Variant{
			ID:       int64(i + 1),
			Key:      fmt.Sprintf("variant-%d", i),
			Weight:   w,
			Position: i,
		}
	}
	return variants
}

func TestSelectVariantEmptySet(t *testing.T) {
	assert.Nil(t, SelectVariant(nil, "exp", "customer:1"))
}

func TestSelectVariantZeroTotalWeight(t *testing.T) {
	variants := makeVariants(0, 0)
	got := SelectVariant(variants, "exp", "customer:1")
	require.NotNil(t, got)
	assert.Equal(t, variants[1].Key, got.Key)
}

func TestSelectVariantDeterministic(t *testing.T) {
	variants := makeVariants(1, 1, 2)
	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("customer:%d", i)
		first := SelectVariant(variants, "exp", subject)
		require.NotNil(t, first)
		for j := 0; j < 5; j++ {
			assert.Equal(t, first.Key, SelectVariant(variants, "exp", subject).Key)
		}
	}
}

func TestSelectVariantIndependentPerExperiment(t *testing.T) {
	variants := makeVariants(1, 1)
	differs := false
	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("customer:%d", i)
		a := SelectVariant(variants, "experiment-a", subject)
		b := SelectVariant(variants, "experiment-b", subject)
		if a.Key != b.Key {
			differs = true
			break
		}
	}
	assert.True(t, differs, "selection should not be correlated across experiments")
}

func TestSelectVariantWeightedDistribution(t *testing.T) {
	const n = 100000
	variants := makeVariants(1, 3)
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		v := SelectVariant(variants, "weighted-test", fmt.Sprintf("customer:%d", i))
		counts[v.Key]++
	}

	// 1:3 weights should land near 25%/75%, +/- 2 percentage points.
	assert.InDelta(t, 0.25, float64(counts["variant-0"])/n, 0.02)
	assert.InDelta(t, 0.75, float64(counts["variant-1"])/n, 0.02)
}

func BenchmarkBucketHash(b *testing.B) {
	for i := 0; i < b.N; i++ {
		BucketHash("checkout-flow:variant:customer:42")
	}
}

func BenchmarkInTrafficAllocation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		InTrafficAllocation("checkout-flow", 50, "customer:42")
	}
}

func BenchmarkSelectVariant(b *testing.B) {
	variants := makeVariants(25, 25, 50)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SelectVariant(variants, "checkout-flow", "customer:42")
	}
}
