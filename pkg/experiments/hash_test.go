package experiments

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketHashGoldenValues(t *testing.T) {
	// Pinned values: the hash feeds persisted assignments, so any change here
	// silently re-buckets every subject.
	tests := []struct {
		input string
		want  uint32
	}{
		{"hello", 754077114},
		{"checkout-flow:customer:42", 1295228226},
		{"exp:variant:user:7", 629552275},
		{"pricing-v2:traffic:session:abc123", 612373796},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, BucketHash(tt.input))
		})
	}
}

func TestBucketHashDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		input := fmt.Sprintf("experiment-%d:customer:%d", i, i*31)
		assert.Equal(t, BucketHash(input), BucketHash(input))
	}
}

func TestBucketHashSpreadsInputs(t *testing.T) {
	seen := make(map[uint32]string)
	for i := 0; i < 1000; i++ {
		input := fmt.Sprintf("spread-check:customer:%d", i)
		h := BucketHash(input)
		if prev, ok := seen[h]; ok {
			t.Fatalf("collision between %q and %q", prev, input)
		}
		seen[h] = input
	}
}
