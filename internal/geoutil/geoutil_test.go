package geoutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineZeroDistance(t *testing.T) {
	d := Haversine(40.7128, -74.0060, 40.7128, -74.0060)
	assert.InDelta(t, 0, d, 1e-6)
}

func TestHaversineKnownDistance(t *testing.T) {
	// NYC to LA, roughly 3935 km.
	d := Haversine(40.7128, -74.0060, 34.0522, -118.2437)
	assert.InDelta(t, 3_935_000, d, 50_000)
}

func TestHaversineNonNegative(t *testing.T) {
	d := Haversine(-10, 170, 10, -170)
	require.GreaterOrEqual(t, d, 0.0)
	require.False(t, math.IsNaN(d))
}

func TestPairKeyCommutative(t *testing.T) {
	assert.Equal(t, PairKey("a", "b"), PairKey("b", "a"))
	assert.Equal(t, "a:b", PairKey("b", "a"))
}

func TestPairKeySameID(t *testing.T) {
	assert.Equal(t, "x:x", PairKey("x", "x"))
}

func TestCanonicalOrder(t *testing.T) {
	first, second, swapped := CanonicalOrder("z", "a")
	assert.Equal(t, "a", first)
	assert.Equal(t, "z", second)
	assert.True(t, swapped)

	first, second, swapped = CanonicalOrder("a", "z")
	assert.Equal(t, "a", first)
	assert.Equal(t, "z", second)
	assert.False(t, swapped)
}
