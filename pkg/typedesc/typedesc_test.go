package typedesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructCanonicalOrder(t *testing.T) {
	a := Struct(map[string]string{"lat": "f64", "lon": "f64"})
	b := Struct(map[string]string{"lon": "f64", "lat": "f64"})
	assert.Equal(t, a, b)
	assert.Equal(t, Descriptor("struct<lat:f64,lon:f64>"), a)
}

func TestCompatible(t *testing.T) {
	d := Struct(map[string]string{"x": "f32"})
	assert.True(t, d.Compatible(d))
	assert.False(t, d.Compatible(Descriptor("bytes")))
	assert.True(t, Descriptor("bytes").Compatible(d))
}

func TestRegistryConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("gps", Struct(map[string]string{"lat": "f64"})))
	require.NoError(t, r.Register("gps", Struct(map[string]string{"lat": "f64"})))
	assert.Error(t, r.Register("gps", Struct(map[string]string{"lat": "f32"})))

	d, ok := r.Lookup("gps")
	require.True(t, ok)
	assert.Equal(t, Struct(map[string]string{"lat": "f64"}), d)
}
