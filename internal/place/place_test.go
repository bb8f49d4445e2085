package place

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("arm/int8")
	require.NoError(t, err)
	assert.Equal(t, Place{TargetARM, PrecisionInt8, LayoutNCHW}, p)

	p, err = Parse("x86/fp32/any")
	require.NoError(t, err)
	assert.Equal(t, Place{TargetX86, PrecisionFloat, LayoutAny}, p)

	for _, bad := range []string{"", "arm", "gpu/float", "arm/fp16", "arm/int8/NHWC", "a/b/c/d"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseListKeepsOrder(t *testing.T) {
	places, err := ParseList("arm/int8, arm/float,host/float")
	require.NoError(t, err)
	require.Len(t, places, 3)
	assert.Equal(t, "arm/int8/NCHW", places[0].String())
	assert.Equal(t, "host/float/NCHW", places[2].String())
	assert.Equal(t, 1, Index(places, New(TargetARM, PrecisionFloat)))
	assert.Equal(t, -1, Index(places, New(TargetX86, PrecisionFloat)))
}

func TestCompatibleAndResolve(t *testing.T) {
	anyPlace := Place{TargetAny, PrecisionAny, LayoutAny}
	armInt8 := New(TargetARM, PrecisionInt8)
	armFloat := New(TargetARM, PrecisionFloat)

	assert.True(t, Compatible(armInt8, anyPlace))
	assert.False(t, Compatible(armInt8, armFloat))
	assert.True(t, TargetCompatible(armInt8, armFloat))
	assert.False(t, PrecisionCompatible(armInt8, armFloat))

	resolved := Resolve(Place{TargetHost, PrecisionAny, LayoutAny}, armInt8)
	assert.Equal(t, Place{TargetHost, PrecisionInt8, LayoutNCHW}, resolved)
	assert.True(t, resolved.Valid())
	assert.False(t, Place{}.Valid())
}
