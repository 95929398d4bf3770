package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestETASeconds(t *testing.T) {
	_, ok := ETASeconds(2048, 0, 0)
	assert.False(t, ok, "unknown rate has no ETA")

	eta, ok := ETASeconds(4096, 1024, 1.5)
	assert.True(t, ok)
	assert.InDelta(t, 2.0, eta, 1e-9)

	eta, ok = ETASeconds(1024, 4096, 1)
	assert.True(t, ok)
	assert.Zero(t, eta)
}

func TestFormatETATiers(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "0 seconds"},
		{59.9, "59 seconds"},
		{60, "1 minutes and 0 seconds"},
		{3599, "59 minutes and 59 seconds"},
		{3600, "1h, 0m and 0s"},
		{86399, "23h, 59m and 59s"},
		{86400, "1d, 0h, 0m and 0s"},
		{2*86400 + 5*3600 + 7*60 + 9, "2d, 5h, 7m and 9s"},
		{-4, "0 seconds"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatETA(tc.seconds), "seconds=%v", tc.seconds)
	}
}
