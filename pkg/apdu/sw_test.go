package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		sw   uint16
		want SWClass
	}{
		{0x9000, SWClassSuccess},
		{0x6110, SWClassSuccess},
		{0x6100, SWClassSuccess},
		{0x9100, SWClassSuccess},
		{0x91FF, SWClassSuccess},
		{0x9F20, SWClassSuccess},
		{0x6200, SWClassWarning},
		{0x6383, SWClassWarning},
		{0x63C2, SWClassWarning},
		{0x6400, SWClassError},
		{0x6700, SWClassError},
		{0x6A82, SWClassError},
		{0x6C10, SWClassError},
		{0x6D00, SWClassError},
		{0x6F00, SWClassError},
		{0x0000, SWClassUnknown},
		{0x1234, SWClassUnknown},
		{0x7000, SWClassUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.sw), "sw=%04X", tt.sw)
	}
}

func TestSWClassString(t *testing.T) {
	assert.Equal(t, "success", SWClassSuccess.String())
	assert.Equal(t, "warning", SWClassWarning.String())
	assert.Equal(t, "error", SWClassError.String())
	assert.Equal(t, "unknown", SWClassUnknown.String())
}

func TestMoreData(t *testing.T) {
	n, ok := MoreData(0x6120)
	assert.True(t, ok)
	assert.Equal(t, 0x20, n)

	n, ok = MoreData(0x6100)
	assert.True(t, ok)
	assert.Equal(t, 256, n)

	_, ok = MoreData(0x9000)
	assert.False(t, ok)
}

func TestWrongLe(t *testing.T) {
	n, ok := WrongLe(0x6C08)
	assert.True(t, ok)
	assert.Equal(t, 0x08, n)

	n, ok = WrongLe(0x6C00)
	assert.True(t, ok)
	assert.Equal(t, 256, n)

	_, ok = WrongLe(0x6D00)
	assert.False(t, ok)
}

func TestRetryCounter(t *testing.T) {
	n, ok := RetryCounter(0x63C2)
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	n, ok = RetryCounter(0x63C0)
	assert.True(t, ok)
	assert.Zero(t, n)

	_, ok = RetryCounter(0x6383)
	assert.False(t, ok)
}

func TestFormatSW(t *testing.T) {
	assert.Equal(t, "9000", FormatSW(0x9000))
	assert.Equal(t, "6A82", FormatSW(0x6A82))
}
