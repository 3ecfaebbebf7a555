package pushkey_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

func TestParams_Badge(t *testing.T) {
	testCases := []struct {
		name        string
		params      pushkey.Params
		expected    int
		expectError bool
	}{
		{name: "Absent defaults to zero", params: pushkey.Params{}, expected: 0},
		{name: "Nil map defaults to zero", params: nil, expected: 0},
		{name: "Query string value", params: pushkey.Params{"badge": "3"}, expected: 3},
		{name: "Padded query string value", params: pushkey.Params{"badge": " 7 "}, expected: 7},
		{name: "JSON number", params: pushkey.Params{"badge": float64(12)}, expected: 12},
		{name: "Native int", params: pushkey.Params{"badge": 4}, expected: 4},
		{name: "Zero is allowed", params: pushkey.Params{"badge": "0"}, expected: 0},
		{name: "Non numeric", params: pushkey.Params{"badge": "lots"}, expectError: true},
		{name: "Negative", params: pushkey.Params{"badge": "-1"}, expectError: true},
		{name: "Fractional JSON number", params: pushkey.Params{"badge": 1.5}, expectError: true},
		{name: "Unsupported type", params: pushkey.Params{"badge": true}, expectError: true},
		{name: "Largest badge", params: pushkey.Params{"badge": int64(math.MaxInt32)}, expected: math.MaxInt32},
		{name: "Oversized int64", params: pushkey.Params{"badge": int64(math.MaxInt32) + 1}, expectError: true},
		{name: "Oversized query string", params: pushkey.Params{"badge": "4294967296"}, expectError: true},
		{name: "Oversized JSON number", params: pushkey.Params{"badge": float64(1 << 40)}, expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			badge, err := tc.params.Badge()
			if tc.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, pushkey.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, badge)
		})
	}
}

func TestParams_Passthrough(t *testing.T) {
	params := pushkey.Params{"badge": "3", "url": "https://example.com", "level": float64(2)}

	out := params.Passthrough()

	assert.Equal(t, map[string]any{"url": "https://example.com", "level": float64(2)}, out)
	assert.Contains(t, params, "badge", "source map must not be modified")
}

func TestOutcome(t *testing.T) {
	assert.True(t, pushkey.Delivered().IsDelivered())
	assert.Empty(t, pushkey.Delivered().Reason)

	failed := pushkey.Failed("BadDeviceToken")
	assert.False(t, failed.IsDelivered())
	assert.Equal(t, "BadDeviceToken", failed.Reason)
	assert.Equal(t, "failed", failed.Status.String())
}

func TestParams_Scalars(t *testing.T) {
	params := pushkey.Params{
		"url":    "https://example.com",
		"level":  float64(2),
		"silent": true,
		"nested": map[string]any{"x": 1},
		"list":   []any{1},
		"none":   nil,
	}

	out := params.Scalars()

	assert.Equal(t, pushkey.Params{"url": "https://example.com", "level": float64(2), "silent": true}, out)
	assert.Len(t, params, 6, "source map must not be modified")
}

func TestScalarText(t *testing.T) {
	testCases := []struct {
		in       any
		expected string
		ok       bool
	}{
		{"hi", "hi", true},
		{float64(5), "5", true},
		{2.5, "2.5", true},
		{int64(7), "7", true},
		{false, "false", true},
		{nil, "", false},
		{map[string]any{}, "", false},
	}

	for _, tc := range testCases {
		text, ok := pushkey.ScalarText(tc.in)
		assert.Equal(t, tc.ok, ok, "%v", tc.in)
		assert.Equal(t, tc.expected, text, "%v", tc.in)
	}
}
