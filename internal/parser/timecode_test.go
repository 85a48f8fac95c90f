package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestampRange(t *testing.T) {
	tr, ok := ParseTimestampRange("00:00:00-00:00:26 (27 sec)")
	require.True(t, ok)
	assert.Equal(t, 0.0, tr.Start)
	assert.Equal(t, fptr(26), tr.End)
	assert.Equal(t, fptr(27), tr.Duration)
}

func TestParseTimestampRange_Single(t *testing.T) {
	tr, ok := ParseTimestampRange("01:02:03")
	require.True(t, ok)
	assert.Equal(t, 3723.0, tr.Start)
	assert.Nil(t, tr.End)
	assert.Nil(t, tr.Duration)
}

func TestParseTimestampRange_LongHours(t *testing.T) {
	tr, ok := ParseTimestampRange("99:59:59-100:00:00 (1 sec)")
	require.True(t, ok)
	assert.Equal(t, 359999.0, tr.Start)
	assert.Equal(t, fptr(360000), tr.End)
	assert.Equal(t, fptr(1), tr.Duration)
}

func TestParseTimestampRange_Span(t *testing.T) {
	s := "Donald Trump 00:01:00 Hello"
	tr, ok := ParseTimestampRange(s)
	require.True(t, ok)
	assert.Equal(t, "Donald Trump ", s[:tr.Span[0]])
	assert.Equal(t, "Hello", s[tr.Span[1]:])
}

func TestParseTimestampRange_None(t *testing.T) {
	_, ok := ParseTimestampRange("at ten thirty")
	assert.False(t, ok)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"01:02:03", 3723, true},
		{"02:03", 123, true},
		{"1:05", 65, true},
		{"42", 42, true},
		{"4.5", 4.5, true},
		{"", 0, false},
		{"soon", 0, false},
		{"1:5", 0, false},
		{"00:61", 0, false},
		{"1:2:3:4", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseClock(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
