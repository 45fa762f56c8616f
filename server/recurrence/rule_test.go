package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	until := time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name      string
		input     string
		want      *Rule
		canonical string
	}{
		{
			name:      "bare leading frequency",
			input:     "WEEKLY;INTERVAL=1;COUNT=4",
			want:      &Rule{Freq: Weekly, Interval: 1, Count: 4},
			canonical: "FREQ=WEEKLY;INTERVAL=1;COUNT=4",
		},
		{
			name:      "freq key with rrule prefix",
			input:     "RRULE:FREQ=DAILY;INTERVAL=2",
			want:      &Rule{Freq: Daily, Interval: 2},
			canonical: "FREQ=DAILY;INTERVAL=2",
		},
		{
			name:      "lower case and trailing separator",
			input:     "freq=monthly;byday=1mo;",
			want:      &Rule{Freq: Monthly, Interval: 1, ByDay: []DayRef{{N: 1, Day: time.Monday}}},
			canonical: "FREQ=MONTHLY;INTERVAL=1;BYDAY=1MO",
		},
		{
			name:      "until and byday list",
			input:     "FREQ=WEEKLY;UNTIL=20240301T235959Z;BYDAY=MO,WE,-1FR",
			want:      &Rule{Freq: Weekly, Interval: 1, Until: &until, ByDay: []DayRef{{Day: time.Monday}, {Day: time.Wednesday}, {N: -1, Day: time.Friday}}},
			canonical: "FREQ=WEEKLY;INTERVAL=1;UNTIL=20240301T235959Z;BYDAY=MO,WE,-1FR",
		},
		{
			name:      "date only until is midnight",
			input:     "YEARLY;UNTIL=20300101",
			want:      &Rule{Freq: Yearly, Interval: 1, Until: ptrTime(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))},
			canonical: "FREQ=YEARLY;INTERVAL=1;UNTIL=20300101T000000Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRule(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want.Freq, got.Freq)
			assert.Equal(t, tt.want.Interval, got.Interval)
			assert.Equal(t, tt.want.Count, got.Count)
			assert.Equal(t, tt.want.ByDay, got.ByDay)
			if tt.want.Until == nil {
				assert.Nil(t, got.Until)
			} else {
				require.NotNil(t, got.Until)
				assert.True(t, tt.want.Until.Equal(*got.Until))
			}
			assert.Equal(t, tt.canonical, got.String())

			reparsed, err := ParseRule(got.String())
			require.NoError(t, err)
			assert.Equal(t, got.String(), reparsed.String())
		})
	}
}

func TestParseRule_Invalid(t *testing.T) {
	inputs := map[string]string{
		"empty":                "",
		"missing frequency":    "INTERVAL=2;COUNT=3",
		"unknown frequency":    "HOURLY;COUNT=3",
		"zero interval":        "DAILY;INTERVAL=0",
		"negative count":       "DAILY;COUNT=-1",
		"garbage until":        "DAILY;UNTIL=tomorrow",
		"bad weekday":          "WEEKLY;BYDAY=XX",
		"zero ordinal":         "MONTHLY;BYDAY=0MO",
		"unsupported part":     "DAILY;BYMONTH=1",
		"duplicate key":        "DAILY;COUNT=1;COUNT=2",
		"bare token not first": "COUNT=2;DAILY",
		"empty middle part":    "DAILY;;COUNT=2",
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRule(input)
			require.Error(t, err)
			var ruleErr *InvalidRuleError
			assert.True(t, errors.As(err, &ruleErr))
			assert.Equal(t, input, ruleErr.Rule)
		})
	}
}

func TestNormalizeRule(t *testing.T) {
	got, err := NormalizeRule("  ")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = NormalizeRule("daily;count=3")
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;INTERVAL=1;COUNT=3", got)

	_, err = NormalizeRule("FREQ=SOMETIMES")
	assert.Error(t, err)
}

func TestRule_WithUntil(t *testing.T) {
	rule, err := ParseRule("WEEKLY;COUNT=10;BYDAY=MO")
	require.NoError(t, err)

	cut := time.Date(2024, 1, 14, 23, 59, 59, 0, time.FixedZone("UTC+2", 7200))
	bounded := rule.WithUntil(cut)

	assert.Nil(t, rule.Until, "original must not change")
	require.NotNil(t, bounded.Until)
	assert.Equal(t, time.UTC, bounded.Until.Location())
	assert.Equal(t, 10, bounded.Count)
	assert.True(t, bounded.Bounded())
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=1;COUNT=10;UNTIL=20240114T215959Z;BYDAY=MO", bounded.String())

	bounded.ByDay[0].Day = time.Tuesday
	assert.Equal(t, time.Monday, rule.ByDay[0].Day)
}

func TestRule_Truncate(t *testing.T) {
	cut := time.Date(2024, 1, 19, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "unbounded", raw: "FREQ=DAILY", want: "FREQ=DAILY;INTERVAL=1;UNTIL=20240119T235959Z"},
		{name: "later until", raw: "FREQ=DAILY;UNTIL=20240301T000000Z", want: "FREQ=DAILY;INTERVAL=1;UNTIL=20240119T235959Z"},
		{name: "earlier until kept", raw: "FREQ=DAILY;UNTIL=20240105T235959Z", want: "FREQ=DAILY;INTERVAL=1;UNTIL=20240105T235959Z"},
		{name: "count kept", raw: "FREQ=WEEKLY;COUNT=3", want: "FREQ=WEEKLY;INTERVAL=1;COUNT=3;UNTIL=20240119T235959Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRule(tt.raw)
			require.NoError(t, err)
			before := rule.String()

			assert.Equal(t, tt.want, rule.Truncate(cut).String())
			assert.Equal(t, before, rule.String(), "original must not change")
		})
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
