package series

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaman-cal/seriesd/server/storage"
)

func TestDecodePatch(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected Patch
		wantErr  bool
	}{
		{
			name: "descriptive fields",
			body: `{"title":"Retro","description":"","organizer":"ops"}`,
			expected: Patch{
				Title:       mo.Some("Retro"),
				Description: mo.Some(""),
				Organizer:   mo.Some("ops"),
			},
		},
		{
			name: "times are normalized to UTC",
			body: `{"start_time":"2024-01-08T11:00:00+02:00","end_time":"2024-01-08T10:00:00"}`,
			expected: Patch{
				StartTime: mo.Some(time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)),
				EndTime:   mo.Some(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)),
			},
		},
		{
			name: "rule, policy, lock and version",
			body: `{"recurrence_rule":"","target_policy":{"include":["1"],"exclude":[]},"is_locked":false,"lock_version":3}`,
			expected: Patch{
				RecurrenceRule:  mo.Some(""),
				TargetPolicy:    mo.Some(storage.TargetPolicy{Include: []string{"1"}, Exclude: []string{}}),
				IsLocked:        mo.Some(false),
				ExpectedVersion: mo.Some(int64(3)),
			},
		},
		{name: "unknown field", body: `{"status":"APPROVED"}`, wantErr: true},
		{name: "null value", body: `{"title":null}`, wantErr: true},
		{name: "wrong type", body: `{"is_all_day":"yes"}`, wantErr: true},
		{name: "bad timestamp", body: `{"start_time":"tomorrow"}`, wantErr: true},
		{name: "unknown policy field", body: `{"target_policy":{"only":["1"]}}`, wantErr: true},
		{name: "not an object", body: `[1]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePatch([]byte(tt.body))
			if tt.wantErr {
				assertErrorType(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p)
		})
	}
}

func TestPatch_AffectsTime(t *testing.T) {
	assert.False(t, Patch{Title: mo.Some("x"), IsLocked: mo.Some(true)}.AffectsTime())
	assert.True(t, Patch{EndTime: mo.Some(time.Now())}.AffectsTime())
	assert.True(t, Patch{RecurrenceRule: mo.Some("")}.AffectsTime())
	assert.True(t, Patch{TargetPolicy: mo.Some(storage.TargetPolicy{})}.AffectsTime())
}

func TestDecodeDefinition(t *testing.T) {
	def, err := DecodeDefinition([]byte(`{
		"title": "Standup",
		"start_time": "2024-01-01T09:00:00Z",
		"end_time": "2024-01-01T10:00:00",
		"recurrence_rule": "WEEKLY;COUNT=4",
		"scope": "SYSTEM",
		"target_policy": {"exclude": ["3"]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "Standup", def.Title)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), def.StartTime)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), def.EndTime)
	assert.Equal(t, storage.ScopeSystem, def.Scope)
	assert.Equal(t, []string{"3"}, def.TargetPolicy.Exclude)

	_, err = DecodeDefinition([]byte(`{"title":"x","start_time":"2024-01-01","end_time":"2024-01-02","color":"red"}`))
	assertErrorType(t, err, ErrInvalidInput)

	_, err = DecodeDefinition([]byte(`{"title":"x","end_time":"2024-01-02"}`))
	assertErrorType(t, err, ErrInvalidInput)
}
