package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/listing-scheduler/internal/model"
)

func TestResolver_Next(t *testing.T) {
	r := NewResolver()
	anchor := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		rule   string
		after  time.Time
		want   time.Time
		wantOK bool
	}{
		{
			name:   "daily",
			rule:   "FREQ=DAILY;INTERVAL=1",
			after:  anchor.Add(time.Hour),
			want:   anchor.AddDate(0, 0, 1),
			wantOK: true,
		},
		{
			name:   "rrule prefix",
			rule:   "RRULE:FREQ=DAILY",
			after:  anchor,
			want:   anchor.AddDate(0, 0, 1),
			wantOK: true,
		},
		{
			name:   "weekly every other week",
			rule:   "FREQ=WEEKLY;INTERVAL=2",
			after:  anchor.Add(time.Minute),
			want:   anchor.AddDate(0, 0, 14),
			wantOK: true,
		},
		{
			name:   "monthly",
			rule:   "FREQ=MONTHLY",
			after:  time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2026, 2, 15, 9, 30, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			name:   "yearly",
			rule:   "FREQ=YEARLY",
			after:  anchor,
			want:   anchor.AddDate(1, 0, 0),
			wantOK: true,
		},
		{
			name:   "strictly after an occurrence",
			rule:   "FREQ=DAILY",
			after:  anchor.AddDate(0, 0, 3),
			want:   anchor.AddDate(0, 0, 4),
			wantOK: true,
		},
		{
			name:   "before anchor yields anchor",
			rule:   "FREQ=DAILY",
			after:  anchor.Add(-time.Hour),
			want:   anchor,
			wantOK: true,
		},
		{
			name:   "count exhausted",
			rule:   "FREQ=DAILY;COUNT=3",
			after:  anchor.AddDate(0, 0, 2),
			wantOK: false,
		},
		{
			name:   "until exhausted",
			rule:   "FREQ=DAILY;UNTIL=20260117T093000Z",
			after:  anchor.AddDate(0, 0, 2),
			wantOK: false,
		},
		{
			name:   "until not yet reached",
			rule:   "FREQ=DAILY;UNTIL=20260117T093000Z",
			after:  anchor.AddDate(0, 0, 1),
			want:   anchor.AddDate(0, 0, 2),
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok, err := r.Next(tt.rule, anchor, tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, tt.want.Equal(next), "want %s, got %s", tt.want, next)
				assert.True(t, next.After(tt.after))
			}
		})
	}
}

func TestResolver_NextKeepsAnchorLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 09:00 local across the DST change at the end of March
	anchor := time.Date(2026, 3, 28, 9, 0, 0, 0, loc)
	next, ok, err := NewResolver().Next("FREQ=DAILY", anchor, anchor)
	require.NoError(t, err)
	require.True(t, ok)

	local := next.In(loc)
	assert.Equal(t, 29, local.Day())
	assert.Equal(t, 9, local.Hour())
}

func TestResolver_InvalidRules(t *testing.T) {
	r := NewResolver()
	rules := []string{
		"",
		"   ",
		"FREQ=SOMETIMES",
		"INTERVAL=2",
		"FREQ=SECONDLY",
		"FREQ=DAILY;INTERVAL=-1",
		"not a rule",
	}

	for _, rule := range rules {
		t.Run(rule, func(t *testing.T) {
			err := r.Validate(rule)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidRecurrenceRule)

			_, _, err = r.Next(rule, time.Now(), time.Now())
			assert.ErrorIs(t, err, model.ErrInvalidRecurrenceRule)
		})
	}
}

func TestResolver_Validate(t *testing.T) {
	r := NewResolver()
	for _, rule := range []string{
		"FREQ=DAILY;INTERVAL=1",
		"freq=weekly;byday=mo,we",
		"RRULE:FREQ=MONTHLY;COUNT=6",
		"FREQ=HOURLY;INTERVAL=6",
	} {
		assert.NoError(t, r.Validate(rule), rule)
	}
}
