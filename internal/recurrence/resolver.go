// Package recurrence computes occurrences of RFC 5545 RRULE expressions.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/t77yq/listing-scheduler/internal/model"
)

var supportedFrequencies = map[rrule.Frequency]bool{
	rrule.YEARLY:   true,
	rrule.MONTHLY:  true,
	rrule.WEEKLY:   true,
	rrule.DAILY:    true,
	rrule.HOURLY:   true,
	rrule.MINUTELY: true,
}

// Resolver resolves recurrence rules against an anchor instant
type Resolver struct{}

// NewResolver creates a new resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Validate checks that rule is a well-formed, supported expression
func (r *Resolver) Validate(rule string) error {
	opt, err := parse(rule)
	if err != nil {
		return err
	}
	opt.Dtstart = time.Now().UTC().Truncate(time.Second)
	if _, err := rrule.NewRRule(*opt); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidRecurrenceRule, err)
	}
	return nil
}

// Next returns the earliest occurrence strictly after the given instant,
// using anchor as the rule's start. ok is false once COUNT or UNTIL is exhausted.
func (r *Resolver) Next(rule string, anchor, after time.Time) (next time.Time, ok bool, err error) {
	opt, err := parse(rule)
	if err != nil {
		return time.Time{}, false, err
	}
	opt.Dtstart = anchor.Truncate(time.Second)

	set, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", model.ErrInvalidRecurrenceRule, err)
	}

	next = set.After(after, false)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

func parse(rule string) (*rrule.ROption, error) {
	text := strings.TrimSpace(rule)
	if len(text) >= len("RRULE:") && strings.EqualFold(text[:len("RRULE:")], "RRULE:") {
		text = text[len("RRULE:"):]
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty expression", model.ErrInvalidRecurrenceRule)
	}
	if strings.Contains(text, "\n") {
		return nil, fmt.Errorf("%w: expected a single RRULE line", model.ErrInvalidRecurrenceRule)
	}

	opt, err := rrule.StrToROption(strings.ToUpper(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRecurrenceRule, err)
	}
	if !supportedFrequencies[opt.Freq] {
		return nil, fmt.Errorf("%w: unsupported frequency %s", model.ErrInvalidRecurrenceRule, opt.Freq)
	}
	if opt.Interval < 0 {
		return nil, fmt.Errorf("%w: interval must be positive", model.ErrInvalidRecurrenceRule)
	}
	if opt.Count < 0 {
		return nil, fmt.Errorf("%w: count must be positive", model.ErrInvalidRecurrenceRule)
	}
	return opt, nil
}
