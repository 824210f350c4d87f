package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// ActionType tags an action as a question or a comment.
type ActionType string

const (
	ActionQuestion ActionType = "question"
	ActionComment  ActionType = "comment"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionQuestion, ActionComment:
		return true
	default:
		return false
	}
}

const (
	// DefaultActionSize is the font size hint given to new actions.
	DefaultActionSize = 48
	// DefaultActionColor is the accent color given to new actions.
	DefaultActionColor = "#6366f1"
)

// Action is a question or comment attached to a session.
// TimeMargin is the number of seconds between StartTime and the last sweep; nil when StartTime is unknown.
type Action struct {
	ID         string     `json:"id"`
	ActionID   int        `json:"action_id"`
	Type       ActionType `json:"type"`
	Content    string     `json:"content"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	TimeMargin *float64   `json:"time_margin"`
	Size       int        `json:"size"`
	Color      string     `json:"color"`
}

// UnmarshalJSON decodes an action, treating an unparsable start_time as missing
// so one bad timestamp yields a null margin instead of rejecting the whole list.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var raw struct {
		plain
		StartTime json.RawMessage `json:"start_time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Action(raw.plain)
	a.StartTime = parseStartTime(raw.StartTime)
	return nil
}

func parseStartTime(raw json.RawMessage) *time.Time {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil || t.IsZero() {
		return nil
	}
	return &t
}

// CloneActions deep-copies an action list, including pointer fields.
func CloneActions(in []Action) []Action {
	if in == nil {
		return []Action{}
	}
	out := make([]Action, len(in))
	for i, a := range in {
		if a.StartTime != nil {
			t := *a.StartTime
			a.StartTime = &t
		}
		if a.TimeMargin != nil {
			m := *a.TimeMargin
			a.TimeMargin = &m
		}
		out[i] = a
	}
	return out
}

// MarginAt returns the seconds elapsed between the action's StartTime and now.
// The value is not clamped, so a StartTime in the future yields a negative margin.
func (a Action) MarginAt(now time.Time) *float64 {
	if a.StartTime == nil || a.StartTime.IsZero() {
		return nil
	}
	m := now.Sub(*a.StartTime).Seconds()
	return &m
}
