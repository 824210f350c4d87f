package models

import (
	"time"
)

// Mode selects how the frontend renders a session's actions.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeColorShift Mode = "colorShift"
	ModeSizePulse  Mode = "sizePulse"
)

// Valid reports whether m is one of the known presentation modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeColorShift, ModeSizePulse:
		return true
	default:
		return false
	}
}

// Session is a discussion identified by a short shareable code.
type Session struct {
	Code          string     `json:"code"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Mode          Mode       `json:"mode"`
	HostStartTime time.Time  `json:"host_start_time"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Actions       []Action   `json:"actions"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Ended reports whether the host has closed the session.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	out.Actions = CloneActions(s.Actions)
	return &out
}
