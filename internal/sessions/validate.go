package sessions

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aura-live/backend/internal/models"
)

const (
	minTitleLength       = 3
	maxDescriptionLength = 200
)

// CreateSessionInput is what a host supplies to open a session.
type CreateSessionInput struct {
	Title       string
	Description string
	Mode        models.Mode
}

// AppendActionInput is what a participant supplies to post an action.
type AppendActionInput struct {
	Type     models.ActionType
	Content  string
	ActionID int
}

func (in *CreateSessionInput) normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return invalid("title", "is required")
	}
	if utf8.RuneCountInString(in.Title) < minTitleLength {
		return invalid("title", "must be at least %d characters", minTitleLength)
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLength {
		return invalid("description", "must be at most %d characters", maxDescriptionLength)
	}
	if in.Mode == "" {
		in.Mode = models.ModeNormal
	}
	if !in.Mode.Valid() {
		return invalid("mode", "unknown mode %q", in.Mode)
	}
	return nil
}

func (in *AppendActionInput) normalize() error {
	if in.ActionID <= 0 {
		return invalid("action_id", "must be a positive integer")
	}
	if !in.Type.Valid() {
		return invalid("type", "must be question or comment")
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return invalid("content", "is required")
	}
	return nil
}

// validateReplacement checks a caller-built action list and fills presentation defaults.
// The returned error names the first offending element.
func validateReplacement(actions []models.Action, allowDuplicateActionIDs bool) ([]models.Action, error) {
	out := models.CloneActions(actions)
	seenIDs := make(map[string]struct{}, len(out))
	seenActionIDs := make(map[int]struct{}, len(out))
	for i := range out {
		a := &out[i]
		field := func(name string) string { return "actions[" + strconv.Itoa(i) + "]." + name }
		if strings.TrimSpace(a.ID) == "" {
			return nil, invalid(field("id"), "is required")
		}
		if a.ActionID <= 0 {
			return nil, invalid(field("action_id"), "must be a positive integer")
		}
		switch a.Type {
		case models.ActionQuestion, models.ActionComment:
		default:
			return nil, invalid(field("type"), "must be question or comment")
		}
		a.Content = strings.TrimSpace(a.Content)
		if a.Content == "" {
			return nil, invalid(field("content"), "is required")
		}
		if _, dup := seenIDs[a.ID]; dup {
			return nil, invalid(field("id"), "duplicate id %q", a.ID)
		}
		seenIDs[a.ID] = struct{}{}
		if _, dup := seenActionIDs[a.ActionID]; dup && !allowDuplicateActionIDs {
			return nil, invalid(field("action_id"), "action_id %d already used in this session", a.ActionID)
		}
		seenActionIDs[a.ActionID] = struct{}{}
		if a.Size == 0 {
			a.Size = models.DefaultActionSize
		}
		if a.Color == "" {
			a.Color = models.DefaultActionColor
		}
	}
	return out, nil
}

// NormalizeCode canonicalises a user-typed session code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
