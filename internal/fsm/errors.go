package fsm

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeSessionNotFound        = "WIZARD_SESSION_NOT_FOUND"
	CodeSessionExpired         = "WIZARD_SESSION_EXPIRED"
	CodeIllegalTransition      = "FSM_INVALID_TRANSITION"
	CodeGuardRejected          = "FSM_GUARD_REJECTED"
	CodeConcurrentModification = "FSM_VERSION_CONFLICT"
	CodeValidationFailed       = "WIZARD_VALIDATION_FAILED"
)

var (
	ErrSessionNotFound = apperrors.New("wizard session not found", apperrors.CategoryNotFound).
				WithTextCode(CodeSessionNotFound)
	ErrSessionExpired = apperrors.New("wizard session expired", apperrors.CategoryBadInput).
				WithTextCode(CodeSessionExpired)
	ErrIllegalTransition = apperrors.New("illegal transition", apperrors.CategoryBadInput).
				WithTextCode(CodeIllegalTransition)
	ErrGuardRejected = apperrors.New("guard rejected", apperrors.CategoryBadInput).
				WithTextCode(CodeGuardRejected)
	ErrConcurrentModification = apperrors.New("concurrent modification", apperrors.CategoryConflict).
					WithTextCode(CodeConcurrentModification)
	ErrValidation = apperrors.New("validation failed", apperrors.CategoryValidation).
			WithTextCode(CodeValidationFailed)
)

func clone(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func SessionNotFound(wizardID string) error {
	return clone(ErrSessionNotFound, fmt.Sprintf("wizard %s not found", wizardID), nil,
		map[string]any{"wizardId": wizardID})
}

func SessionExpired(wizardID string) error {
	return clone(ErrSessionExpired, fmt.Sprintf("wizard %s is no longer active", wizardID), nil,
		map[string]any{"wizardId": wizardID})
}

func IllegalTransition(state, event string) error {
	return clone(ErrIllegalTransition, fmt.Sprintf("event %s is not allowed in state %s", event, state), nil,
		map[string]any{"state": state, "event": event})
}

// GuardRejected wraps the first failing guard. The reason is surfaced to the caller.
func GuardRejected(state, event, reason string, source error) error {
	return clone(ErrGuardRejected, reason, source,
		map[string]any{"state": state, "event": event, "reason": reason})
}

func ConcurrentModification(wizardID string, expected int64) error {
	return clone(ErrConcurrentModification, fmt.Sprintf("wizard %s was modified concurrently", wizardID), nil,
		map[string]any{"wizardId": wizardID, "expectedVersion": expected})
}

func Validation(field, detail string) error {
	return clone(ErrValidation, fmt.Sprintf("%s: %s", field, detail), nil,
		map[string]any{"field": field, "detail": detail})
}

// Code returns the machine-readable code of a taxonomy error, or "" for anything else
func Code(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// Meta returns a metadata value attached to a taxonomy error
func Meta(err error, key string) string {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) || ge.Metadata == nil {
		return ""
	}
	v, _ := ge.Metadata[key].(string)
	return v
}

// Message returns the caller-facing message of a taxonomy error
func Message(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func IsSessionNotFound(err error) bool        { return Code(err) == CodeSessionNotFound }
func IsSessionExpired(err error) bool         { return Code(err) == CodeSessionExpired }
func IsIllegalTransition(err error) bool      { return Code(err) == CodeIllegalTransition }
func IsGuardRejected(err error) bool          { return Code(err) == CodeGuardRejected }
func IsConcurrentModification(err error) bool { return Code(err) == CodeConcurrentModification }
func IsValidation(err error) bool             { return Code(err) == CodeValidationFailed }
