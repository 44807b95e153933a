package blogapp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable wraps any failure of the backing store itself.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrValidation is the parent of every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrAuth is the parent of all authentication failures.
	ErrAuth = errors.New("authentication failed")
	// ErrForbidden is returned when the session does not own the entity.
	ErrForbidden = errors.New("forbidden")

	ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", ErrAuth)
	ErrUnverified         = fmt.Errorf("%w: unverified", ErrAuth)
	ErrUserNotFound       = fmt.Errorf("%w: user not found", ErrAuth)
	ErrInvalidToken       = fmt.Errorf("%w: invalid or expired token", ErrAuth)
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func required(field string) error {
	return invalid(field, "is required")
}

// FanoutReport summarizes one profile propagation.
type FanoutReport struct {
	UserID          string   `json:"userId"`
	PostsUpdated    int      `json:"postsUpdated"`
	CommentsUpdated int      `json:"commentsUpdated"`
	FailedPosts     []string `json:"failedPosts,omitempty"`
	FailedComments  []string `json:"failedComments,omitempty"`
	PostsErr        string   `json:"postsError,omitempty"`
	CommentsErr     string   `json:"commentsError,omitempty"`
}

// Complete reports whether every dependent record was rewritten.
func (r FanoutReport) Complete() bool {
	return len(r.FailedPosts) == 0 && len(r.FailedComments) == 0 &&
		r.PostsErr == "" && r.CommentsErr == ""
}

// PartialFailure is returned when a fan-out applied to some records only.
type PartialFailure struct {
	Report FanoutReport
}

func (e *PartialFailure) Error() string {
	var parts []string
	if n := len(e.Report.FailedPosts); n > 0 {
		parts = append(parts, fmt.Sprintf("%d posts failed", n))
	}
	if n := len(e.Report.FailedComments); n > 0 {
		parts = append(parts, fmt.Sprintf("%d comments failed", n))
	}
	if e.Report.PostsErr != "" {
		parts = append(parts, "posts: "+e.Report.PostsErr)
	}
	if e.Report.CommentsErr != "" {
		parts = append(parts, "comments: "+e.Report.CommentsErr)
	}
	return fmt.Sprintf("partial propagation for user %s: %s", e.Report.UserID, strings.Join(parts, "; "))
}

// IsPartialFailure extracts a *PartialFailure from err.
func IsPartialFailure(err error) (*PartialFailure, bool) {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
