package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types
type ErrorType string

const (
	ErrNotFound      ErrorType = "not_found"
	ErrAlreadyExists ErrorType = "already_exists"
	ErrInvalidInput  ErrorType = "invalid_input"
	ErrConflict      ErrorType = "conflict"
)

// Error represents a storage-related error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsErrorType reports whether err is a storage *Error of type t.
func IsErrorType(err error, t ErrorType) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == t
}

// Scope tells whether a series belongs to one tenant or is broadcast.
type Scope string

const (
	ScopeTenant Scope = "TENANT"
	ScopeSystem Scope = "SYSTEM"
)

// Status is the approval state of a series.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// TargetPolicy selects the tenants a SYSTEM series is fanned out to. An empty
// Include means every tenant.
type TargetPolicy struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// Series is a recurring (or single) event definition.
type Series struct {
	ID              string
	Title           string
	Description     string
	Goal            string
	TargetAudience  string
	Organizer       string
	IsAllDay        bool
	StartTime       time.Time
	EndTime         time.Time
	RecurrenceRule  string // canonical rule text, empty when not recurring
	Scope           Scope
	TargetPolicy    TargetPolicy
	Status          Status
	RejectionReason string
	IsLocked        bool
	LockVersion     int64
	ProposerID      string
	TenantID        string // empty for SYSTEM scope
	// MaterializedUntil is the inclusive end (23:59:59 UTC) of the window
	// whose occurrences are stored.
	MaterializedUntil time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Duration is the length reused by every occurrence.
func (s *Series) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Recurring reports whether the series has a rule.
func (s *Series) Recurring() bool {
	return s.RecurrenceRule != ""
}

// Clone returns a deep copy.
func (s *Series) Clone() *Series {
	c := *s
	c.TargetPolicy = TargetPolicy{
		Include: append([]string(nil), s.TargetPolicy.Include...),
		Exclude: append([]string(nil), s.TargetPolicy.Exclude...),
	}
	return &c
}

// Exception overrides or cancels the occurrence of a series on one day.
// Either IsCancelled is set or NewStartTime is.
type Exception struct {
	ID           string
	SeriesID     string
	OriginalDate time.Time // midnight UTC
	IsCancelled  bool
	NewStartTime *time.Time
	NewEndTime   *time.Time
	Title        *string
	Description  *string
	Status       *Status
	CreatedAt    time.Time
}

// Clone returns a deep copy.
func (e *Exception) Clone() *Exception {
	c := *e
	if e.NewStartTime != nil {
		t := *e.NewStartTime
		c.NewStartTime = &t
	}
	if e.NewEndTime != nil {
		t := *e.NewEndTime
		c.NewEndTime = &t
	}
	if e.Title != nil {
		v := *e.Title
		c.Title = &v
	}
	if e.Description != nil {
		v := *e.Description
		c.Description = &v
	}
	if e.Status != nil {
		v := *e.Status
		c.Status = &v
	}
	return &c
}

// Occurrence is one concrete instance of a series for one tenant.
type Occurrence struct {
	ID           string    `json:"id"`
	SeriesID     string    `json:"series_id"`
	TenantID     string    `json:"tenant_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	OriginalDate time.Time `json:"original_date"`
	Title        string    `json:"title"`
	Status       Status    `json:"status"`
	IsVirtual    bool      `json:"is_virtual"`
	ExceptionID  string    `json:"exception_id,omitempty"`
}

// OccurrenceDetails are the fields of materialized rows that follow the
// series without changing the occurrence set.
type OccurrenceDetails struct {
	Title  string
	Status Status
}

// CompareOccurrences orders occurrences by start time, then tenant, then
// series, then original date.
func CompareOccurrences(a, b Occurrence) int {
	if c := a.StartTime.Compare(b.StartTime); c != 0 {
		return c
	}
	if c := strings.Compare(a.TenantID, b.TenantID); c != 0 {
		return c
	}
	if c := strings.Compare(a.SeriesID, b.SeriesID); c != 0 {
		return c
	}
	return a.OriginalDate.Compare(b.OriginalDate)
}
