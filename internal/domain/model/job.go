// Package model defines the core data types and structures used throughout the cronicorn scheduler.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job container.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusActive indicates the job's endpoints are eligible for scheduling.
	JobStatusActive JobStatus = "active"
	// JobStatusPaused indicates the job is retained but its endpoints are not dispatched.
	JobStatusPaused JobStatus = "paused"
	// JobStatusArchived indicates the job is soft-deleted; history remains queryable.
	JobStatusArchived JobStatus = "archived"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus so decoded
// payloads reject unknown statuses.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	js := JobStatus(v)
	if js.Valid() {
		*s = js
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusActive || s == JobStatusPaused || s == JobStatusArchived
}

// Job groups one or more endpoints under a single owning user.
type Job struct {
	ID          string     `json:"id"                    db:"id"`
	UserID      string     `json:"user_id"               db:"user_id"`
	Name        string     `json:"name"                  db:"name"`
	Description *string    `json:"description,omitempty" db:"description"`
	Status      JobStatus  `json:"status"                db:"status"`
	CreatedAt   time.Time  `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"            db:"updated_at"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty" db:"archived_at"`
}

// Archived reports whether the job has been soft-deleted.
func (j *Job) Archived() bool {
	return j.ArchivedAt != nil
}

// CreateJobRequest represents a request to create a new job container.
type CreateJobRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// maxNameLength bounds user-supplied display names.
const maxNameLength = 255

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if len(r.Name) > maxNameLength {
		return errors.New("name exceeds maximum length")
	}
	return nil
}

// UpdateJobRequest represents a partial update to a job. Nil fields are left untouched.
type UpdateJobRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Validate validates the UpdateJobRequest fields.
func (r *UpdateJobRequest) Validate() error {
	if r.Name != nil {
		if strings.TrimSpace(*r.Name) == "" {
			return errors.New("name cannot be blank")
		}
		if len(*r.Name) > maxNameLength {
			return errors.New("name exceeds maximum length")
		}
	}
	return nil
}
