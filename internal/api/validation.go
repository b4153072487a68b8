package api

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const maxRemarkLength = 500

// CreateAccountRequest is the body of POST /api/accounts.
type CreateAccountRequest struct {
	DisplayName    string  `json:"display_name"`
	LoginName      string  `json:"login_name"`
	OrganizationID string  `json:"organization_id"`
	CredentialBlob string  `json:"credential_blob"`
	SessionCookie  string  `json:"session_cookie"`
	CSRFToken      string  `json:"csrf_token"`
	Remark         *string `json:"remark"`
}

// Validate checks required fields and trims whitespace.
func (r *CreateAccountRequest) Validate() error {
	r.LoginName = strings.TrimSpace(r.LoginName)
	r.OrganizationID = strings.TrimSpace(r.OrganizationID)
	r.DisplayName = strings.TrimSpace(r.DisplayName)

	if r.LoginName == "" {
		return ValidationError{Field: "login_name", Message: "login name is required"}
	}
	if r.OrganizationID == "" {
		return ValidationError{Field: "organization_id", Message: "organization id is required"}
	}
	if r.SessionCookie == "" {
		return ValidationError{Field: "session_cookie", Message: "session cookie is required"}
	}
	return validateRemark(r.Remark)
}

// UpdateAccountRequest is the body of PATCH /api/accounts/{id}. Absent fields
// are left unchanged.
type UpdateAccountRequest struct {
	DisplayName *string `json:"display_name"`
	Remark      *string `json:"remark"`
}

func (r *UpdateAccountRequest) Validate() error {
	if r.DisplayName == nil && r.Remark == nil {
		return ValidationError{Field: "body", Message: "nothing to update"}
	}
	return validateRemark(r.Remark)
}

func validateRemark(remark *string) error {
	if remark != nil && len(*remark) > maxRemarkLength {
		return ValidationError{Field: "remark", Message: fmt.Sprintf("remark must be at most %d bytes", maxRemarkLength)}
	}
	return nil
}

// CredentialsRequest is the body of POST /api/accounts/{id}/credentials.
type CredentialsRequest struct {
	SessionCookie string `json:"session_cookie"`
	CSRFToken     string `json:"csrf_token"`
}

func (r *CredentialsRequest) Validate() error {
	if strings.TrimSpace(r.SessionCookie) == "" {
		return ValidationError{Field: "session_cookie", Message: "session cookie is required"}
	}
	return nil
}

// QueueRequest is the body of POST /api/monitor/queue.
type QueueRequest struct {
	AccountID string `json:"account_id"`
	RoomID    string `json:"room_id"`
}

func (r *QueueRequest) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return ValidationError{Field: "account_id", Message: "account id is required"}
	}
	if strings.TrimSpace(r.RoomID) == "" {
		return ValidationError{Field: "room_id", Message: "room id is required"}
	}
	return nil
}

const (
	minInterval = 5 * time.Second
	maxInterval = 24 * time.Hour
)

// IntervalsRequest is the body of PUT /api/monitor/intervals. Values are seconds.
type IntervalsRequest struct {
	PollIntervalSeconds            *int `json:"poll_interval_seconds"`
	CredentialCheckIntervalSeconds *int `json:"credential_check_interval_seconds"`
}

func (r *IntervalsRequest) Validate() error {
	if r.PollIntervalSeconds == nil && r.CredentialCheckIntervalSeconds == nil {
		return ValidationError{Field: "body", Message: "nothing to update"}
	}
	if err := validateInterval("poll_interval_seconds", r.PollIntervalSeconds); err != nil {
		return err
	}
	return validateInterval("credential_check_interval_seconds", r.CredentialCheckIntervalSeconds)
}

func validateInterval(field string, seconds *int) error {
	if seconds == nil {
		return nil
	}
	d := time.Duration(*seconds) * time.Second
	if d < minInterval || d > maxInterval {
		return ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d seconds", int(minInterval.Seconds()), int(maxInterval.Seconds()))}
	}
	return nil
}
