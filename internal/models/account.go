package models

import "time"

// Account is an operator login on the analytics dashboard whose rooms can be monitored.
type Account struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	LoginName      string    `json:"login_name"`
	CredentialBlob string    `json:"-"`
	OrganizationID string    `json:"organization_id"`
	SessionCookie  string    `json:"-"`
	CSRFToken      string    `json:"-"`
	Remark         *string   `json:"remark,omitempty"`
	IsValid        bool      `json:"is_valid"`
	FailureCount   int       `json:"failure_count"` // valid->invalid transitions since the last credential refresh
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Label returns a human-readable identifier for notices and logs.
func (a *Account) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.LoginName
}

// Session returns the request credentials carried by the account.
func (a *Account) Session() Session {
	return Session{
		AccountID:      a.ID,
		OrganizationID: a.OrganizationID,
		Cookie:         a.SessionCookie,
		CSRFToken:      a.CSRFToken,
	}
}

// Session is the subset of an account needed to call the dashboard.
type Session struct {
	AccountID      string
	OrganizationID string
	Cookie         string
	CSRFToken      string
}
