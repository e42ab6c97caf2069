package storage

import (
	"encoding/json"
	"time"
)

// AuditRecordsBucket is the BBolt bucket holding audit records
const AuditRecordsBucket = "audit_records"

// AuditType is the kind of event an audit record describes
type AuditType string

const (
	// AuditTypeInvocation is a capability invocation, successful or not
	AuditTypeInvocation AuditType = "invocation"
	// AuditTypeAccessDenied is a resource read rejected by a root boundary
	AuditTypeAccessDenied AuditType = "access_denied"
	// AuditTypeServerRegistered is a server brought online
	AuditTypeServerRegistered AuditType = "server_registered"
	// AuditTypeServerUnregistered is a server taken offline, by request or by the health monitor
	AuditTypeServerUnregistered AuditType = "server_unregistered"
)

// Audit status values
const (
	AuditStatusSuccess = "success"
	AuditStatusError   = "error"
	AuditStatusDenied  = "denied"
)

// AuditRecord is one audit entry. Error messages are stored masked.
type AuditRecord struct {
	ID           string                 `json:"id"`
	Type         AuditType              `json:"type"`
	CallerID     string                 `json:"caller_id,omitempty"`
	Agent        string                 `json:"agent,omitempty"`
	Source       string                 `json:"source,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	ServerID     string                 `json:"server_id,omitempty"`
	Capability   string                 `json:"capability,omitempty"`
	Kind         string                 `json:"kind,omitempty"`
	Status       string                 `json:"status"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	DurationMs   int64                  `json:"duration_ms,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for BBolt storage
func (a *AuditRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for BBolt storage
func (a *AuditRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

// AuditFilter selects audit records
type AuditFilter struct {
	Type      string
	Server    string
	Caller    string
	Status    string
	StartTime time.Time
	Limit     int // default 50, max 1000
	Offset    int
}

// Validate normalizes the filter
func (f *AuditFilter) Validate() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches reports whether record passes the filter
func (f *AuditFilter) Matches(record *AuditRecord) bool {
	if f.Type != "" && string(record.Type) != f.Type {
		return false
	}
	if f.Server != "" && record.ServerID != f.Server {
		return false
	}
	if f.Caller != "" && record.CallerID != f.Caller {
		return false
	}
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	if !f.StartTime.IsZero() && record.Timestamp.Before(f.StartTime) {
		return false
	}
	return true
}
