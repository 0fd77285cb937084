package models

import "time"

// Operation is the closed set of audited event kinds.
type Operation string

const (
	OpLogin               Operation = "LOGIN"
	OpLoginFailed         Operation = "LOGIN_FAILED"
	OpLogout              Operation = "LOGOUT"
	OpAutoLogout          Operation = "AUTO_LOGOUT"
	OpAccessDenied        Operation = "ACCESS_DENIED"
	OpCreateQuestionnaire Operation = "CREATE_QUESTIONNAIRE"
	OpUpdateQuestionnaire Operation = "UPDATE_QUESTIONNAIRE"
	OpDeleteQuestionnaire Operation = "DELETE_QUESTIONNAIRE"
	OpBatchDelete         Operation = "BATCH_DELETE"
	OpExportData          Operation = "EXPORT_DATA"
	OpChangePassword      Operation = "CHANGE_PASSWORD"
	OpCreateUser          Operation = "CREATE_USER"
)

var operations = map[Operation]bool{
	OpLogin:               false,
	OpLoginFailed:         false,
	OpLogout:              false,
	OpAutoLogout:          false,
	OpAccessDenied:        true,
	OpCreateQuestionnaire: false,
	OpUpdateQuestionnaire: false,
	OpDeleteQuestionnaire: true,
	OpBatchDelete:         true,
	OpExportData:          true,
	OpChangePassword:      true,
	OpCreateUser:          true,
}

// Valid reports whether op belongs to the closed set.
func (op Operation) Valid() bool {
	_, ok := operations[op]
	return ok
}

// Sensitive operations are flagged in the event details.
func (op Operation) Sensitive() bool { return operations[op] }

// Operations lists every operation in a stable order.
func Operations() []Operation {
	return []Operation{
		OpLogin, OpLoginFailed, OpLogout, OpAutoLogout, OpAccessDenied,
		OpCreateQuestionnaire, OpUpdateQuestionnaire, OpDeleteQuestionnaire,
		OpBatchDelete, OpExportData, OpChangePassword, OpCreateUser,
	}
}

// AuditEvent is one immutable audit log row.
type AuditEvent struct {
	ID        int64          `json:"id"`
	UserID    *int64         `json:"user_id"`
	Operation Operation      `json:"operation"`
	TargetID  *int64         `json:"target_id"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditContext is the caller identity and request metadata handed to every
// engine operation by the transport.
type AuditContext struct {
	RequestID string
	UserID    *int64
	Username  string
	Role      Role
	IP        string
	UserAgent string
	Path      string
}

// Authenticated reports whether a session is attached.
func (c AuditContext) Authenticated() bool { return c.UserID != nil }

// IsAdmin reports whether the caller holds the admin role.
func (c AuditContext) IsAdmin() bool { return c.Authenticated() && c.Role == RoleAdmin }

// AuditFilter selects audit events.
type AuditFilter struct {
	UserID    *int64
	Operation Operation
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// AuditCount is one bucket of the audit statistics.
type AuditCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// AuditStats summarizes the audit log.
type AuditStats struct {
	Total       int64        `json:"total"`
	ByOperation []AuditCount `json:"by_operation"`
	ByDay       []AuditCount `json:"by_day"`
}
