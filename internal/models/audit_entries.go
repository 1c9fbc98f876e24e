package models

import "time"

type AuditAction string

const (
	AuditLogin           AuditAction = "login"
	AuditVerify          AuditAction = "verify_second_factor"
	AuditResendCode      AuditAction = "resend_code"
	AuditRegister        AuditAction = "register"
	AuditLogout          AuditAction = "logout"
	AuditDeleteAccount   AuditAction = "delete_account"
	AuditSessionRejected AuditAction = "session_rejected"
	AuditCodeDelivery    AuditAction = "code_delivery"
)

type AuditStatus string

const (
	AuditSuccess   AuditStatus = "success"
	AuditFailed    AuditStatus = "failed"
	AuditConflict  AuditStatus = "conflict"
	AuditChallenge AuditStatus = "challenge"
)

type AuditEntry struct {
	EntryID       string      `json:"entry_id" db:"entry_id"`
	EventBucket   int         `json:"event_bucket" db:"event_bucket"`
	DateBucket    string      `json:"date_bucket" db:"date_bucket"`
	Action        AuditAction `json:"action" db:"action"`
	Status        AuditStatus `json:"status" db:"status"`
	Details       string      `json:"details" db:"details"`
	AccountID     string      `json:"account_id,omitempty" db:"account_id"`
	RoleID        *int        `json:"role_id,omitempty" db:"role_id"`
	SourceAddress string      `json:"source_address" db:"source_address"`
	OccurredAt    time.Time   `json:"occurred_at" db:"occurred_at"`
}
