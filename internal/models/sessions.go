package models

import "time"

// Session is the server-held state behind the session cookie.
type Session struct {
	SessionID         string      `json:"session_id"`
	AccountID         string      `json:"account_id"`
	RoleID            int         `json:"role_id"`
	BindingToken      string      `json:"binding_token"`
	DeviceFingerprint string      `json:"device_fingerprint"`
	DisplayName       string      `json:"display_name"`
	Menus             []MenuEntry `json:"menus"`
	CreatedAt         time.Time   `json:"created_at"`
}
