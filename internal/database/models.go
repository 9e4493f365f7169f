package database

import "time"

// TunnelAuditLog is one recorded tunnel lifecycle event.
type TunnelAuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TunnelID   string    `gorm:"index;not null" json:"tunnel_id"`
	Gateway    string    `gorm:"index" json:"gateway"`
	Target     string    `json:"target"`
	LocalPort  int       `json:"local_port"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Details    string    `json:"details"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}

// SettingAuditRetentionDays overrides the configured audit retention.
const SettingAuditRetentionDays = "audit_retention_days"

// Setting is a persisted key/value pair. The daemon keeps operational
// overrides here, e.g. the audit retention chosen through the control API.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
