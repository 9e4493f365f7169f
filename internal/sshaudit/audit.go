package sshaudit

import (
	"log"
	"sync"
	"time"

	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/database"
	"github.com/InvisibleThread/VirtualControlRoom-sub000/internal/logutil"
	"gorm.io/gorm"
)

// Event types for tunnel audit logging.
const (
	EventTunnelCreated      = "tunnel_created"
	EventTunnelCreateFailed = "tunnel_create_failed"
	EventTunnelClosed       = "tunnel_closed"
	EventTunnelReconnected  = "tunnel_reconnected"
	EventTunnelFailed       = "tunnel_failed"
	EventConnectionLost     = "connection_lost"
	EventNetworkChanged     = "network_changed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	TunnelID   string
	Gateway    string
	Target     string
	LocalPort  int
	EventType  string
	ErrorKind  string
	Details    string
	DurationMs int64
}

// Auditor records tunnel lifecycle events to the database and the standard
// logger. A nil *Auditor is valid and drops every event.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates a new Auditor that writes to the given database.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event to the database and standard logger.
func (a *Auditor) Log(entry AuditEntry) error {
	if a == nil {
		return nil
	}
	record := database.TunnelAuditLog{
		TunnelID:   entry.TunnelID,
		Gateway:    entry.Gateway,
		Target:     entry.Target,
		LocalPort:  entry.LocalPort,
		EventType:  entry.EventType,
		ErrorKind:  entry.ErrorKind,
		Details:    entry.Details,
		DurationMs: entry.DurationMs,
		CreatedAt:  a.nowFn(),
	}

	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s tunnel=%s gateway=%s target=%s port=%d details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.TunnelID),
		logutil.SanitizeForLog(entry.Gateway),
		logutil.SanitizeForLog(entry.Target),
		entry.LocalPort,
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	TunnelID  string
	Gateway   string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.TunnelAuditLog `json:"entries"`
	Total   int64                     `json:"total"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
}

// Query retrieves audit log entries matching the given options, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.TunnelAuditLog{})

	if opts.TunnelID != "" {
		tx = tx.Where("tunnel_id = ?", opts.TunnelID)
	}
	if opts.Gateway != "" {
		tx = tx.Where("gateway = ?", opts.Gateway)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.TunnelAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes audit log entries older than days, or older than
// the configured retention period when days is 0. Returns the number of
// records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.RetentionDays()
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.TunnelAuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retentionDays
}

// SetRetentionDays changes the retention period used by PurgeOlderThan(0).
// Non-positive values are ignored.
func (a *Auditor) SetRetentionDays(days int) {
	if days <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retentionDays = days
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
