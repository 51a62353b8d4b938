package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit actions
const (
	AuditActionRetrieve         = "retrieve"
	AuditActionRetrieveMetadata = "retrieve_metadata"
)

// AuditLog represents an audit log entry for a retrieve request
type AuditLog struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	PartitionID    uuid.UUID `gorm:"type:uuid;not null;index" json:"partition_id"`
	RequestID      string    `gorm:"type:varchar(100);index" json:"request_id"`
	Action         string    `gorm:"type:varchar(100);not null;index" json:"action"`
	ResourceType   string    `gorm:"type:varchar(50);index" json:"resource_type"`
	ResourceUID    string    `gorm:"type:varchar(255);index" json:"resource_uid"`
	TransferSyntax string    `gorm:"type:varchar(64)" json:"transfer_syntax,omitempty"`
	IPAddress      string    `gorm:"type:varchar(45)" json:"ip_address"`
	UserAgent      string    `gorm:"type:text" json:"user_agent"`
	Status         int       `gorm:"index" json:"status"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration       int64     `json:"duration_ms"` // milliseconds
	CreatedAt      time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate hook
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
