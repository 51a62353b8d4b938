package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InstanceStatus is the lifecycle state of an indexed instance
type InstanceStatus string

const (
	InstanceStatusCreating InstanceStatus = "creating"
	InstanceStatusCreated  InstanceStatus = "created"
)

// Instance is a row of the instance index. Each stored version gets its own
// watermark; replacing an instance creates a new row.
type Instance struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	PartitionID       uuid.UUID      `gorm:"type:uuid;not null;index:idx_instance_uids,priority:1" json:"partition_id"`
	StudyInstanceUID  string         `gorm:"type:varchar(64);not null;index:idx_instance_uids,priority:2" json:"study_instance_uid"`
	SeriesInstanceUID string         `gorm:"type:varchar(64);not null;index:idx_instance_uids,priority:3" json:"series_instance_uid"`
	SOPInstanceUID    string         `gorm:"type:varchar(64);not null;index:idx_instance_uids,priority:4" json:"sop_instance_uid"`
	Watermark         int64          `gorm:"not null;uniqueIndex" json:"watermark"`
	TransferSyntaxUID *string        `gorm:"type:varchar(64)" json:"transfer_syntax_uid,omitempty"`
	ContentLength     int64          `json:"content_length"`
	Status            InstanceStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TableName overrides the table name
func (Instance) TableName() string {
	return "instances"
}

// BeforeCreate hook
func (i *Instance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// ToMetadata converts an index row into the resolved form used by retrieve
func (i *Instance) ToMetadata() InstanceMetadata {
	md := InstanceMetadata{
		VersionedInstanceIdentifier: VersionedInstanceIdentifier{
			InstanceIdentifier: InstanceIdentifier{
				PartitionID:       i.PartitionID,
				StudyInstanceUID:  i.StudyInstanceUID,
				SeriesInstanceUID: i.SeriesInstanceUID,
				SOPInstanceUID:    i.SOPInstanceUID,
			},
			Watermark: i.Watermark,
		},
	}
	if i.TransferSyntaxUID != nil {
		md.TransferSyntaxUID = *i.TransferSyntaxUID
	}
	if i.ContentLength > 0 {
		md.FileProperties = &FileProperties{ContentLength: i.ContentLength}
	}
	return md
}
