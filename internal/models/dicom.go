package models

import (
	"fmt"

	"github.com/google/uuid"
)

// ResourceType is the DICOMweb resource level a retrieve addresses
type ResourceType int

const (
	ResourceTypeStudy ResourceType = iota
	ResourceTypeSeries
	ResourceTypeInstance
	ResourceTypeFrames
)

func (r ResourceType) String() string {
	switch r {
	case ResourceTypeStudy:
		return "study"
	case ResourceTypeSeries:
		return "series"
	case ResourceTypeInstance:
		return "instance"
	case ResourceTypeFrames:
		return "frames"
	default:
		return fmt.Sprintf("ResourceType(%d)", int(r))
	}
}

// InstanceIdentifier identifies an instance regardless of its stored version
type InstanceIdentifier struct {
	PartitionID       uuid.UUID `json:"partition_id"`
	StudyInstanceUID  string    `json:"0020000D"`
	SeriesInstanceUID string    `json:"0020000E"`
	SOPInstanceUID    string    `json:"00080018"`
}

// VersionedInstanceIdentifier pins an instance to the version assigned at store time.
// The watermark, not the UID triple, identifies the stored bytes.
type VersionedInstanceIdentifier struct {
	InstanceIdentifier
	Watermark int64 `json:"watermark"`
}

// FileProperties describes the stored blob of an instance version. The blob
// is located by watermark, never by a stored path.
type FileProperties struct {
	ContentLength int64 `json:"content_length"`
}

// InstanceProperties holds stored-file facts used to decide on transcoding.
// TransferSyntaxUID is empty for legacy data indexed without it.
type InstanceProperties struct {
	TransferSyntaxUID string          `json:"00020010,omitempty"`
	FileProperties    *FileProperties `json:"file_properties,omitempty"`
}

// InstanceMetadata is a resolved instance: identity, version, and file properties
type InstanceMetadata struct {
	VersionedInstanceIdentifier
	InstanceProperties
}

// FrameRange locates one frame's pixel data inside the stored blob of one
// instance version
type FrameRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}
