package services

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
)

// InstanceStore resolves DICOMweb identifiers to stored instance versions.
// No match is an empty slice, not an error.
type InstanceStore interface {
	ResolveInstances(ctx context.Context, resourceType models.ResourceType, partitionID uuid.UUID, studyUID, seriesUID, sopUID string) ([]models.InstanceMetadata, error)
}

// BlobStore reads stored DICOM files
type BlobStore interface {
	GetFile(ctx context.Context, id models.VersionedInstanceIdentifier) (io.ReadCloser, error)
	GetFileRange(ctx context.Context, id models.VersionedInstanceIdentifier, r models.FrameRange) (io.ReadCloser, error)
	GetFileProperties(ctx context.Context, id models.VersionedInstanceIdentifier) (models.FileProperties, error)
}

// FrameRangeProvider returns the 0-based frame index to byte range map of an
// instance version, or nil when it was never computed.
type FrameRangeProvider interface {
	GetFrameRanges(ctx context.Context, id models.VersionedInstanceIdentifier) (map[int]models.FrameRange, error)
}

// MetadataProvider returns the DICOM JSON metadata of an instance version
type MetadataProvider interface {
	GetInstanceMetadata(ctx context.Context, id models.VersionedInstanceIdentifier) (json.RawMessage, error)
}

// AuditStore persists audit records
type AuditStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
}
