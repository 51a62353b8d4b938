package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"gorm.io/gorm"
)

// InstanceRepository resolves DICOMweb identifiers against the instance index
type InstanceRepository struct {
	db *gorm.DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *gorm.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// ResolveInstances returns the latest created version of every instance
// matching the identifiers at the given resource level, ordered by
// watermark. An empty result is not an error.
func (r *InstanceRepository) ResolveInstances(
	ctx context.Context,
	resourceType models.ResourceType,
	partitionID uuid.UUID,
	studyUID, seriesUID, sopUID string,
) ([]models.InstanceMetadata, error) {
	var rows []models.Instance
	if err := resolveQuery(r.db.WithContext(ctx), resourceType, partitionID, studyUID, seriesUID, sopUID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve instances: %w", err)
	}

	instances := make([]models.InstanceMetadata, 0, len(rows))
	for i := range rows {
		instances = append(instances, rows[i].ToMetadata())
	}
	return instances, nil
}

// supersededVersion matches rows that have a newer created version of the
// same instance
const supersededVersion = `EXISTS (SELECT 1 FROM instances AS newer
	WHERE newer.partition_id = instances.partition_id
	AND newer.study_instance_uid = instances.study_instance_uid
	AND newer.series_instance_uid = instances.series_instance_uid
	AND newer.sop_instance_uid = instances.sop_instance_uid
	AND newer.status = ?
	AND newer.watermark > instances.watermark)`

func resolveQuery(db *gorm.DB, resourceType models.ResourceType, partitionID uuid.UUID, studyUID, seriesUID, sopUID string) *gorm.DB {
	query := db.Model(&models.Instance{}).
		Where("partition_id = ? AND study_instance_uid = ? AND status = ?", partitionID, studyUID, models.InstanceStatusCreated)

	switch resourceType {
	case models.ResourceTypeSeries:
		query = query.Where("series_instance_uid = ?", seriesUID)
	case models.ResourceTypeInstance, models.ResourceTypeFrames:
		query = query.Where("series_instance_uid = ? AND sop_instance_uid = ?", seriesUID, sopUID)
	}

	return query.
		Where("NOT "+supersededVersion, models.InstanceStatusCreated).
		Order("watermark ASC")
}
