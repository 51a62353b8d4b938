package services

import (
	"cmp"
	"slices"

	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
)

// latestVersions keeps only the highest watermark of every instance and
// returns them in ascending watermark order. Replaced instances may still
// have older rows indexed; those are never served.
func latestVersions(instances []models.InstanceMetadata) []models.InstanceMetadata {
	if len(instances) < 2 {
		return instances
	}

	index := make(map[models.InstanceIdentifier]int, len(instances))
	latest := make([]models.InstanceMetadata, 0, len(instances))
	for _, inst := range instances {
		if i, ok := index[inst.InstanceIdentifier]; ok {
			if inst.Watermark > latest[i].Watermark {
				latest[i] = inst
			}
			continue
		}
		index[inst.InstanceIdentifier] = len(latest)
		latest = append(latest, inst)
	}

	slices.SortFunc(latest, func(a, b models.InstanceMetadata) int {
		return cmp.Compare(a.Watermark, b.Watermark)
	})
	return latest
}
