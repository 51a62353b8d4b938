package services

import (
	"strconv"
	"strings"

	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
)

// ComputeETag derives the validation token of a resolved resource.
// Study and series tokens are "{max watermark}-{instance count}"; instance
// tokens are the newest watermark, so replacing an instance changes its
// token. The result is unquoted.
func ComputeETag(resourceType models.ResourceType, instances []models.InstanceMetadata) string {
	if len(instances) == 0 {
		return ""
	}

	var maxWatermark int64
	for _, inst := range instances {
		maxWatermark = max(maxWatermark, inst.Watermark)
	}

	switch resourceType {
	case models.ResourceTypeStudy, models.ResourceTypeSeries:
		return strconv.FormatInt(maxWatermark, 10) + "-" + strconv.Itoa(len(instances))
	default:
		return strconv.FormatInt(maxWatermark, 10)
	}
}

// ETagMatches reports whether an If-None-Match header value matches etag.
// Weak validators compare equal to strong ones, and "*" matches anything.
func ETagMatches(ifNoneMatch, etag string) bool {
	if etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if strings.Trim(candidate, `"`) == etag {
			return true
		}
	}
	return false
}
