package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/metrics"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// MetadataRequest identifies a metadata retrieve. IfNoneMatch is the raw
// conditional request header.
type MetadataRequest struct {
	ResourceType      models.ResourceType
	PartitionID       uuid.UUID
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	IfNoneMatch       string
}

// MetadataResponse carries the DICOM JSON of every resolved instance, or
// NotModified with no body when the client's ETag is current
type MetadataResponse struct {
	ETag        string
	NotModified bool
	Metadata    []json.RawMessage
}

// MetadataService serves the metadata siblings of the retrieve resources
type MetadataService struct {
	store       InstanceStore
	metadata    MetadataProvider
	metrics     *metrics.Metrics
	concurrency int
}

// NewMetadataService creates a new metadata service
func NewMetadataService(store InstanceStore, metadata MetadataProvider, m *metrics.Metrics, concurrency int) *MetadataService {
	return &MetadataService{
		store:       store,
		metadata:    metadata,
		metrics:     m,
		concurrency: max(concurrency, 1),
	}
}

// RetrieveMetadata resolves the instances, answers NotModified when
// If-None-Match carries the current ETag, and otherwise reads every
// instance's metadata in resolution order.
func (s *MetadataService) RetrieveMetadata(ctx context.Context, req MetadataRequest) (*MetadataResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "MetadataService.RetrieveMetadata")
	defer span.End()
	span.SetAttributes(attribute.String("dicom.resource_type", req.ResourceType.String()))

	started := time.Now()
	resp, err := s.retrieveMetadata(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveRetrieve(req.ResourceType.String()+"_metadata", outcome(err), started)
		return nil, err
	}

	result := "success"
	if resp.NotModified {
		result = "not_modified"
	}
	span.SetAttributes(attribute.String("http.etag", resp.ETag))
	s.metrics.ObserveRetrieve(req.ResourceType.String()+"_metadata", result, started)
	return resp, nil
}

func (s *MetadataService) retrieveMetadata(ctx context.Context, req MetadataRequest) (*MetadataResponse, error) {
	instances, err := s.store.ResolveInstances(ctx, req.ResourceType, req.PartitionID,
		req.StudyInstanceUID, req.SeriesInstanceUID, req.SOPInstanceUID)
	if err != nil {
		log.Error().Err(err).
			Str("study_uid", req.StudyInstanceUID).
			Str("series_uid", req.SeriesInstanceUID).
			Str("instance_uid", req.SOPInstanceUID).
			Msg("Failed to resolve instances")
		return nil, err
	}
	instances = latestVersions(instances)
	if len(instances) == 0 {
		return nil, notFound(RetrieveRequest{
			ResourceType:      req.ResourceType,
			StudyInstanceUID:  req.StudyInstanceUID,
			SeriesInstanceUID: req.SeriesInstanceUID,
			SOPInstanceUID:    req.SOPInstanceUID,
		})
	}

	etag := ComputeETag(req.ResourceType, instances)
	if req.IfNoneMatch != "" && ETagMatches(req.IfNoneMatch, etag) {
		return &MetadataResponse{ETag: etag, NotModified: true}, nil
	}

	metadata := make([]json.RawMessage, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, inst := range instances {
		g.Go(func() error {
			md, err := s.metadata.GetInstanceMetadata(gctx, inst.VersionedInstanceIdentifier)
			if err != nil {
				if !errordefs.Is(err, errordefs.CodeNotFound) {
					log.Error().Err(err).Int64("watermark", inst.Watermark).Msg("Failed to read instance metadata")
				}
				return fmt.Errorf("metadata of instance %s: %w", inst.SOPInstanceUID, err)
			}
			metadata[i] = md
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &MetadataResponse{ETag: etag, Metadata: metadata}, nil
}
