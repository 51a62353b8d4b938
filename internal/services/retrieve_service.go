package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-retrieve/internal/cache"
	"github.com/otcheredev/ris-dicom-retrieve/internal/codec"
	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/metrics"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/internal/negotiation"
	"github.com/otcheredev/ris-dicom-retrieve/internal/telemetry"
	"github.com/otcheredev/ris-dicom-retrieve/internal/transcoding"
	"github.com/otcheredev/ris-dicom-retrieve/pkg/transfersyntax"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Cache names used in logs and metrics
const (
	InstanceMetadataCacheName = "instance_metadata"
	FrameRangeCacheName       = "frame_range"
)

type (
	InstanceMetadataCache = cache.EphemeralCache[models.InstanceIdentifier, models.InstanceMetadata]
	FrameRangeCache       = cache.EphemeralCache[int64, map[int]models.FrameRange]
)

// RetrieveOptions tunes the retrieve pipeline
type RetrieveOptions struct {
	// MaxTranscodeFileSize rejects transcoding of stored files larger than this
	MaxTranscodeFileSize int64

	// EmptyOnTranscodeFailure yields an empty part tagged with the target
	// transfer syntax when the codec fails, instead of failing the request
	EmptyOnTranscodeFailure bool

	// FetchConcurrency is how many parts are opened ahead of the consumer
	FetchConcurrency int
}

// DefaultRetrieveOptions returns the production defaults
func DefaultRetrieveOptions() RetrieveOptions {
	return RetrieveOptions{
		MaxTranscodeFileSize:    100 * 1024 * 1024,
		EmptyOnTranscodeFailure: true,
		FetchConcurrency:        4,
	}
}

// RetrieveRequest identifies what to retrieve. Frames are 0-based and only
// used for ResourceTypeFrames.
type RetrieveRequest struct {
	ResourceType      models.ResourceType
	PartitionID       uuid.UUID
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	Frames            []int
	AcceptHeaders     []negotiation.AcceptHeader
}

func (r RetrieveRequest) instanceIdentifier() models.InstanceIdentifier {
	return models.InstanceIdentifier{
		PartitionID:       r.PartitionID,
		StudyInstanceUID:  r.StudyInstanceUID,
		SeriesInstanceUID: r.SeriesInstanceUID,
		SOPInstanceUID:    r.SOPInstanceUID,
	}
}

// RetrieveService resolves, negotiates and streams DICOMweb retrieves
type RetrieveService struct {
	store         InstanceStore
	blobs         BlobStore
	frameRanges   FrameRangeProvider
	codec         codec.Codec
	transcoder    *transcoding.Transcoder
	negotiator    *negotiation.Negotiator
	metadataCache *InstanceMetadataCache
	frameCache    *FrameRangeCache
	metrics       *metrics.Metrics
	opts          RetrieveOptions
}

// NewRetrieveService creates a new retrieve service
func NewRetrieveService(
	store InstanceStore,
	blobs BlobStore,
	frameRanges FrameRangeProvider,
	dicomCodec codec.Codec,
	transcoder *transcoding.Transcoder,
	negotiator *negotiation.Negotiator,
	metadataCache *InstanceMetadataCache,
	frameCache *FrameRangeCache,
	m *metrics.Metrics,
	opts RetrieveOptions,
) *RetrieveService {
	if opts.FetchConcurrency < 1 {
		opts.FetchConcurrency = 1
	}
	return &RetrieveService{
		store:         store,
		blobs:         blobs,
		frameRanges:   frameRanges,
		codec:         dicomCodec,
		transcoder:    transcoder,
		negotiator:    negotiator,
		metadataCache: metadataCache,
		frameCache:    frameCache,
		metrics:       m,
		opts:          opts,
	}
}

// Retrieve negotiates the representation and prepares the response. Every
// check that can fail the request (existence, frame indices, arity, size
// guard, transcode feasibility) runs before it returns; the parts are
// opened lazily as the response is iterated.
func (s *RetrieveService) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "RetrieveService.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("dicom.resource_type", req.ResourceType.String()),
		attribute.String("dicom.study_uid", req.StudyInstanceUID),
	)

	started := time.Now()
	resp, err := s.retrieve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveRetrieve(req.ResourceType.String(), outcome(err), started)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("dicom.transfer_syntax", resp.TransferSyntaxUID),
		attribute.Int("dicom.parts", resp.PartCount),
	)
	s.metrics.ObserveRetrieve(req.ResourceType.String(), "success", started)
	return resp, nil
}

func (s *RetrieveService) retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	negotiated, err := s.negotiator.Negotiate(req.ResourceType, req.AcceptHeaders)
	if err != nil {
		return nil, err
	}

	if req.ResourceType == models.ResourceTypeFrames {
		return s.retrieveFrames(ctx, req, negotiated)
	}
	return s.retrieveResource(ctx, req, negotiated)
}

func (s *RetrieveService) retrieveResource(ctx context.Context, req RetrieveRequest, negotiated negotiation.Negotiated) (*RetrieveResponse, error) {
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
		return nil, notFound(req)
	}
	if err := checkArity(negotiated, len(instances)); err != nil {
		return nil, err
	}

	transcode := false
	for _, inst := range instances {
		if needsTranscode(negotiated, inst.TransferSyntaxUID) {
			transcode = true
			break
		}
	}

	if transcode {
		if len(instances) > 1 {
			return nil, errordefs.NotAcceptable(
				"%d instances cannot be transcoded to %s in one response; request transfer-syntax=* to receive stored syntaxes",
				len(instances), negotiated.TransferSyntax)
		}
		return s.transcodeInstance(ctx, negotiated, instances[0])
	}

	openers := make([]partOpener, 0, len(instances))
	for _, inst := range instances {
		openers = append(openers, s.instanceOpener(inst, responseTransferSyntax(negotiated, inst.TransferSyntaxUID), negotiated.MediaType))
	}
	return newRetrieveResponse(negotiated, instances, openers, s.opts.FetchConcurrency), nil
}

func (s *RetrieveService) instanceOpener(inst models.InstanceMetadata, ts, mediaType string) partOpener {
	return func(ctx context.Context) (*ResponseItem, error) {
		body, err := s.blobs.GetFile(ctx, inst.VersionedInstanceIdentifier)
		if err != nil {
			log.Error().Err(err).
				Str("instance_uid", inst.SOPInstanceUID).
				Int64("watermark", inst.Watermark).
				Msg("Failed to open stored instance")
			return nil, err
		}
		length := int64(-1)
		if inst.FileProperties != nil && inst.FileProperties.ContentLength > 0 {
			length = inst.FileProperties.ContentLength
		}
		return &ResponseItem{
			Body:              body,
			MediaType:         mediaType,
			TransferSyntaxUID: ts,
			ContentLength:     length,
			Instance:          inst,
			Frame:             -1,
		}, nil
	}
}

func (s *RetrieveService) transcodeInstance(ctx context.Context, negotiated negotiation.Negotiated, inst models.InstanceMetadata) (*RetrieveResponse, error) {
	target := negotiated.TransferSyntax

	ds, err := s.openDataset(ctx, inst, true)
	if err != nil {
		return nil, err
	}

	data, err := s.transcoder.TranscodeFile(ctx, ds, target)
	if err != nil {
		if !s.substituteEmpty(err) {
			return nil, err
		}
		log.Warn().Err(err).
			Str("instance_uid", inst.SOPInstanceUID).
			Str("source_ts", ds.TransferSyntaxUID()).
			Str("target_ts", target).
			Msg("Transcoding failed, returning empty part")
		data = nil
	}

	item := &ResponseItem{
		Body:              io.NopCloser(bytes.NewReader(data)),
		MediaType:         negotiated.MediaType,
		TransferSyntaxUID: target,
		ContentLength:     int64(len(data)),
		Instance:          inst,
		Frame:             -1,
	}
	return newRetrieveResponse(negotiated, []models.InstanceMetadata{inst}, []partOpener{readyPart(item)}, 1), nil
}

func (s *RetrieveService) retrieveFrames(ctx context.Context, req RetrieveRequest, negotiated negotiation.Negotiated) (*RetrieveResponse, error) {
	if len(req.Frames) == 0 {
		return nil, errordefs.BadRequest("at least one frame must be requested")
	}
	if err := checkArity(negotiated, len(req.Frames)); err != nil {
		return nil, err
	}

	inst, err := s.metadataCache.GetOrAdd(ctx, req.instanceIdentifier(), s.resolveInstance)
	if err != nil {
		return nil, err
	}

	instances := []models.InstanceMetadata{inst}
	transcode := needsTranscode(negotiated, inst.TransferSyntaxUID)
	ts := responseTransferSyntax(negotiated, inst.TransferSyntaxUID)

	if !transcode {
		ranges, err := s.frameCache.GetOrAdd(ctx, inst.Watermark, func(ctx context.Context, _ int64) (map[int]models.FrameRange, error) {
			return s.frameRanges.GetFrameRanges(ctx, inst.VersionedInstanceIdentifier)
		})
		if err != nil {
			log.Error().Err(err).Int64("watermark", inst.Watermark).Msg("Failed to load frame ranges")
			return nil, err
		}

		if ranges != nil {
			openers := make([]partOpener, 0, len(req.Frames))
			for _, f := range req.Frames {
				r, ok := ranges[f]
				if !ok {
					return nil, errordefs.NotFound("frame %d does not exist; instance has %d frame(s)", f+1, len(ranges))
				}
				openers = append(openers, s.frameRangeOpener(inst, f, r, ts, negotiated.MediaType))
			}
			return newRetrieveResponse(negotiated, instances, openers, s.opts.FetchConcurrency), nil
		}
	}

	ds, err := s.openDataset(ctx, inst, transcode)
	if err != nil {
		return nil, err
	}
	if err := s.codec.ValidateFramesExist(ds, req.Frames); err != nil {
		return nil, err
	}
	if transcode && !s.transcoder.CanTranscode(ds, ts) {
		return nil, errordefs.NotAcceptable("cannot transcode frames from %s to %s", ds.TransferSyntaxUID(), ts)
	}

	openers := make([]partOpener, 0, len(req.Frames))
	for _, f := range req.Frames {
		openers = append(openers, s.datasetFrameOpener(inst, ds, f, ts, negotiated.MediaType, transcode))
	}
	return newRetrieveResponse(negotiated, instances, openers, s.opts.FetchConcurrency), nil
}

func (s *RetrieveService) resolveInstance(ctx context.Context, id models.InstanceIdentifier) (models.InstanceMetadata, error) {
	instances, err := s.store.ResolveInstances(ctx, models.ResourceTypeFrames, id.PartitionID,
		id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID)
	if err != nil {
		log.Error().Err(err).Str("instance_uid", id.SOPInstanceUID).Msg("Failed to resolve instance")
		return models.InstanceMetadata{}, err
	}
	instances = latestVersions(instances)
	if len(instances) == 0 {
		return models.InstanceMetadata{}, errordefs.NotFound("instance %s not found", id.SOPInstanceUID)
	}
	return instances[0], nil
}

func (s *RetrieveService) frameRangeOpener(inst models.InstanceMetadata, frame int, r models.FrameRange, ts, mediaType string) partOpener {
	return func(ctx context.Context) (*ResponseItem, error) {
		body, err := s.blobs.GetFileRange(ctx, inst.VersionedInstanceIdentifier, r)
		if err != nil {
			log.Error().Err(err).
				Int64("watermark", inst.Watermark).
				Int("frame", frame).
				Msg("Failed to read frame range")
			return nil, err
		}
		return &ResponseItem{
			Body:              body,
			MediaType:         mediaType,
			TransferSyntaxUID: ts,
			ContentLength:     r.Length,
			Instance:          inst,
			Frame:             frame,
		}, nil
	}
}

func (s *RetrieveService) datasetFrameOpener(inst models.InstanceMetadata, ds codec.Dataset, frame int, ts, mediaType string, transcode bool) partOpener {
	return func(ctx context.Context) (*ResponseItem, error) {
		var (
			data []byte
			err  error
		)
		if transcode {
			data, err = s.transcoder.TranscodeFrame(ctx, ds, frame, ts)
			if err != nil {
				if !s.substituteEmpty(err) {
					return nil, err
				}
				log.Warn().Err(err).
					Int64("watermark", inst.Watermark).
					Int("frame", frame).
					Str("target_ts", ts).
					Msg("Frame transcoding failed, returning empty part")
				data = nil
			}
		} else {
			data, err = s.codec.ExtractFrame(ds, frame)
			if err != nil {
				return nil, fmt.Errorf("failed to extract frame %d: %w", frame, err)
			}
		}

		return &ResponseItem{
			Body:              io.NopCloser(bytes.NewReader(data)),
			MediaType:         mediaType,
			TransferSyntaxUID: ts,
			ContentLength:     int64(len(data)),
			Instance:          inst,
			Frame:             frame,
		}, nil
	}
}

// openDataset downloads and parses a stored file. With guard set the file
// must fit the transcoding size limit.
func (s *RetrieveService) openDataset(ctx context.Context, inst models.InstanceMetadata, guard bool) (codec.Dataset, error) {
	var size int64
	if inst.FileProperties != nil && inst.FileProperties.ContentLength > 0 {
		size = inst.FileProperties.ContentLength
	} else {
		props, err := s.blobs.GetFileProperties(ctx, inst.VersionedInstanceIdentifier)
		if err != nil {
			log.Error().Err(err).Int64("watermark", inst.Watermark).Msg("Failed to stat stored instance")
			return nil, err
		}
		size = props.ContentLength
	}

	if guard && size > s.opts.MaxTranscodeFileSize {
		return nil, errordefs.NotAcceptable("instance %s is %d bytes, larger than the %d byte transcoding limit",
			inst.SOPInstanceUID, size, s.opts.MaxTranscodeFileSize)
	}

	body, err := s.blobs.GetFile(ctx, inst.VersionedInstanceIdentifier)
	if err != nil {
		log.Error().Err(err).Int64("watermark", inst.Watermark).Msg("Failed to open stored instance")
		return nil, err
	}
	defer body.Close()

	ds, err := s.codec.Open(ctx, body, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open instance %s: %w", inst.SOPInstanceUID, err)
	}
	return ds, nil
}

// substituteEmpty reports whether a transcode error is replaced by an empty part
func (s *RetrieveService) substituteEmpty(err error) bool {
	return s.opts.EmptyOnTranscodeFailure && errordefs.Is(err, errordefs.CodeTranscodingFailed)
}

// needsTranscode is false for the original-syntax request regardless of what
// is stored. An unknown stored syntax always needs transcoding otherwise.
func needsTranscode(negotiated negotiation.Negotiated, stored string) bool {
	if negotiated.IsOriginalTransferSyntaxRequested() {
		return false
	}
	return stored == "" || !transfersyntax.Equal(stored, negotiated.TransferSyntax)
}

// responseTransferSyntax is the syntax a part is tagged with. Original-syntax
// requests report the stored syntax, or the default when it is unknown.
func responseTransferSyntax(negotiated negotiation.Negotiated, stored string) string {
	if !negotiated.IsOriginalTransferSyntaxRequested() {
		return negotiated.TransferSyntax
	}
	if stored == "" {
		return transfersyntax.ExplicitVRLittleEndian
	}
	return transfersyntax.Normalize(stored)
}

func checkArity(negotiated negotiation.Negotiated, parts int) error {
	if negotiated.PayloadType == negotiation.PayloadTypeSinglePart && parts > 1 {
		return errordefs.NotAcceptable("%d parts cannot be returned as a single-part %s response; request multipart/related", parts, negotiated.MediaType)
	}
	return nil
}

func notFound(req RetrieveRequest) error {
	switch req.ResourceType {
	case models.ResourceTypeStudy:
		return errordefs.NotFound("study %s not found", req.StudyInstanceUID)
	case models.ResourceTypeSeries:
		return errordefs.NotFound("series %s not found", req.SeriesInstanceUID)
	default:
		return errordefs.NotFound("instance %s not found", req.SOPInstanceUID)
	}
}

func outcome(err error) string {
	if e, ok := errordefs.As(err); ok {
		return string(e.Code)
	}
	return string(errordefs.CodeInternal)
}
