package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/middleware"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/internal/negotiation"
	"github.com/otcheredev/ris-dicom-retrieve/internal/services"
	"github.com/rs/zerolog/log"
)

const mediaTypeDicomJSON = "application/dicom+json"

type DICOMWebHandler struct {
	retrieveService *services.RetrieveService
	metadataService *services.MetadataService
	auditService    *services.AuditService
}

func NewDICOMWebHandler(retrieveService *services.RetrieveService, metadataService *services.MetadataService, auditService *services.AuditService) *DICOMWebHandler {
	return &DICOMWebHandler{
		retrieveService: retrieveService,
		metadataService: metadataService,
		auditService:    auditService,
	}
}

// Routes registers the WADO-RS retrieve and metadata endpoints
func (h *DICOMWebHandler) Routes(r chi.Router) {
	r.Get("/studies/{studyUID}", h.RetrieveStudy)
	r.Get("/studies/{studyUID}/metadata", h.RetrieveStudyMetadata)
	r.Get("/studies/{studyUID}/series/{seriesUID}", h.RetrieveSeries)
	r.Get("/studies/{studyUID}/series/{seriesUID}/metadata", h.RetrieveSeriesMetadata)
	r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", h.RetrieveInstance)
	r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}/metadata", h.RetrieveInstanceMetadata)
	r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}/frames/{frames}", h.RetrieveFrames)
}

// RetrieveStudy handles WADO-RS study retrieval
func (h *DICOMWebHandler) RetrieveStudy(w http.ResponseWriter, r *http.Request) {
	h.serveRetrieve(w, r, models.ResourceTypeStudy)
}

// RetrieveSeries handles WADO-RS series retrieval
func (h *DICOMWebHandler) RetrieveSeries(w http.ResponseWriter, r *http.Request) {
	h.serveRetrieve(w, r, models.ResourceTypeSeries)
}

// RetrieveInstance handles WADO-RS instance retrieval
func (h *DICOMWebHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	h.serveRetrieve(w, r, models.ResourceTypeInstance)
}

// RetrieveFrames handles WADO-RS frame retrieval
func (h *DICOMWebHandler) RetrieveFrames(w http.ResponseWriter, r *http.Request) {
	h.serveRetrieve(w, r, models.ResourceTypeFrames)
}

// RetrieveStudyMetadata handles WADO-RS study metadata retrieval
func (h *DICOMWebHandler) RetrieveStudyMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveMetadata(w, r, models.ResourceTypeStudy)
}

// RetrieveSeriesMetadata handles WADO-RS series metadata retrieval
func (h *DICOMWebHandler) RetrieveSeriesMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveMetadata(w, r, models.ResourceTypeSeries)
}

// RetrieveInstanceMetadata handles WADO-RS instance metadata retrieval
func (h *DICOMWebHandler) RetrieveInstanceMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveMetadata(w, r, models.ResourceTypeInstance)
}

func (h *DICOMWebHandler) serveRetrieve(w http.ResponseWriter, r *http.Request, resourceType models.ResourceType) {
	ctx := r.Context()
	started := time.Now()

	req := services.RetrieveRequest{
		ResourceType:      resourceType,
		PartitionID:       partitionID(ctx),
		StudyInstanceUID:  chi.URLParam(r, "studyUID"),
		SeriesInstanceUID: chi.URLParam(r, "seriesUID"),
		SOPInstanceUID:    chi.URLParam(r, "instanceUID"),
		AcceptHeaders:     negotiation.ParseAcceptHeaders(acceptValues(r)),
	}

	entry := newAuditEntry(r, models.AuditActionRetrieve, resourceType, req.PartitionID)
	defer func() {
		entry.Duration = time.Since(started).Milliseconds()
		h.auditService.Record(ctx, entry.AuditLog)
	}()

	if resourceType == models.ResourceTypeFrames {
		frames, err := parseFrames(chi.URLParam(r, "frames"))
		if err != nil {
			entry.fail(errordefs.WriteHTTP(w, r, err), err)
			return
		}
		req.Frames = frames
	}

	resp, err := h.retrieveService.Retrieve(ctx, req)
	if err != nil {
		entry.fail(errordefs.WriteHTTP(w, r, err), err)
		return
	}
	entry.TransferSyntax = resp.TransferSyntaxUID

	etag := services.ComputeETag(resourceType, resp.Instances)

	var status int
	if resp.IsSinglePart() {
		status, err = writeSinglePart(ctx, w, resp, etag)
	} else {
		status, err = writeMultipart(ctx, w, resp, etag)
	}

	switch {
	case err == nil:
		entry.Status = status
	case status == 0:
		// Nothing written yet, the error can still be reported
		entry.fail(errordefs.WriteHTTP(w, r, err), err)
	default:
		entry.fail(status, err)
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).
				Str("study_uid", req.StudyInstanceUID).
				Str("request_id", entry.RequestID).
				Msg("Retrieve response aborted mid-stream")
		}
	}
}

// setETag sets the validator once a success status is certain
func setETag(w http.ResponseWriter, etag string) {
	if etag != "" {
		w.Header().Set("ETag", quoteETag(etag))
	}
}

// writeSinglePart writes the only part as the response body. It returns the
// status written, or 0 when nothing was written.
func writeSinglePart(ctx context.Context, w http.ResponseWriter, resp *services.RetrieveResponse, etag string) (int, error) {
	for item, err := range resp.Items(ctx) {
		if err != nil {
			return 0, err
		}
		setETag(w, etag)
		w.Header().Set("Content-Type", partContentType(item))
		if item.ContentLength >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(item.ContentLength, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, item.Body); err != nil {
			return http.StatusOK, err
		}
	}
	return http.StatusOK, nil
}

// writeMultipart writes every part as a multipart/related body. Headers are
// sent once the first part is open, so a failure to open it is still
// reported with its own status.
func writeMultipart(ctx context.Context, w http.ResponseWriter, resp *services.RetrieveResponse, etag string) (int, error) {
	mw := multipart.NewWriter(w)
	status := 0

	for item, err := range resp.Items(ctx) {
		if err != nil {
			return status, err
		}
		if status == 0 {
			setETag(w, etag)
			w.Header().Set("Content-Type", mime.FormatMediaType(negotiation.MediaTypeMultipartRelated, map[string]string{
				"type":     resp.MediaType,
				"boundary": mw.Boundary(),
			}))
			w.WriteHeader(http.StatusOK)
			status = http.StatusOK
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", partContentType(item))
		if item.ContentLength >= 0 {
			header.Set("Content-Length", strconv.FormatInt(item.ContentLength, 10))
		}
		part, err := mw.CreatePart(header)
		if err != nil {
			return status, err
		}
		if _, err := io.Copy(part, item.Body); err != nil {
			return status, err
		}
	}

	if status == 0 {
		return 0, errordefs.NotFound("no parts to return")
	}
	return status, mw.Close()
}

func partContentType(item *services.ResponseItem) string {
	return mime.FormatMediaType(item.MediaType, map[string]string{"transfer-syntax": item.TransferSyntaxUID})
}

func (h *DICOMWebHandler) serveMetadata(w http.ResponseWriter, r *http.Request, resourceType models.ResourceType) {
	ctx := r.Context()
	started := time.Now()

	req := services.MetadataRequest{
		ResourceType:      resourceType,
		PartitionID:       partitionID(ctx),
		StudyInstanceUID:  chi.URLParam(r, "studyUID"),
		SeriesInstanceUID: chi.URLParam(r, "seriesUID"),
		SOPInstanceUID:    chi.URLParam(r, "instanceUID"),
		IfNoneMatch:       r.Header.Get("If-None-Match"),
	}

	entry := newAuditEntry(r, models.AuditActionRetrieveMetadata, resourceType, req.PartitionID)
	defer func() {
		entry.Duration = time.Since(started).Milliseconds()
		h.auditService.Record(ctx, entry.AuditLog)
	}()

	resp, err := h.metadataService.RetrieveMetadata(ctx, req)
	if err != nil {
		entry.fail(errordefs.WriteHTTP(w, r, err), err)
		return
	}

	w.Header().Set("ETag", quoteETag(resp.ETag))
	if resp.NotModified {
		w.WriteHeader(http.StatusNotModified)
		entry.Status = http.StatusNotModified
		return
	}

	w.Header().Set("Content-Type", mediaTypeDicomJSON)
	w.WriteHeader(http.StatusOK)
	entry.Status = http.StatusOK

	if err := writeJSONArray(w, resp.Metadata); err != nil {
		entry.ErrorMessage = err.Error()
		if !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("request_id", entry.RequestID).Msg("Failed to write metadata response")
		}
	}
}

// writeJSONArray joins documents that are already JSON into one array
func writeJSONArray(w io.Writer, docs []json.RawMessage) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte('['); err != nil {
		return err
	}
	for i, doc := range docs {
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := bw.Write(doc); err != nil {
			return err
		}
	}
	if err := bw.WriteByte(']'); err != nil {
		return err
	}
	return bw.Flush()
}

// parseFrames converts the 1-based frame list of the URL into 0-based indices
func parseFrames(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errordefs.BadRequest("at least one frame must be requested")
	}
	parts := strings.Split(raw, ",")
	frames := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return nil, errordefs.BadRequest("invalid frame number %q: frames are numbered from 1", p)
		}
		frames = append(frames, n-1)
	}
	return frames, nil
}

// acceptValues returns the Accept header values, treating a missing header as */*
func acceptValues(r *http.Request) []string {
	values := r.Header.Values("Accept")
	if len(values) == 0 {
		return []string{negotiation.MediaTypeAny}
	}
	return values
}

func partitionID(ctx context.Context) uuid.UUID {
	id, _ := middleware.GetPartitionID(ctx)
	return id
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

type auditEntry struct {
	*models.AuditLog
}

func newAuditEntry(r *http.Request, action string, resourceType models.ResourceType, partition uuid.UUID) auditEntry {
	return auditEntry{&models.AuditLog{
		PartitionID:  partition,
		RequestID:    chimiddleware.GetReqID(r.Context()),
		Action:       action,
		ResourceType: resourceType.String(),
		ResourceUID:  resourceUID(r),
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}}
}

func (e auditEntry) fail(status int, err error) {
	e.Status = status
	e.ErrorMessage = err.Error()
}

// resourceUID is the most specific UID in the request path
func resourceUID(r *http.Request) string {
	for _, param := range []string{"instanceUID", "seriesUID", "studyUID"} {
		if uid := chi.URLParam(r, param); uid != "" {
			return uid
		}
	}
	return ""
}
