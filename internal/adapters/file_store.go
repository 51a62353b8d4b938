package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
)

// FileStore maps instance versions onto objects. Each version stores
//
//	{watermark}.dcm                  the DICOM file
//	{watermark}_frames_range.json    frame index -> byte range, when known
//	{watermark}_metadata.json        DICOM JSON metadata
type FileStore struct {
	objects ObjectStore
}

// NewFileStore creates a file store over objects
func NewFileStore(objects ObjectStore) *FileStore {
	return &FileStore{objects: objects}
}

// FileKey is the object key of an instance version's DICOM file
func FileKey(watermark int64) string {
	return strconv.FormatInt(watermark, 10) + ".dcm"
}

// FrameRangeKey is the object key of an instance version's frame range sidecar
func FrameRangeKey(watermark int64) string {
	return strconv.FormatInt(watermark, 10) + "_frames_range.json"
}

// MetadataKey is the object key of an instance version's metadata sidecar
func MetadataKey(watermark int64) string {
	return strconv.FormatInt(watermark, 10) + "_metadata.json"
}

// GetFile opens the stored DICOM file
func (f *FileStore) GetFile(ctx context.Context, id models.VersionedInstanceIdentifier) (io.ReadCloser, error) {
	rc, err := f.objects.Get(ctx, FileKey(id.Watermark))
	if err != nil {
		return nil, notFound(err, id)
	}
	return rc, nil
}

// GetFileRange opens one byte range of the stored DICOM file
func (f *FileStore) GetFileRange(ctx context.Context, id models.VersionedInstanceIdentifier, r models.FrameRange) (io.ReadCloser, error) {
	rc, err := f.objects.GetRange(ctx, FileKey(id.Watermark), r.Offset, r.Length)
	if err != nil {
		return nil, notFound(err, id)
	}
	return rc, nil
}

// GetFileProperties returns the stored file's size
func (f *FileStore) GetFileProperties(ctx context.Context, id models.VersionedInstanceIdentifier) (models.FileProperties, error) {
	size, err := f.objects.Size(ctx, FileKey(id.Watermark))
	if err != nil {
		return models.FileProperties{}, notFound(err, id)
	}
	return models.FileProperties{ContentLength: size}, nil
}

// GetFrameRanges reads the frame range sidecar. A missing sidecar is not an
// error: it returns nil, and callers fall back to parsing the whole file.
func (f *FileStore) GetFrameRanges(ctx context.Context, id models.VersionedInstanceIdentifier) (map[int]models.FrameRange, error) {
	raw, err := f.readAll(ctx, FrameRangeKey(id.Watermark))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ranges map[int]models.FrameRange
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return nil, fmt.Errorf("failed to decode frame ranges for watermark %d: %w", id.Watermark, err)
	}
	return ranges, nil
}

// GetInstanceMetadata returns the DICOM JSON metadata of an instance version
func (f *FileStore) GetInstanceMetadata(ctx context.Context, id models.VersionedInstanceIdentifier) (json.RawMessage, error) {
	raw, err := f.readAll(ctx, MetadataKey(id.Watermark))
	if err != nil {
		return nil, notFound(err, id)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("metadata for watermark %d is not valid JSON", id.Watermark)
	}
	return raw, nil
}

func (f *FileStore) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := f.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return raw, nil
}

func notFound(err error, id models.VersionedInstanceIdentifier) error {
	if errors.Is(err, ErrObjectNotFound) {
		return errordefs.NotFound("stored file for instance %s (watermark %d) not found", id.SOPInstanceUID, id.Watermark)
	}
	return err
}
