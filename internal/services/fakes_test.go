package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-retrieve/internal/cache"
	"github.com/otcheredev/ris-dicom-retrieve/internal/codec"
	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/internal/negotiation"
	"github.com/otcheredev/ris-dicom-retrieve/internal/transcoding"
)

const (
	studyUID  = "1.2.840.1"
	seriesUID = "1.2.840.1.1"
)

func instance(sop string, watermark int64, ts string, size int64) models.InstanceMetadata {
	return models.InstanceMetadata{
		VersionedInstanceIdentifier: models.VersionedInstanceIdentifier{
			InstanceIdentifier: models.InstanceIdentifier{
				PartitionID:       uuid.Nil,
				StudyInstanceUID:  studyUID,
				SeriesInstanceUID: seriesUID,
				SOPInstanceUID:    sop,
			},
			Watermark: watermark,
		},
		InstanceProperties: models.InstanceProperties{
			TransferSyntaxUID: ts,
			FileProperties:    &models.FileProperties{ContentLength: size},
		},
	}
}

type fakeStore struct {
	instances []models.InstanceMetadata
	err       error
	calls     atomic.Int32
}

func (s *fakeStore) ResolveInstances(ctx context.Context, resourceType models.ResourceType, partitionID uuid.UUID, study, series, sop string) ([]models.InstanceMetadata, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	var out []models.InstanceMetadata
	for _, inst := range s.instances {
		if inst.StudyInstanceUID != study {
			continue
		}
		if resourceType != models.ResourceTypeStudy && inst.SeriesInstanceUID != series {
			continue
		}
		if (resourceType == models.ResourceTypeInstance || resourceType == models.ResourceTypeFrames) && inst.SOPInstanceUID != sop {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

type trackedBody struct {
	io.Reader
	closed *atomic.Int32
}

func (b trackedBody) Close() error {
	b.closed.Add(1)
	return nil
}

type fakeBlobs struct {
	files      map[int64][]byte
	fileCalls  atomic.Int32
	rangeCalls atomic.Int32
	propCalls  atomic.Int32
	closed     atomic.Int32
	delay      func(watermark int64) time.Duration
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{files: make(map[int64][]byte)}
}

func (b *fakeBlobs) body(data []byte) io.ReadCloser {
	return trackedBody{Reader: bytes.NewReader(data), closed: &b.closed}
}

func (b *fakeBlobs) GetFile(ctx context.Context, id models.VersionedInstanceIdentifier) (io.ReadCloser, error) {
	b.fileCalls.Add(1)
	if b.delay != nil {
		time.Sleep(b.delay(id.Watermark))
	}
	data, ok := b.files[id.Watermark]
	if !ok {
		return nil, errordefs.NotFound("no file for watermark %d", id.Watermark)
	}
	return b.body(data), nil
}

func (b *fakeBlobs) GetFileRange(ctx context.Context, id models.VersionedInstanceIdentifier, r models.FrameRange) (io.ReadCloser, error) {
	b.rangeCalls.Add(1)
	data, ok := b.files[id.Watermark]
	if !ok {
		return nil, errordefs.NotFound("no file for watermark %d", id.Watermark)
	}
	return b.body(data[r.Offset : r.Offset+r.Length]), nil
}

func (b *fakeBlobs) GetFileProperties(ctx context.Context, id models.VersionedInstanceIdentifier) (models.FileProperties, error) {
	b.propCalls.Add(1)
	data, ok := b.files[id.Watermark]
	if !ok {
		return models.FileProperties{}, errordefs.NotFound("no file for watermark %d", id.Watermark)
	}
	return models.FileProperties{ContentLength: int64(len(data))}, nil
}

type fakeRanges struct {
	ranges map[int64]map[int]models.FrameRange
	calls  atomic.Int32
}

func (r *fakeRanges) GetFrameRanges(ctx context.Context, id models.VersionedInstanceIdentifier) (map[int]models.FrameRange, error) {
	r.calls.Add(1)
	return r.ranges[id.Watermark], nil
}

type fakeMetadata struct {
	docs map[int64]json.RawMessage
}

func (m *fakeMetadata) GetInstanceMetadata(ctx context.Context, id models.VersionedInstanceIdentifier) (json.RawMessage, error) {
	doc, ok := m.docs[id.Watermark]
	if !ok {
		return nil, errordefs.NotFound("no metadata for watermark %d", id.Watermark)
	}
	return doc, nil
}

type fakeDataset struct {
	ts          string
	bits        int
	photometric string
	frames      [][]byte
}

func (d *fakeDataset) TransferSyntaxUID() string         { return d.ts }
func (d *fakeDataset) BitsAllocated() int                { return d.bits }
func (d *fakeDataset) PhotometricInterpretation() string { return d.photometric }
func (d *fakeDataset) NumberOfFrames() int               { return len(d.frames) }

// fakeCodec parses a file by looking its contents up in datasets
type fakeCodec struct {
	mu             sync.Mutex
	datasets       map[string]*fakeDataset
	transcodeErr   error
	openCalls      int
	transcodeCalls int
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{datasets: make(map[string]*fakeDataset)}
}

func (c *fakeCodec) Open(ctx context.Context, r io.Reader, size int64) (codec.Dataset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCalls++
	ds, ok := c.datasets[string(data)]
	if !ok {
		return nil, fmt.Errorf("unparseable file %q", data)
	}
	return ds, nil
}

func (c *fakeCodec) ValidateFramesExist(ds codec.Dataset, frames []int) error {
	return codec.ValidateFrames(ds.NumberOfFrames(), frames)
}

func (c *fakeCodec) ExtractFrame(ds codec.Dataset, frame int) ([]byte, error) {
	return ds.(*fakeDataset).frames[frame], nil
}

func (c *fakeCodec) TranscodeFile(ctx context.Context, ds codec.Dataset, target string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcodeCalls++
	if c.transcodeErr != nil {
		return nil, c.transcodeErr
	}
	return []byte("transcoded:" + target), nil
}

func (c *fakeCodec) TranscodeFrame(ctx context.Context, ds codec.Dataset, frame int, target string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcodeCalls++
	if c.transcodeErr != nil {
		return nil, c.transcodeErr
	}
	return []byte(fmt.Sprintf("frame%d:%s", frame, target)), nil
}

func (c *fakeCodec) opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openCalls
}

type fixture struct {
	store   *fakeStore
	blobs   *fakeBlobs
	ranges  *fakeRanges
	codec   *fakeCodec
	service *RetrieveService
}

func newFixture(t *testing.T, opts RetrieveOptions) *fixture {
	t.Helper()
	f := &fixture{
		store:  &fakeStore{},
		blobs:  newFakeBlobs(),
		ranges: &fakeRanges{ranges: make(map[int64]map[int]models.FrameRange)},
		codec:  newFakeCodec(),
	}
	f.service = NewRetrieveService(
		f.store,
		f.blobs,
		f.ranges,
		f.codec,
		transcoding.NewTranscoder(f.codec, nil),
		negotiation.NewNegotiator(negotiation.DefaultDescriptors()),
		cache.NewEphemeralCache[models.InstanceIdentifier, models.InstanceMetadata](
			InstanceMetadataCacheName, cache.NewMemoryStore[models.InstanceIdentifier, models.InstanceMetadata](100, time.Minute), nil),
		cache.NewEphemeralCache[int64, map[int]models.FrameRange](
			FrameRangeCacheName, cache.NewMemoryStore[int64, map[int]models.FrameRange](100, time.Minute), nil),
		nil,
		opts,
	)
	return f
}

// addInstance stores an instance whose file is "file-{watermark}" and whose
// frames are "w{watermark}f{index}" laid out back to back after a header
func (f *fixture) addInstance(sop string, watermark int64, ts string, frames int, withRanges bool) models.InstanceMetadata {
	header := fmt.Sprintf("file-%d|", watermark)
	content := []byte(header)
	ranges := make(map[int]models.FrameRange, frames)
	ds := &fakeDataset{ts: ts, bits: 8, photometric: transcoding.PhotometricMonochrome2}
	for i := 0; i < frames; i++ {
		frame := []byte(fmt.Sprintf("w%df%d", watermark, i))
		ranges[i] = models.FrameRange{Offset: int64(len(content)), Length: int64(len(frame))}
		content = append(content, frame...)
		ds.frames = append(ds.frames, frame)
	}

	inst := instance(sop, watermark, ts, int64(len(content)))
	f.store.instances = append(f.store.instances, inst)
	f.blobs.files[watermark] = content
	f.codec.datasets[string(content)] = ds
	if withRanges {
		f.ranges.ranges[watermark] = ranges
	}
	return inst
}

type collectedItem struct {
	body []byte
	ts   string
	item *ResponseItem
}

func collect(t *testing.T, resp *RetrieveResponse) ([]collectedItem, error) {
	t.Helper()
	var out []collectedItem
	for item, err := range resp.Items(context.Background()) {
		if err != nil {
			return out, err
		}
		body, readErr := io.ReadAll(item.Body)
		if readErr != nil {
			return out, readErr
		}
		out = append(out, collectedItem{body: body, ts: item.TransferSyntaxUID, item: item})
	}
	return out, nil
}
