package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/pkg/transfersyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetadataFixture() (*fakeStore, *fakeMetadata, *MetadataService) {
	ts := transfersyntax.ExplicitVRLittleEndian
	store := &fakeStore{instances: []models.InstanceMetadata{
		instance("1.1", 4, ts, 10),
		instance("1.2", 8, ts, 10),
		instance("1.3", 6, ts, 10),
	}}
	metadata := &fakeMetadata{docs: map[int64]json.RawMessage{
		4: json.RawMessage(`{"00080018":{"vr":"UI","Value":["1.1"]}}`),
		8: json.RawMessage(`{"00080018":{"vr":"UI","Value":["1.2"]}}`),
		6: json.RawMessage(`{"00080018":{"vr":"UI","Value":["1.3"]}}`),
	}}
	return store, metadata, NewMetadataService(store, metadata, nil, 2)
}

func TestRetrieveMetadataStudy(t *testing.T) {
	_, metadata, service := newMetadataFixture()

	resp, err := service.RetrieveMetadata(context.Background(), MetadataRequest{
		ResourceType:     models.ResourceTypeStudy,
		StudyInstanceUID: studyUID,
	})
	require.NoError(t, err)
	assert.False(t, resp.NotModified)
	assert.Equal(t, "8-3", resp.ETag)
	require.Len(t, resp.Metadata, 3)
	assert.JSONEq(t, string(metadata.docs[4]), string(resp.Metadata[0]))
	assert.JSONEq(t, string(metadata.docs[6]), string(resp.Metadata[1]))
	assert.JSONEq(t, string(metadata.docs[8]), string(resp.Metadata[2]))
}

func TestRetrieveMetadataNotModified(t *testing.T) {
	_, _, service := newMetadataFixture()

	resp, err := service.RetrieveMetadata(context.Background(), MetadataRequest{
		ResourceType:     models.ResourceTypeStudy,
		StudyInstanceUID: studyUID,
		IfNoneMatch:      `"8-3"`,
	})
	require.NoError(t, err)
	assert.True(t, resp.NotModified)
	assert.Equal(t, "8-3", resp.ETag)
	assert.Nil(t, resp.Metadata)

	resp, err = service.RetrieveMetadata(context.Background(), MetadataRequest{
		ResourceType:     models.ResourceTypeStudy,
		StudyInstanceUID: studyUID,
		IfNoneMatch:      `"8-2"`,
	})
	require.NoError(t, err)
	assert.False(t, resp.NotModified)
	assert.Len(t, resp.Metadata, 3)
}

func TestRetrieveMetadataInstance(t *testing.T) {
	_, _, service := newMetadataFixture()

	resp, err := service.RetrieveMetadata(context.Background(), MetadataRequest{
		ResourceType:      models.ResourceTypeInstance,
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    "1.3",
	})
	require.NoError(t, err)
	assert.Equal(t, "6", resp.ETag)
	assert.Len(t, resp.Metadata, 1)
}

func TestRetrieveMetadataReplacedInstance(t *testing.T) {
	store, metadata, service := newMetadataFixture()
	instanceReq := MetadataRequest{
		ResourceType:      models.ResourceTypeInstance,
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    "1.1",
	}

	before, err := service.RetrieveMetadata(context.Background(), instanceReq)
	require.NoError(t, err)
	assert.Equal(t, "4", before.ETag)

	store.instances = append(store.instances, instance("1.1", 9, transfersyntax.ExplicitVRLittleEndian, 10))
	metadata.docs[9] = json.RawMessage(`{"00080018":{"vr":"UI","Value":["1.1"]},"00200013":{"vr":"IS","Value":[2]}}`)

	instanceReq.IfNoneMatch = `"` + before.ETag + `"`
	after, err := service.RetrieveMetadata(context.Background(), instanceReq)
	require.NoError(t, err)
	assert.False(t, after.NotModified)
	assert.Equal(t, "9", after.ETag)
	require.Len(t, after.Metadata, 1)
	assert.JSONEq(t, string(metadata.docs[9]), string(after.Metadata[0]))

	study, err := service.RetrieveMetadata(context.Background(), MetadataRequest{
		ResourceType:     models.ResourceTypeStudy,
		StudyInstanceUID: studyUID,
	})
	require.NoError(t, err)
	assert.Equal(t, "9-3", study.ETag)
	require.Len(t, study.Metadata, 3)
	assert.JSONEq(t, string(metadata.docs[9]), string(study.Metadata[2]))
}

func TestRetrieveMetadataErrors(t *testing.T) {
	t.Run("unknown study", func(t *testing.T) {
		_, _, service := newMetadataFixture()
		_, err := service.RetrieveMetadata(context.Background(), MetadataRequest{
			ResourceType:     models.ResourceTypeStudy,
			StudyInstanceUID: "9.9",
		})
		require.Error(t, err)
		assert.True(t, errordefs.Is(err, errordefs.CodeNotFound))
	})

	t.Run("missing document", func(t *testing.T) {
		_, metadata, service := newMetadataFixture()
		delete(metadata.docs, 6)
		_, err := service.RetrieveMetadata(context.Background(), MetadataRequest{
			ResourceType:     models.ResourceTypeStudy,
			StudyInstanceUID: studyUID,
		})
		require.Error(t, err)
		assert.True(t, errordefs.Is(err, errordefs.CodeNotFound))
	})

	t.Run("store failure", func(t *testing.T) {
		store, _, service := newMetadataFixture()
		store.err = errors.New("connection reset")
		_, err := service.RetrieveMetadata(context.Background(), MetadataRequest{
			ResourceType:     models.ResourceTypeStudy,
			StudyInstanceUID: studyUID,
		})
		require.Error(t, err)
		assert.False(t, errordefs.Is(err, errordefs.CodeNotFound))
	})
}

type recordingAuditStore struct {
	entries []*models.AuditLog
	err     error
}

func (s *recordingAuditStore) Create(ctx context.Context, entry *models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.entries = append(s.entries, entry)
	return s.err
}

func TestAuditServiceRecord(t *testing.T) {
	store := &recordingAuditStore{}
	service := NewAuditService(store)

	// A cancelled request still gets audited
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	service.Record(ctx, &models.AuditLog{Action: models.AuditActionRetrieve, ResourceUID: "1.1"})
	require.Len(t, store.entries, 1)
	assert.Equal(t, "1.1", store.entries[0].ResourceUID)

	store.err = errors.New("disk full")
	assert.NotPanics(t, func() {
		service.Record(context.Background(), &models.AuditLog{Action: models.AuditActionRetrieve})
	})
}

func TestAuditServiceDisabled(t *testing.T) {
	var nilService *AuditService
	assert.NotPanics(t, func() {
		nilService.Record(context.Background(), &models.AuditLog{})
		NewAuditService(nil).Record(context.Background(), &models.AuditLog{})
	})
}
