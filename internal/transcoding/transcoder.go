package transcoding

import (
	"context"
	"errors"
	"time"

	"github.com/otcheredev/ris-dicom-retrieve/internal/codec"
	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Transcoder converts parsed datasets to another transfer syntax
type Transcoder struct {
	codec   codec.Codec
	metrics *metrics.Metrics
}

// NewTranscoder creates a transcoder that delegates pixel work to c
func NewTranscoder(c codec.Codec, m *metrics.Metrics) *Transcoder {
	return &Transcoder{codec: c, metrics: m}
}

// CanTranscode applies the compatibility matrix to a parsed dataset
func (t *Transcoder) CanTranscode(ds codec.Dataset, target string) bool {
	return CanTranscode(ds.TransferSyntaxUID(), target, ds.BitsAllocated(), ds.PhotometricInterpretation())
}

// TranscodeFile re-encodes a whole dataset. It fails NotAcceptable when the
// matrix forbids the conversion and TranscodingFailed when the codec does.
func (t *Transcoder) TranscodeFile(ctx context.Context, ds codec.Dataset, target string) ([]byte, error) {
	if !t.CanTranscode(ds, target) {
		return nil, notAcceptable(ds, target)
	}

	started := time.Now()
	out, err := t.codec.TranscodeFile(ctx, ds, target)
	t.metrics.ObserveTranscode("file", err, started)
	if err != nil {
		return nil, t.failure(ctx, err, ds, target, -1)
	}
	return out, nil
}

// TranscodeFrame converts one 0-based frame's pixel data
func (t *Transcoder) TranscodeFrame(ctx context.Context, ds codec.Dataset, frame int, target string) ([]byte, error) {
	if !t.CanTranscode(ds, target) {
		return nil, notAcceptable(ds, target)
	}

	started := time.Now()
	out, err := t.codec.TranscodeFrame(ctx, ds, frame, target)
	t.metrics.ObserveTranscode("frame", err, started)
	if err != nil {
		return nil, t.failure(ctx, err, ds, target, frame)
	}
	return out, nil
}

func notAcceptable(ds codec.Dataset, target string) error {
	return errordefs.NotAcceptable(
		"cannot transcode from %s to %s (bits allocated %d, photometric interpretation %s)",
		ds.TransferSyntaxUID(), target, ds.BitsAllocated(), ds.PhotometricInterpretation())
}

func (t *Transcoder) failure(ctx context.Context, err error, ds codec.Dataset, target string, frame int) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if _, ok := errordefs.As(err); ok {
		return err
	}

	event := log.Error().
		Err(err).
		Str("source_ts", ds.TransferSyntaxUID()).
		Str("target_ts", target)
	if frame >= 0 {
		event = event.Int("frame", frame)
	}
	event.Msg("Transcoding failed")

	return errordefs.TranscodingFailed(err, "failed to transcode from %s to %s", ds.TransferSyntaxUID(), target)
}
