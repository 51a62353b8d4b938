package transcoding

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/otcheredev/ris-dicom-retrieve/internal/codec"
	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/pkg/transfersyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upTo8Bit = []string{
	transfersyntax.DeflatedExplicitVRLittleEndian,
	transfersyntax.ExplicitVRBigEndian,
	transfersyntax.ExplicitVRLittleEndian,
	transfersyntax.ImplicitVRLittleEndian,
	transfersyntax.RLELossless,
	transfersyntax.JPEG2000Lossless,
	transfersyntax.JPEG2000Lossy,
	transfersyntax.JPEGProcess1,
	transfersyntax.JPEGProcess2_4,
}

func TestCanTranscodeEightBitMonochrome(t *testing.T) {
	for _, stored := range upTo8Bit {
		for _, target := range upTo8Bit {
			want := !transfersyntax.IsJPEGBaseline(target)
			assert.Equal(t, want, CanTranscode(stored, target, 8, PhotometricMonochrome2), "%s -> %s", stored, target)
		}
	}
}

func TestCanTranscodeJPEG2000RGBSource(t *testing.T) {
	for _, target := range upTo8Bit {
		assert.False(t, CanTranscode(transfersyntax.JPEG2000Lossless, target, 8, PhotometricRGB), target)
		assert.False(t, CanTranscode(transfersyntax.JPEG2000Lossless, target, 16, PhotometricRGB), target)
	}
}

func TestCanTranscodeRules(t *testing.T) {
	tests := []struct {
		name        string
		stored      string
		target      string
		bits        int
		photometric string
		want        bool
	}{
		{"empty target passes", transfersyntax.JPEG2000Lossless, "", 16, PhotometricRGB, true},
		{"16 bit native to native", transfersyntax.ExplicitVRLittleEndian, transfersyntax.ExplicitVRBigEndian, 16, PhotometricMonochrome2, true},
		{"16 bit to jpeg 2000", transfersyntax.ExplicitVRLittleEndian, transfersyntax.JPEG2000Lossless, 16, PhotometricMonochrome2, false},
		{"16 bit from jpeg 2000", transfersyntax.JPEG2000Lossless, transfersyntax.ExplicitVRLittleEndian, 16, PhotometricMonochrome2, false},
		{"8 bit rgb native to jpeg 2000", transfersyntax.ExplicitVRLittleEndian, transfersyntax.JPEG2000Lossless, 8, PhotometricRGB, true},
		{"jpeg baseline ybr full source", transfersyntax.JPEGProcess1, transfersyntax.ExplicitVRLittleEndian, 8, PhotometricYBRFull, false},
		{"jpeg 2000 ybr full source", transfersyntax.JPEG2000Lossless, transfersyntax.ExplicitVRLittleEndian, 8, PhotometricYBRFull, true},
		{"jpeg baseline monochrome1 target", transfersyntax.ExplicitVRLittleEndian, transfersyntax.JPEGProcess1, 8, PhotometricMonochrome1, false},
		{"jpeg baseline rgb target", transfersyntax.ExplicitVRLittleEndian, transfersyntax.JPEGProcess1, 8, PhotometricRGB, true},
		{"unknown stored syntax", "", transfersyntax.ExplicitVRLittleEndian, 8, PhotometricMonochrome2, false},
		{"photometric case and padding", transfersyntax.JPEGProcess1, transfersyntax.ExplicitVRLittleEndian, 8, " rgb ", false},
		{"uid padding", transfersyntax.ExplicitVRLittleEndian + "\x00", transfersyntax.JPEG2000Lossless, 8, PhotometricMonochrome2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTranscode(tt.stored, tt.target, tt.bits, tt.photometric))
		})
	}
}

type fakeDataset struct {
	ts          string
	bits        int
	photometric string
	frames      int
}

func (d fakeDataset) TransferSyntaxUID() string         { return d.ts }
func (d fakeDataset) BitsAllocated() int                { return d.bits }
func (d fakeDataset) PhotometricInterpretation() string { return d.photometric }
func (d fakeDataset) NumberOfFrames() int               { return d.frames }

type fakeCodec struct {
	err   error
	calls int
}

func (c *fakeCodec) Open(ctx context.Context, r io.Reader, size int64) (codec.Dataset, error) {
	return nil, errors.New("not used")
}

func (c *fakeCodec) ValidateFramesExist(ds codec.Dataset, frames []int) error {
	return codec.ValidateFrames(ds.NumberOfFrames(), frames)
}

func (c *fakeCodec) ExtractFrame(ds codec.Dataset, frame int) ([]byte, error) {
	return []byte{byte(frame)}, nil
}

func (c *fakeCodec) TranscodeFile(ctx context.Context, ds codec.Dataset, target string) ([]byte, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []byte("file:" + target), nil
}

func (c *fakeCodec) TranscodeFrame(ctx context.Context, ds codec.Dataset, frame int, target string) ([]byte, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []byte("frame:" + target), nil
}

func TestTranscoderDelegatesToCodec(t *testing.T) {
	fc := &fakeCodec{}
	tr := NewTranscoder(fc, nil)
	ds := fakeDataset{ts: transfersyntax.ExplicitVRLittleEndian, bits: 8, photometric: PhotometricMonochrome2, frames: 2}

	out, err := tr.TranscodeFile(context.Background(), ds, transfersyntax.JPEG2000Lossless)
	require.NoError(t, err)
	assert.Equal(t, "file:"+transfersyntax.JPEG2000Lossless, string(out))

	out, err = tr.TranscodeFrame(context.Background(), ds, 1, transfersyntax.JPEG2000Lossless)
	require.NoError(t, err)
	assert.Equal(t, "frame:"+transfersyntax.JPEG2000Lossless, string(out))
	assert.Equal(t, 2, fc.calls)
}

func TestTranscoderRejectsIncompatible(t *testing.T) {
	fc := &fakeCodec{}
	tr := NewTranscoder(fc, nil)
	ds := fakeDataset{ts: transfersyntax.ExplicitVRLittleEndian, bits: 16, photometric: PhotometricMonochrome2, frames: 1}

	_, err := tr.TranscodeFile(context.Background(), ds, transfersyntax.JPEG2000Lossless)
	require.Error(t, err)
	assert.True(t, errordefs.Is(err, errordefs.CodeNotAcceptable))
	assert.Zero(t, fc.calls)
}

func TestTranscoderWrapsCodecFailure(t *testing.T) {
	fc := &fakeCodec{err: codec.ErrUnsupportedTranscode}
	tr := NewTranscoder(fc, nil)
	ds := fakeDataset{ts: transfersyntax.ExplicitVRLittleEndian, bits: 8, photometric: PhotometricMonochrome2, frames: 1}

	_, err := tr.TranscodeFrame(context.Background(), ds, 0, transfersyntax.JPEG2000Lossless)
	require.Error(t, err)
	assert.True(t, errordefs.Is(err, errordefs.CodeTranscodingFailed))
	assert.ErrorIs(t, err, codec.ErrUnsupportedTranscode)
}

func TestTranscoderPassesCancellationThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := NewTranscoder(&fakeCodec{err: context.Canceled}, nil)
	ds := fakeDataset{ts: transfersyntax.ExplicitVRLittleEndian, bits: 8, photometric: PhotometricMonochrome2, frames: 1}

	_, err := tr.TranscodeFile(ctx, ds, transfersyntax.JPEG2000Lossless)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errordefs.Is(err, errordefs.CodeTranscodingFailed))
}
