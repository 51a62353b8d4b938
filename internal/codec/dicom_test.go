package codec

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"testing"

	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/pkg/transfersyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func nativeDataset(ts string, bits, frames int, data []byte) *dataset {
	return &dataset{
		transferSyntax: ts,
		bitsAllocated:  bits,
		photometric:    "MONOCHROME2",
		rows:           1,
		columns:        2,
		samples:        1,
		frames:         frames,
		pixel: &dicom.PixelDataInfo{
			IntentionallyUnprocessed: true,
			UnprocessedValueData:     data,
		},
	}
}

func TestValidateFrames(t *testing.T) {
	assert.NoError(t, ValidateFrames(3, []int{0, 1, 2}))
	assert.NoError(t, ValidateFrames(3, nil))

	err := ValidateFrames(5, []int{0, 98})
	require.Error(t, err)
	assert.True(t, errordefs.Is(err, errordefs.CodeNotFound))
	assert.Contains(t, err.Error(), "frame 99")

	assert.Error(t, ValidateFrames(1, []int{-1}))
}

func TestExtractNativeFrame(t *testing.T) {
	c := NewDicomCodec()
	ds := nativeDataset(transfersyntax.ExplicitVRLittleEndian, 16, 2, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	first, err := c.ExtractFrame(ds, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, first)

	second, err := c.ExtractFrame(ds, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, second)

	_, err = c.ExtractFrame(ds, 2)
	assert.True(t, errordefs.Is(err, errordefs.CodeNotFound))
}

func TestExtractFrameTruncatedPixelData(t *testing.T) {
	c := NewDicomCodec()
	ds := nativeDataset(transfersyntax.ExplicitVRLittleEndian, 16, 2, []byte{1, 2, 3, 4, 5})

	_, err := c.ExtractFrame(ds, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestTranscodeFrameSwapsByteOrder(t *testing.T) {
	c := NewDicomCodec()
	ds := nativeDataset(transfersyntax.ExplicitVRLittleEndian, 16, 1, []byte{1, 2, 3, 4})

	out, err := c.TranscodeFrame(context.Background(), ds, 0, transfersyntax.ExplicitVRBigEndian)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 1, 4, 3}, out)

	same, err := c.TranscodeFrame(context.Background(), ds, 0, transfersyntax.ImplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, same)
}

func TestTranscodeFrameDecodesJPEGBaseline(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))

	out, err := decodeJPEGBaseline(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, out, 64)
	assert.InDelta(t, 128, int(out[0]), 2)
}

func TestTranscodeUnsupported(t *testing.T) {
	c := NewDicomCodec()
	ds := nativeDataset(transfersyntax.ExplicitVRLittleEndian, 16, 1, []byte{1, 2})

	_, err := c.TranscodeFrame(context.Background(), ds, 0, transfersyntax.JPEG2000Lossless)
	assert.True(t, errors.Is(err, ErrUnsupportedTranscode))

	_, err = c.TranscodeFile(context.Background(), ds, transfersyntax.JPEG2000Lossless)
	assert.True(t, errors.Is(err, ErrUnsupportedTranscode))
}

func TestTranscodeHonoursCancellation(t *testing.T) {
	c := NewDicomCodec()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.TranscodeFrame(ctx, nativeDataset(transfersyntax.ExplicitVRLittleEndian, 8, 1, []byte{1, 2}), 0, transfersyntax.ExplicitVRBigEndian)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSwap16(t *testing.T) {
	assert.Equal(t, []byte{2, 1, 4, 3, 5}, swap16([]byte{1, 2, 3, 4, 5}))
}

const secondaryCaptureSOPClass = "1.2.840.10008.5.1.4.1.1.7"

func element(t *testing.T, tg tag.Tag, value any) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, value)
	require.NoError(t, err)
	return el
}

// imageFile writes a two-frame MONOCHROME2 file with the given geometry and
// pixel data element
func imageFile(t *testing.T, ts string, rows, columns, bits int, pixelData *dicom.Element) []byte {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		element(t, tag.MediaStorageSOPClassUID, []string{secondaryCaptureSOPClass}),
		element(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.840.99.1"}),
		element(t, tag.TransferSyntaxUID, []string{ts}),
		element(t, tag.SOPClassUID, []string{secondaryCaptureSOPClass}),
		element(t, tag.SOPInstanceUID, []string{"1.2.840.99.1"}),
		element(t, tag.SamplesPerPixel, []int{1}),
		element(t, tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		element(t, tag.NumberOfFrames, []string{"2"}),
		element(t, tag.Rows, []int{rows}),
		element(t, tag.Columns, []int{columns}),
		element(t, tag.BitsAllocated, []int{bits}),
		element(t, tag.BitsStored, []int{bits}),
		element(t, tag.HighBit, []int{bits - 1}),
		element(t, tag.PixelRepresentation, []int{0}),
		pixelData,
	}}

	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, ds))
	return buf.Bytes()
}

// nativeFile holds two 1x2 frames of 16-bit samples stored as-is
func nativeFile(t *testing.T, ts string, pixels []byte) []byte {
	t.Helper()
	return imageFile(t, ts, 1, 2, 16, element(t, tag.PixelData, dicom.PixelDataInfo{
		IntentionallyUnprocessed: true,
		UnprocessedValueData:     pixels,
	}))
}

func open(t *testing.T, c *DicomCodec, file []byte) Dataset {
	t.Helper()
	ds, err := c.Open(context.Background(), bytes.NewReader(file), int64(len(file)))
	require.NoError(t, err)
	return ds
}

// decodedSamples fully parses a file and returns the 16-bit samples of one frame
func decodedSamples(t *testing.T, file []byte, index int) []uint16 {
	t.Helper()
	parsed, err := dicom.Parse(bytes.NewReader(file), int64(len(file)), nil)
	require.NoError(t, err)
	el, err := parsed.FindElementByTag(tag.PixelData)
	require.NoError(t, err)
	info := dicom.MustGetPixelDataInfo(el.Value)
	require.Greater(t, len(info.Frames), index)
	samples, ok := info.Frames[index].NativeData.RawDataSlice().([]uint16)
	require.True(t, ok)
	return samples
}

func TestDicomCodecOpenNativeFile(t *testing.T) {
	c := NewDicomCodec()
	ds := open(t, c, nativeFile(t, transfersyntax.ExplicitVRLittleEndian, []byte{1, 2, 3, 4, 6, 5, 8, 7}))

	assert.Equal(t, transfersyntax.ExplicitVRLittleEndian, ds.TransferSyntaxUID())
	assert.Equal(t, 16, ds.BitsAllocated())
	assert.Equal(t, "MONOCHROME2", ds.PhotometricInterpretation())
	assert.Equal(t, 2, ds.NumberOfFrames())

	first, err := c.ExtractFrame(ds, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, first)

	second, err := c.ExtractFrame(ds, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 5, 8, 7}, second)

	err = c.ValidateFramesExist(ds, []int{0, 2})
	assert.True(t, errordefs.Is(err, errordefs.CodeNotFound))
}

func TestDicomCodecTranscodeFileToBigEndian(t *testing.T) {
	c := NewDicomCodec()
	source := nativeFile(t, transfersyntax.ExplicitVRLittleEndian, []byte{1, 2, 3, 4, 6, 5, 8, 7})
	ds := open(t, c, source)

	out, err := c.TranscodeFile(context.Background(), ds, transfersyntax.ExplicitVRBigEndian)
	require.NoError(t, err)

	reopened := open(t, c, out)
	assert.Equal(t, transfersyntax.ExplicitVRBigEndian, reopened.TransferSyntaxUID())
	assert.Equal(t, 2, reopened.NumberOfFrames())
	assert.Equal(t, 16, reopened.BitsAllocated())

	frame1, err := c.ExtractFrame(reopened, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, frame1)

	// Same sample values on both sides of the byte swap
	assert.Equal(t, []uint16{1286, 1800}, decodedSamples(t, source, 1))
	assert.Equal(t, []uint16{1286, 1800}, decodedSamples(t, out, 1))
	assert.Equal(t, decodedSamples(t, source, 0), decodedSamples(t, out, 0))
}

func TestDicomCodecTranscodeFileToImplicitLittleEndian(t *testing.T) {
	c := NewDicomCodec()
	source := nativeFile(t, transfersyntax.ExplicitVRLittleEndian, []byte{1, 2, 3, 4, 6, 5, 8, 7})

	out, err := c.TranscodeFile(context.Background(), open(t, c, source), transfersyntax.ImplicitVRLittleEndian)
	require.NoError(t, err)

	reopened := open(t, c, out)
	assert.Equal(t, transfersyntax.ImplicitVRLittleEndian, reopened.TransferSyntaxUID())
	assert.Equal(t, 2, reopened.NumberOfFrames())
	assert.Equal(t, "MONOCHROME2", reopened.PhotometricInterpretation())

	frame1, err := c.ExtractFrame(reopened, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 5, 8, 7}, frame1)
	assert.Equal(t, []uint16{1286, 1800}, decodedSamples(t, out, 1))
}

func TestDicomCodecBigEndianBackToLittleEndian(t *testing.T) {
	c := NewDicomCodec()
	source := nativeFile(t, transfersyntax.ExplicitVRLittleEndian, []byte{1, 2, 3, 4, 6, 5, 8, 7})

	big, err := c.TranscodeFile(context.Background(), open(t, c, source), transfersyntax.ExplicitVRBigEndian)
	require.NoError(t, err)
	ds := open(t, c, big)

	back, err := c.TranscodeFrame(context.Background(), ds, 1, transfersyntax.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 5, 8, 7}, back)

	little, err := c.TranscodeFile(context.Background(), ds, transfersyntax.ExplicitVRLittleEndian)
	require.NoError(t, err)
	assert.Equal(t, decodedSamples(t, source, 1), decodedSamples(t, little, 1))
}

func grayJPEG(t *testing.T, value uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	data := buf.Bytes()
	if len(data)%2 != 0 {
		data = append(data, 0)
	}
	return data
}

func TestDicomCodecEncapsulatedMultiFrame(t *testing.T) {
	c := NewDicomCodec()
	frames := [][]byte{grayJPEG(t, 60), grayJPEG(t, 200)}

	pixelData := element(t, tag.PixelData, dicom.PixelDataInfo{
		IsEncapsulated: true,
		Frames: []*frame.Frame{
			{Encapsulated: true, EncapsulatedData: frame.EncapsulatedFrame{Data: frames[0]}},
			{Encapsulated: true, EncapsulatedData: frame.EncapsulatedFrame{Data: frames[1]}},
		},
	})
	pixelData.RawValueRepresentation = "OB"
	pixelData.ValueLength = tag.VLUndefinedLength

	ds := open(t, c, imageFile(t, transfersyntax.JPEGProcess1, 8, 8, 8, pixelData))
	assert.Equal(t, transfersyntax.JPEGProcess1, ds.TransferSyntaxUID())
	assert.Equal(t, 2, ds.NumberOfFrames())

	for i, want := range frames {
		got, err := c.ExtractFrame(ds, i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	decoded, err := c.TranscodeFrame(context.Background(), ds, 1, transfersyntax.ExplicitVRLittleEndian)
	require.NoError(t, err)
	require.Len(t, decoded, 64)
	assert.InDelta(t, 200, int(decoded[0]), 2)
	assert.InDelta(t, 200, int(decoded[63]), 2)

	_, err = c.TranscodeFile(context.Background(), ds, transfersyntax.ExplicitVRLittleEndian)
	assert.ErrorIs(t, err, ErrUnsupportedTranscode)

	_, err = c.ExtractFrame(ds, 2)
	assert.True(t, errordefs.Is(err, errordefs.CodeNotFound))
}
