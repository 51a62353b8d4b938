package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strconv"
	"strings"

	"github.com/otcheredev/ris-dicom-retrieve/pkg/transfersyntax"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DicomCodec implements Codec on top of github.com/suyashkumar/dicom.
//
// Native pixel data is kept unprocessed and sliced per frame; encapsulated
// pixel data is read from its fragments. Supported conversions are between
// uncompressed syntaxes and from monochrome JPEG baseline to uncompressed.
type DicomCodec struct{}

// NewDicomCodec creates a new codec
func NewDicomCodec() *DicomCodec {
	return &DicomCodec{}
}

type dataset struct {
	ds             dicom.Dataset
	transferSyntax string
	bitsAllocated  int
	photometric    string
	rows           int
	columns        int
	samples        int
	frames         int
	pixel          *dicom.PixelDataInfo
}

func (d *dataset) TransferSyntaxUID() string         { return d.transferSyntax }
func (d *dataset) BitsAllocated() int                { return d.bitsAllocated }
func (d *dataset) PhotometricInterpretation() string { return d.photometric }
func (d *dataset) NumberOfFrames() int               { return d.frames }

// Open parses a whole DICOM file
func (c *DicomCodec) Open(ctx context.Context, r io.Reader, size int64) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := dicom.Parse(r, size, nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("failed to parse DICOM file: %w", err)
	}

	d := &dataset{
		ds:             parsed,
		transferSyntax: transfersyntax.Normalize(stringValue(parsed, tag.TransferSyntaxUID)),
		bitsAllocated:  intValue(parsed, tag.BitsAllocated, 0),
		photometric:    strings.TrimSpace(stringValue(parsed, tag.PhotometricInterpretation)),
		rows:           intValue(parsed, tag.Rows, 0),
		columns:        intValue(parsed, tag.Columns, 0),
		samples:        intValue(parsed, tag.SamplesPerPixel, 1),
	}

	if el, err := parsed.FindElementByTag(tag.PixelData); err == nil {
		if info, ok := el.Value.GetValue().(dicom.PixelDataInfo); ok {
			d.pixel = &info
		}
	}
	if d.pixel != nil {
		d.frames = intValue(parsed, tag.NumberOfFrames, 1)
		if d.pixel.IsEncapsulated && len(d.pixel.Frames) > 0 && len(d.pixel.Frames) < d.frames {
			d.frames = len(d.pixel.Frames)
		}
	}

	return d, nil
}

// ValidateFramesExist fails NotFound if any frame index is out of range
func (c *DicomCodec) ValidateFramesExist(ds Dataset, frames []int) error {
	return ValidateFrames(ds.NumberOfFrames(), frames)
}

// ExtractFrame returns one frame's pixel data in the stored transfer syntax
func (c *DicomCodec) ExtractFrame(ds Dataset, frame int) ([]byte, error) {
	d, err := asDataset(ds)
	if err != nil {
		return nil, err
	}
	if err := ValidateFrames(d.frames, []int{frame}); err != nil {
		return nil, err
	}

	switch {
	case d.pixel.IntentionallyUnprocessed:
		size := d.frameSize()
		if size <= 0 {
			return nil, fmt.Errorf("cannot compute native frame size (rows=%d columns=%d samples=%d bits=%d)",
				d.rows, d.columns, d.samples, d.bitsAllocated)
		}
		start := int64(frame) * size
		end := start + size
		if end > int64(len(d.pixel.UnprocessedValueData)) {
			return nil, fmt.Errorf("pixel data truncated: frame %d ends at byte %d of %d", frame, end, len(d.pixel.UnprocessedValueData))
		}
		return d.pixel.UnprocessedValueData[start:end], nil
	case d.pixel.IsEncapsulated:
		if frame >= len(d.pixel.Frames) {
			return nil, fmt.Errorf("encapsulated pixel data has %d fragment frame(s)", len(d.pixel.Frames))
		}
		return d.pixel.Frames[frame].EncapsulatedData.Data, nil
	default:
		return nil, fmt.Errorf("pixel data was not kept in raw form")
	}
}

// TranscodeFrame converts one frame to the target transfer syntax
func (c *DicomCodec) TranscodeFrame(ctx context.Context, ds Dataset, frame int, target string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := asDataset(ds)
	if err != nil {
		return nil, err
	}

	source := d.transferSyntax
	switch {
	case transfersyntax.IsUncompressed(source) && transfersyntax.IsUncompressed(target):
		data, err := c.ExtractFrame(d, frame)
		if err != nil {
			return nil, err
		}
		if bigEndian(source) != bigEndian(target) && d.bitsAllocated == 16 {
			return swap16(data), nil
		}
		return data, nil
	case transfersyntax.IsJPEGBaseline(source) && transfersyntax.IsUncompressed(target):
		data, err := c.ExtractFrame(d, frame)
		if err != nil {
			return nil, err
		}
		return decodeJPEGBaseline(data)
	default:
		return nil, fmt.Errorf("%w: %s to %s", ErrUnsupportedTranscode, source, target)
	}
}

// TranscodeFile re-encodes the whole dataset in the target transfer syntax
func (c *DicomCodec) TranscodeFile(ctx context.Context, ds Dataset, target string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := asDataset(ds)
	if err != nil {
		return nil, err
	}

	source := d.transferSyntax
	if !transfersyntax.IsUncompressed(source) || !writableTarget(target) {
		return nil, fmt.Errorf("%w: %s to %s", ErrUnsupportedTranscode, source, target)
	}

	elements := make([]*dicom.Element, 0, len(d.ds.Elements))
	for _, el := range d.ds.Elements {
		switch el.Tag {
		case tag.TransferSyntaxUID:
			v, err := dicom.NewValue([]string{target})
			if err != nil {
				return nil, fmt.Errorf("failed to build transfer syntax value: %w", err)
			}
			replaced := *el
			replaced.Value = v
			elements = append(elements, &replaced)
		case tag.PixelData:
			if d.pixel == nil || !d.pixel.IntentionallyUnprocessed || bigEndian(source) == bigEndian(target) || d.bitsAllocated != 16 {
				elements = append(elements, el)
				continue
			}
			info := *d.pixel
			info.UnprocessedValueData = swap16(d.pixel.UnprocessedValueData)
			v, err := dicom.NewValue(info)
			if err != nil {
				return nil, fmt.Errorf("failed to build pixel data value: %w", err)
			}
			replaced := *el
			replaced.Value = v
			elements = append(elements, &replaced)
		default:
			elements = append(elements, el)
		}
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elements}, dicom.SkipVRVerification()); err != nil {
		return nil, fmt.Errorf("failed to write transcoded dataset: %w", err)
	}
	return buf.Bytes(), nil
}

func asDataset(ds Dataset) (*dataset, error) {
	d, ok := ds.(*dataset)
	if !ok {
		return nil, fmt.Errorf("dataset %T was not opened by this codec", ds)
	}
	if d.pixel == nil {
		return nil, fmt.Errorf("dataset has no pixel data")
	}
	return d, nil
}

func (d *dataset) frameSize() int64 {
	return int64(d.rows) * int64(d.columns) * int64(d.samples) * int64(d.bitsAllocated) / 8
}

func writableTarget(uid string) bool {
	switch uid {
	case transfersyntax.ExplicitVRLittleEndian, transfersyntax.ImplicitVRLittleEndian, transfersyntax.ExplicitVRBigEndian:
		return true
	}
	return false
}

func bigEndian(uid string) bool {
	return transfersyntax.Normalize(uid) == transfersyntax.ExplicitVRBigEndian
}

func swap16(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	for i := 0; i+1 < len(in); i += 2 {
		out[i], out[i+1] = in[i+1], in[i]
	}
	return out
}

// decodeJPEGBaseline turns a monochrome baseline JPEG frame into native 8-bit samples
func decodeJPEGBaseline(data []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG frame: %w", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("%w: JPEG frame decodes to %T", ErrUnsupportedTranscode, img)
	}

	b := gray.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := (y - b.Min.Y) * gray.Stride
		out = append(out, gray.Pix[start:start+b.Dx()]...)
	}
	return out, nil
}

func stringValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if v, ok := el.Value.GetValue().([]string); ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func intValue(ds dicom.Dataset, t tag.Tag, fallback int) int {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return fallback
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		if len(v) > 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimRight(v[0], "\x00"))); err == nil {
				return n
			}
		}
	}
	return fallback
}
