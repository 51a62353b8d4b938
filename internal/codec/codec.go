// Package codec is the DICOM binary codec the retrieve pipeline delegates to:
// parsing stored files, locating frames, and converting pixel data between
// transfer syntaxes.
package codec

import (
	"context"
	"errors"
	"io"

	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
)

// ErrUnsupportedTranscode is returned when no encoder/decoder pair exists for
// a source and target transfer syntax.
var ErrUnsupportedTranscode = errors.New("transcoding between these transfer syntaxes is not supported")

// Dataset is a parsed DICOM file
type Dataset interface {
	TransferSyntaxUID() string
	BitsAllocated() int
	PhotometricInterpretation() string
	NumberOfFrames() int
}

// Codec parses stored files and converts their pixel data. Frame indices are 0-based.
type Codec interface {
	Open(ctx context.Context, r io.Reader, size int64) (Dataset, error)
	ValidateFramesExist(ds Dataset, frames []int) error
	ExtractFrame(ds Dataset, frame int) ([]byte, error)
	TranscodeFile(ctx context.Context, ds Dataset, targetTransferSyntax string) ([]byte, error)
	TranscodeFrame(ctx context.Context, ds Dataset, frame int, targetTransferSyntax string) ([]byte, error)
}

// ValidateFrames checks frame indices against a frame count, failing NotFound
// on the first one that is out of range.
func ValidateFrames(count int, frames []int) error {
	for _, f := range frames {
		if f < 0 || f >= count {
			return errordefs.NotFound("frame %d does not exist; instance has %d frame(s)", f+1, count)
		}
	}
	return nil
}
