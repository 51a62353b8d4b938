// Package transcoding decides whether pixel data can be converted between
// transfer syntaxes and runs the conversion through the codec.
package transcoding

import (
	"strings"

	"github.com/otcheredev/ris-dicom-retrieve/pkg/transfersyntax"
)

// Photometric interpretations that constrain transcoding
const (
	PhotometricMonochrome1   = "MONOCHROME1"
	PhotometricMonochrome2   = "MONOCHROME2"
	PhotometricRGB           = "RGB"
	PhotometricYBRFull       = "YBR_FULL"
	PhotometricYBRFull422    = "YBR_FULL_422"
	PhotometricYBRPartial422 = "YBR_PARTIAL_422"
	PhotometricYBRPartial420 = "YBR_PARTIAL_420"
	PhotometricYBRICT        = "YBR_ICT"
	PhotometricYBRRCT        = "YBR_RCT"
)

var jpeg2000SourceIncompatible = set(
	PhotometricRGB,
	PhotometricYBRFull422,
	PhotometricYBRPartial422,
	PhotometricYBRPartial420,
)

var jpegBaselineSourceIncompatible = set(
	PhotometricRGB,
	PhotometricYBRFull,
	PhotometricYBRFull422,
	PhotometricYBRPartial422,
	PhotometricYBRPartial420,
	PhotometricYBRICT,
	PhotometricYBRRCT,
)

var jpegBaselineTargetIncompatible = set(
	PhotometricMonochrome1,
	PhotometricMonochrome2,
)

// Syntaxes able to carry more than 8 bits allocated
var supportedAbove8Bit = set(
	transfersyntax.DeflatedExplicitVRLittleEndian,
	transfersyntax.ExplicitVRBigEndian,
	transfersyntax.ExplicitVRLittleEndian,
	transfersyntax.ImplicitVRLittleEndian,
	transfersyntax.RLELossless,
)

// Syntaxes able to carry 8 bits allocated or fewer
var supportedUpTo8Bit = union(supportedAbove8Bit, set(
	transfersyntax.JPEG2000Lossless,
	transfersyntax.JPEG2000Lossy,
	transfersyntax.JPEGProcess1,
	transfersyntax.JPEGProcess2_4,
))

// CanTranscode reports whether pixel data stored in storedSyntax can be
// converted to targetSyntax. An empty target means no conversion was asked
// for and always passes.
func CanTranscode(storedSyntax, targetSyntax string, bitsAllocated int, photometric string) bool {
	target := transfersyntax.Normalize(targetSyntax)
	if target == "" {
		return true
	}
	stored := transfersyntax.Normalize(storedSyntax)
	pi := strings.ToUpper(strings.TrimSpace(photometric))

	if transfersyntax.IsJPEG2000(stored) && jpeg2000SourceIncompatible[pi] {
		return false
	}
	if transfersyntax.IsJPEGBaseline(stored) && jpegBaselineSourceIncompatible[pi] {
		return false
	}
	if transfersyntax.IsJPEGBaseline(target) && jpegBaselineTargetIncompatible[pi] {
		return false
	}

	capable := supportedUpTo8Bit
	if bitsAllocated > 8 {
		capable = supportedAbove8Bit
	}
	return capable[stored] && capable[target]
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func union(a, b map[string]bool) map[string]bool {
	m := make(map[string]bool, len(a)+len(b))
	for k := range a {
		m[k] = true
	}
	for k := range b {
		m[k] = true
	}
	return m
}
