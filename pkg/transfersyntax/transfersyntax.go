// Package transfersyntax holds the DICOM transfer syntax UIDs the retrieve
// pipeline negotiates and transcodes between.
//
// See DICOM Part 5, Section 8 and Part 6, Annex A.4.
package transfersyntax

import "strings"

// Uncompressed transfer syntaxes
const (
	// ImplicitVRLittleEndian is the DICOM default transfer syntax
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// ExplicitVRLittleEndian is the default for DICOMweb responses
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	// ExplicitVRBigEndian is retired but still found in archives
	ExplicitVRBigEndian = "1.2.840.10008.1.2.2"

	// DeflatedExplicitVRLittleEndian applies zlib/deflate on top of explicit VR
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
)

// Compressed transfer syntaxes
const (
	// JPEGProcess1 - JPEG Baseline (Process 1), 8-bit lossy
	JPEGProcess1 = "1.2.840.10008.1.2.4.50"

	// JPEGProcess2_4 - JPEG Extended (Process 2 & 4), 8-12 bit lossy
	JPEGProcess2_4 = "1.2.840.10008.1.2.4.51"

	// JPEG2000Lossless - JPEG 2000 Image Compression (Lossless Only)
	JPEG2000Lossless = "1.2.840.10008.1.2.4.90"

	// JPEG2000Lossy - JPEG 2000 Image Compression (lossy or lossless)
	JPEG2000Lossy = "1.2.840.10008.1.2.4.91"

	// RLELossless - RLE Lossless Compression
	RLELossless = "1.2.840.10008.1.2.5"
)

// Equal compares two transfer syntax UIDs case-insensitively, ignoring
// surrounding whitespace and DICOM NUL padding.
func Equal(a, b string) bool {
	return strings.EqualFold(Normalize(a), Normalize(b))
}

// Normalize trims padding that DICOM UI values may carry.
func Normalize(uid string) string {
	return strings.TrimRight(strings.TrimSpace(uid), "\x00 ")
}

// IsUncompressed reports whether uid is one of the native pixel encodings.
func IsUncompressed(uid string) bool {
	switch Normalize(uid) {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian, DeflatedExplicitVRLittleEndian:
		return true
	}
	return false
}

// IsJPEGBaseline reports whether uid is JPEG process 1 or process 2/4.
func IsJPEGBaseline(uid string) bool {
	switch Normalize(uid) {
	case JPEGProcess1, JPEGProcess2_4:
		return true
	}
	return false
}

// IsJPEG2000 reports whether uid is one of the JPEG 2000 Part 1 syntaxes.
func IsJPEG2000(uid string) bool {
	switch Normalize(uid) {
	case JPEG2000Lossless, JPEG2000Lossy:
		return true
	}
	return false
}
