package negotiation

import (
	"strings"

	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/pkg/transfersyntax"
)

// AcceptHeaderDescriptor is a server-side rule describing one acceptable
// representation of a resource.
type AcceptHeaderDescriptor struct {
	PayloadType              PayloadType
	MediaType                string
	TransferSyntaxMandatory  bool
	DefaultTransferSyntax    string
	AcceptedTransferSyntaxes []string
}

// Match reports whether h is satisfied by d, and the transfer syntax the
// response will carry if it is.
func (d AcceptHeaderDescriptor) Match(h AcceptHeader) (string, bool) {
	if h.PayloadType&d.PayloadType == 0 {
		return "", false
	}
	if h.MediaType != MediaTypeAny && !strings.EqualFold(h.MediaType, d.MediaType) {
		return "", false
	}
	if h.TransferSyntax == "" {
		if d.TransferSyntaxMandatory {
			return "", false
		}
		return d.DefaultTransferSyntax, true
	}
	for _, ts := range d.AcceptedTransferSyntaxes {
		if strings.EqualFold(strings.TrimSpace(h.TransferSyntax), ts) {
			return ts, true
		}
	}
	return "", false
}

// DescriptorSet is the ordered descriptor list for one resource type plus the
// media types that win quality ties, most preferred first.
type DescriptorSet struct {
	Descriptors       []AcceptHeaderDescriptor
	MediaTypePriority []string
}

// DescriptorTable maps resource types to their descriptor sets. It is built
// once at startup and never mutated.
type DescriptorTable map[models.ResourceType]DescriptorSet

func dicomDescriptor(payload PayloadType) AcceptHeaderDescriptor {
	return AcceptHeaderDescriptor{
		PayloadType:           payload,
		MediaType:             MediaTypeApplicationDicom,
		DefaultTransferSyntax: transfersyntax.ExplicitVRLittleEndian,
		AcceptedTransferSyntaxes: []string{
			TransferSyntaxOriginal,
			transfersyntax.ExplicitVRLittleEndian,
			transfersyntax.JPEG2000Lossless,
		},
	}
}

// DefaultDescriptors returns the DICOMweb retrieve descriptor table.
func DefaultDescriptors() DescriptorTable {
	return DescriptorTable{
		models.ResourceTypeStudy: {
			Descriptors: []AcceptHeaderDescriptor{dicomDescriptor(PayloadTypeMultipartRelated)},
		},
		models.ResourceTypeSeries: {
			Descriptors: []AcceptHeaderDescriptor{dicomDescriptor(PayloadTypeMultipartRelated)},
		},
		models.ResourceTypeInstance: {
			Descriptors: []AcceptHeaderDescriptor{dicomDescriptor(PayloadTypeEither)},
		},
		models.ResourceTypeFrames: {
			Descriptors: []AcceptHeaderDescriptor{
				{
					PayloadType:           PayloadTypeEither,
					MediaType:             MediaTypeApplicationOctetStream,
					DefaultTransferSyntax: transfersyntax.ExplicitVRLittleEndian,
					AcceptedTransferSyntaxes: []string{
						TransferSyntaxOriginal,
						transfersyntax.ExplicitVRLittleEndian,
					},
				},
				{
					PayloadType:              PayloadTypeMultipartRelated,
					MediaType:                MediaTypeImageJP2,
					DefaultTransferSyntax:    transfersyntax.JPEG2000Lossless,
					AcceptedTransferSyntaxes: []string{transfersyntax.JPEG2000Lossless},
				},
			},
			MediaTypePriority: []string{MediaTypeImageJP2},
		},
	}
}
