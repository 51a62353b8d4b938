// Package negotiation picks the single representation a retrieve responds
// with, given the client's Accept headers and the server's descriptors.
package negotiation

import (
	"sort"
	"strings"

	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/rs/zerolog/log"
)

// Negotiated is the accepted representation for a request
type Negotiated struct {
	MediaType      string
	PayloadType    PayloadType
	TransferSyntax string
}

// IsOriginalTransferSyntaxRequested reports whether the client asked for the
// stored bytes without transcoding.
func (n Negotiated) IsOriginalTransferSyntaxRequested() bool {
	return n.TransferSyntax == TransferSyntaxOriginal
}

// Negotiator applies a DescriptorTable to Accept headers. It holds no
// per-request state and is safe for concurrent use.
type Negotiator struct {
	table DescriptorTable
}

// NewNegotiator creates a negotiator over the given descriptor table
func NewNegotiator(table DescriptorTable) *Negotiator {
	return &Negotiator{table: table}
}

// Negotiate returns the representation to respond with, or a NotAcceptable
// error when no header matches any descriptor for the resource type.
func (n *Negotiator) Negotiate(resourceType models.ResourceType, headers []AcceptHeader) (Negotiated, error) {
	set, ok := n.table[resourceType]
	if !ok || len(set.Descriptors) == 0 {
		return Negotiated{}, errordefs.NotAcceptable("no representations configured for %s", resourceType)
	}

	for _, h := range sortHeaders(headers, set.MediaTypePriority) {
		for _, d := range set.Descriptors {
			ts, ok := d.Match(h)
			if !ok {
				continue
			}
			result := Negotiated{
				MediaType:      d.MediaType,
				PayloadType:    resolvePayloadType(h.PayloadType & d.PayloadType),
				TransferSyntax: ts,
			}
			log.Debug().
				Str("resource_type", resourceType.String()).
				Str("media_type", result.MediaType).
				Str("payload_type", result.PayloadType.String()).
				Str("transfer_syntax", result.TransferSyntax).
				Msg("Negotiated representation")
			return result, nil
		}
	}

	return Negotiated{}, errordefs.NotAcceptable("none of the requested representations is supported for %s", resourceType)
}

// resolvePayloadType settles an arity both sides allow. Multipart is chosen
// when either is allowed, since it can carry any number of parts.
func resolvePayloadType(p PayloadType) PayloadType {
	if p&PayloadTypeMultipartRelated != 0 {
		return PayloadTypeMultipartRelated
	}
	return PayloadTypeSinglePart
}

// sortHeaders orders headers by quality descending. Ties go to the media type
// listed earliest in priority, then to client order.
func sortHeaders(headers []AcceptHeader, priority []string) []AcceptHeader {
	sorted := make([]AcceptHeader, len(headers))
	copy(sorted, headers)

	rank := func(mediaType string) int {
		for i, p := range priority {
			if strings.EqualFold(p, mediaType) {
				return i
			}
		}
		return len(priority)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Quality != sorted[j].Quality {
			return sorted[i].Quality > sorted[j].Quality
		}
		return rank(sorted[i].MediaType) < rank(sorted[j].MediaType)
	})
	return sorted
}
