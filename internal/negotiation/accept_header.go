package negotiation

import (
	"strings"

	"github.com/munnerz/goautoneg"
)

// PayloadType is a bitmask of response arities
type PayloadType int

const (
	PayloadTypeSinglePart       PayloadType = 1 << iota // Body is the representation itself
	PayloadTypeMultipartRelated                         // Body is multipart/related
	PayloadTypeEither           = PayloadTypeSinglePart | PayloadTypeMultipartRelated
)

func (p PayloadType) String() string {
	switch p {
	case PayloadTypeSinglePart:
		return "single-part"
	case PayloadTypeMultipartRelated:
		return "multipart"
	case PayloadTypeEither:
		return "either"
	default:
		return "none"
	}
}

// Media types
const (
	MediaTypeApplicationDicom       = "application/dicom"
	MediaTypeApplicationOctetStream = "application/octet-stream"
	MediaTypeImageJP2               = "image/jp2"
	MediaTypeMultipartRelated       = "multipart/related"
	MediaTypeAny                    = "*/*"
)

// TransferSyntaxOriginal asks for the stored bytes, whatever their syntax
const TransferSyntaxOriginal = "*"

const (
	paramType           = "type"
	paramTransferSyntax = "transfer-syntax"
)

// AcceptHeader is one parsed media range of a client's Accept header.
// An empty TransferSyntax means the client did not specify one.
type AcceptHeader struct {
	MediaType      string
	PayloadType    PayloadType
	TransferSyntax string
	Quality        float64
}

// ParseAcceptHeaders parses every Accept header value into media ranges,
// preserving the order the client listed them in. Media ranges that are not
// relevant to retrieve are kept; they simply never match a descriptor.
func ParseAcceptHeaders(values []string) []AcceptHeader {
	var headers []AcceptHeader
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			// goautoneg sorts what it parses; one range at a time keeps client order
			parsed := goautoneg.ParseAccept(part)
			if len(parsed) == 0 {
				continue
			}
			headers = append(headers, fromAccept(parsed[0]))
		}
	}
	return headers
}

func fromAccept(a goautoneg.Accept) AcceptHeader {
	mediaType := strings.ToLower(a.Type + "/" + a.SubType)
	h := AcceptHeader{
		MediaType:      mediaType,
		PayloadType:    PayloadTypeSinglePart,
		TransferSyntax: unquote(param(a.Params, paramTransferSyntax)),
		Quality:        a.Q,
	}

	switch mediaType {
	case MediaTypeMultipartRelated:
		h.PayloadType = PayloadTypeMultipartRelated
		h.MediaType = strings.ToLower(unquote(param(a.Params, paramType)))
		if h.MediaType == "" {
			h.MediaType = MediaTypeAny
		}
	case MediaTypeAny:
		h.PayloadType = PayloadTypeEither
	}
	return h
}

func param(params map[string]string, name string) string {
	for k, v := range params {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}
