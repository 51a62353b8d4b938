package services

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync/atomic"

	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/internal/negotiation"
	"golang.org/x/sync/errgroup"
)

// ErrResponseConsumed is yielded when a response is iterated a second time
var ErrResponseConsumed = errors.New("retrieve response already consumed")

// ResponseItem is one part of a retrieve response. Frame is the 0-based
// frame index, or -1 for a whole instance. ContentLength is -1 when unknown.
type ResponseItem struct {
	Body              io.ReadCloser
	MediaType         string
	TransferSyntaxUID string
	ContentLength     int64
	Instance          models.InstanceMetadata
	Frame             int
}

// RetrieveResponse is a prepared retrieve. All validation has passed; the
// parts are opened as Items is iterated.
type RetrieveResponse struct {
	MediaType   string
	PayloadType negotiation.PayloadType

	// TransferSyntaxUID is the negotiated syntax, "*" for original
	TransferSyntaxUID string

	Instances []models.InstanceMetadata
	PartCount int

	openers  []partOpener
	window   int
	consumed atomic.Bool
}

type partOpener func(ctx context.Context) (*ResponseItem, error)

func newRetrieveResponse(negotiated negotiation.Negotiated, instances []models.InstanceMetadata, openers []partOpener, window int) *RetrieveResponse {
	return &RetrieveResponse{
		MediaType:         negotiated.MediaType,
		PayloadType:       negotiated.PayloadType,
		TransferSyntaxUID: negotiated.TransferSyntax,
		Instances:         instances,
		PartCount:         len(openers),
		openers:           openers,
		window:            max(window, 1),
	}
}

func readyPart(item *ResponseItem) partOpener {
	return func(context.Context) (*ResponseItem, error) {
		return item, nil
	}
}

// IsSinglePart reports whether the response is written as one body
func (r *RetrieveResponse) IsSinglePart() bool {
	return r.PayloadType == negotiation.PayloadTypeSinglePart
}

// Items yields the parts in resolution order. Up to the fetch window of parts
// are opened concurrently ahead of the consumer. Each Body is closed by the
// sequence once the loop body returns for it, so consumers must not retain
// it. An error ends the sequence. Items may be ranged over once.
func (r *RetrieveResponse) Items(ctx context.Context) iter.Seq2[*ResponseItem, error] {
	return func(yield func(*ResponseItem, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrResponseConsumed)
			return
		}

		for start := 0; start < len(r.openers); start += r.window {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			batch, err := openBatch(ctx, r.openers[start:min(start+r.window, len(r.openers))])
			if err != nil {
				yield(nil, err)
				return
			}

			for i, item := range batch {
				more := yield(item, nil)
				closeItem(item)
				if !more {
					closeItems(batch[i+1:])
					return
				}
			}
		}
	}
}

// openBatch opens parts concurrently. The parent context is used, not the
// group's, since the opened bodies outlive the group.
func openBatch(ctx context.Context, openers []partOpener) ([]*ResponseItem, error) {
	items := make([]*ResponseItem, len(openers))
	if len(openers) == 1 {
		item, err := openers[0](ctx)
		if err != nil {
			return nil, err
		}
		items[0] = item
		return items, nil
	}

	var g errgroup.Group
	for i, open := range openers {
		g.Go(func() error {
			item, err := open(ctx)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeItems(items)
		return nil, err
	}
	return items, nil
}

func closeItem(item *ResponseItem) {
	if item != nil && item.Body != nil {
		_ = item.Body.Close()
	}
}

func closeItems(items []*ResponseItem) {
	for _, item := range items {
		closeItem(item)
	}
}
