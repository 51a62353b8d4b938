package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	errordefs "github.com/otcheredev/ris-dicom-retrieve/internal/errors"
	"github.com/rs/zerolog/log"
)

type contextKey string

const PartitionIDKey contextKey = "partition_id"

// PartitionHeader selects the data partition a request reads from
const PartitionHeader = "X-Partition-ID"

// PartitionID middleware extracts the partition ID from the request header.
// Requests without the header read the default partition (uuid.Nil).
func PartitionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		partitionID := uuid.Nil

		if raw := r.Header.Get(PartitionHeader); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				log.Warn().Err(err).Str("partition_id", raw).Msg("Invalid partition ID")
				errordefs.WriteHTTP(w, r, errordefs.BadRequest("invalid %s %q: expected a UUID", PartitionHeader, raw))
				return
			}
			partitionID = parsed
		}

		ctx := context.WithValue(r.Context(), PartitionIDKey, partitionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPartitionID extracts the partition ID from context
func GetPartitionID(ctx context.Context) (uuid.UUID, bool) {
	partitionID, ok := ctx.Value(PartitionIDKey).(uuid.UUID)
	return partitionID, ok
}
