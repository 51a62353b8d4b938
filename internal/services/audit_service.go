package services

import (
	"context"
	"time"

	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/rs/zerolog/log"
)

// AuditService records retrieve requests
type AuditService struct {
	store   AuditStore
	timeout time.Duration
}

// NewAuditService creates an audit service. A nil store disables auditing.
func NewAuditService(store AuditStore) *AuditService {
	return &AuditService{store: store, timeout: 5 * time.Second}
}

// Record persists entry. Failures are logged, never returned.
func (s *AuditService) Record(ctx context.Context, entry *models.AuditLog) {
	if s == nil || s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.store.Create(ctx, entry); err != nil {
		log.Warn().Err(err).
			Str("action", entry.Action).
			Str("resource_uid", entry.ResourceUID).
			Msg("Failed to write audit log")
	}
}
