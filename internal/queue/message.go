package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/argus/pkg/normalizer"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
)

// ErrPermanent marks a message that will never succeed; it skips the retry
// queue and goes straight to the dead-letter queue.
var ErrPermanent = errors.New("permanent failure")

var validate = validator.New()

// IngestMsg carries one collector result. The payload is either inline in
// Data or stored under ObjectKey in the payload bucket.
type IngestMsg struct {
	CorrelationID   string    `json:"correlation_id"`
	InvestigationID string    `json:"investigation_id" validate:"required"`
	Source          string    `json:"source" validate:"required"`
	Format          string    `json:"format,omitempty"`
	RetrievedAt     time.Time `json:"retrieved_at"`
	Data            []byte    `json:"data,omitempty" validate:"required_without=ObjectKey"`
	ObjectKey       string    `json:"object_key,omitempty"`
}

// NewIngestMsg wraps a payload for the ingest queue under a fresh
// correlation id.
func NewIngestMsg(investigationID string, p normalizer.Payload) IngestMsg {
	return IngestMsg{
		CorrelationID:   uuid.NewString(),
		InvestigationID: investigationID,
		Source:          p.Source,
		Format:          p.Format,
		RetrievedAt:     p.RetrievedAt,
		Data:            p.Data,
	}
}

func decodeIngestMsg(body []byte) (*IngestMsg, error) {
	msg := new(IngestMsg)
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: invalid ingest message: %w", ErrPermanent, err)
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: invalid ingest message: %w", ErrPermanent, err)
	}
	return msg, nil
}

func (m *IngestMsg) payload(data []byte) normalizer.Payload {
	return normalizer.Payload{
		Source:      m.Source,
		RetrievedAt: m.RetrievedAt,
		Format:      m.Format,
		Data:        data,
	}
}
