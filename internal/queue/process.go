package queue

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/argus/internal/investigation"
	"github.com/OFFIS-RIT/argus/internal/util"
	"github.com/OFFIS-RIT/argus/pkg/logger"
	"github.com/OFFIS-RIT/argus/pkg/normalizer"
)

const fetchTries = 3

// Fetcher loads payloads that were too large to travel in the message.
type Fetcher interface {
	GetFile(ctx context.Context, key string) ([]byte, error)
}

type Ingester interface {
	Ingest(ctx context.Context, id string, payloads []normalizer.Payload) (*investigation.IngestResult, error)
}

// ProcessIngestMessage merges one queued collector result into its
// investigation. Errors wrapping ErrPermanent should not be retried.
func ProcessIngestMessage(ctx context.Context, reg Ingester, fetcher Fetcher, body []byte) error {
	msg, err := decodeIngestMsg(body)
	if err != nil {
		return err
	}

	data := msg.Data
	if msg.ObjectKey != "" {
		if fetcher == nil {
			return fmt.Errorf("%w: payload %s stored externally but no fetcher configured", ErrPermanent, msg.ObjectKey)
		}
		data, err = util.RetryWithContext(ctx, fetchTries, func(ctx context.Context) ([]byte, error) {
			return fetcher.GetFile(ctx, msg.ObjectKey)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch payload %s: %w", msg.ObjectKey, err)
		}
	}

	res, err := reg.Ingest(ctx, msg.InvestigationID, []normalizer.Payload{msg.payload(data)})
	if err != nil {
		if investigation.IsNotFound(err) {
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return err
	}
	if reason, rejected := res.Rejected[msg.Source]; rejected {
		return fmt.Errorf("%w: %s", ErrPermanent, reason)
	}

	logger.Info(
		"[Queue] Ingested collector result",
		"investigation_id", msg.InvestigationID,
		"correlation_id", msg.CorrelationID,
		"source", msg.Source,
		"version", res.Version,
		"parse_errors", len(res.ParseErrors),
	)
	for _, b := range res.Report.Batches {
		if b.Err != nil {
			return fmt.Errorf("batch %s abandoned: %w", b.Source, b.Err)
		}
	}
	return nil
}
