package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/argus/internal/investigation"
	"github.com/OFFIS-RIT/argus/internal/queue"
	"github.com/OFFIS-RIT/argus/pkg/graph"
	"github.com/OFFIS-RIT/argus/pkg/normalizer"

	"github.com/labstack/echo/v4"
)

// resultPayload is one collector result. JSON payloads travel as Records,
// anything else (CSV) as Content.
type resultPayload struct {
	Source      string          `json:"source" validate:"required"`
	Format      string          `json:"format" validate:"omitempty,oneof=json csv"`
	RetrievedAt time.Time       `json:"retrieved_at"`
	Records     json.RawMessage `json:"records,omitempty" validate:"required_without=Content"`
	Content     string          `json:"content,omitempty"`
}

func (p resultPayload) payload() normalizer.Payload {
	out := normalizer.Payload{
		Source:      p.Source,
		Format:      p.Format,
		RetrievedAt: p.RetrievedAt,
	}
	if len(p.Records) > 0 {
		out.Data = p.Records
		if out.Format == "" {
			out.Format = normalizer.FormatJSON
		}
	} else {
		out.Data = []byte(p.Content)
	}
	return out
}

type batchResponse struct {
	*graph.BatchReport
	Errors []string `json:"errors,omitempty"`
	Err    string   `json:"abandoned_reason,omitempty"`
}

type ingestResponse struct {
	Version     int64                    `json:"version"`
	Batches     []batchResponse          `json:"batches"`
	Succeeded   []string                 `json:"succeeded"`
	Failed      []string                 `json:"failed"`
	ParseErrors []*normalizer.ParseError `json:"parse_errors,omitempty"`
	Rejected    map[string]string        `json:"rejected,omitempty"`
}

func newIngestResponse(res *investigation.IngestResult) ingestResponse {
	out := ingestResponse{
		Version:     res.Version,
		Batches:     make([]batchResponse, 0, len(res.Report.Batches)),
		Succeeded:   res.Report.Succeeded,
		Failed:      res.Report.Failed,
		ParseErrors: res.ParseErrors,
		Rejected:    res.Rejected,
	}
	for _, b := range res.Report.Batches {
		br := batchResponse{BatchReport: b, Errors: b.ErrorMessages()}
		if b.Err != nil {
			br.Err = b.Err.Error()
		}
		out.Batches = append(out.Batches, br)
	}
	return out
}

// PostResultsHandler ingests collector results. With ?async=true the
// payloads are queued for the worker and only their correlation ids are
// returned.
func PostResultsHandler(c echo.Context) error {
	type postResultsBody struct {
		ID       string          `param:"id" json:"-" validate:"required"`
		Payloads []resultPayload `json:"payloads" validate:"required,min=1,dive"`
	}

	body := new(postResultsBody)
	if err := bindAndValidate(c, body); err != nil {
		return err
	}

	payloads := make([]normalizer.Payload, len(body.Payloads))
	for i, p := range body.Payloads {
		payloads[i] = p.payload()
	}

	ctx := c.Request().Context()
	if c.QueryParam("async") == "true" {
		return enqueueResults(c, body.ID, payloads)
	}

	res, err := registry(c).Ingest(ctx, body.ID, payloads)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, newIngestResponse(res))
}

func enqueueResults(c echo.Context, id string, payloads []normalizer.Payload) error {
	ch := app(c).Queue
	if ch == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Asynchronous ingestion is not configured"})
	}
	ctx := c.Request().Context()

	// Fail early instead of dead-lettering every message.
	if _, err := registry(c).Info(ctx, id); err != nil {
		return errorResponse(c, err)
	}

	correlationIDs := make([]string, 0, len(payloads))
	for _, p := range payloads {
		msg := queue.NewIngestMsg(id, p)
		data, err := json.Marshal(msg)
		if err != nil {
			return errorResponse(c, err)
		}
		if err := queue.PublishFIFO(ctx, ch, queue.IngestQueue, data); err != nil {
			return errorResponse(c, err)
		}
		correlationIDs = append(correlationIDs, msg.CorrelationID)
	}
	return c.JSON(http.StatusAccepted, map[string][]string{"correlation_ids": correlationIDs})
}
