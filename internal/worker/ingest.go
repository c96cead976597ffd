package worker

import (
	"context"
	"time"

	"github.com/mj2154/tickbus/internal/provider/binance"
	"github.com/mj2154/tickbus/pkg/logging"
)

// LiveWriter is the store surface the ingestor writes through. Going
// through the live-row upsert keeps the row triggers as the single
// notification source.
type LiveWriter interface {
	UpsertLiveRow(ctx context.Context, key string, payload interface{}, eventTime int64, isClosed bool) error
}

// Ingestor turns upstream market frames into live-row writes.
type Ingestor struct {
	store   LiveWriter
	logger  logging.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewIngestor creates an ingestor writing through the given store.
func NewIngestor(store LiveWriter, logger logging.Logger, metrics *Metrics) *Ingestor {
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Ingestor{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Handler returns the frame callback for connections serving one
// exchange slot. The slot name keys the decoded frames.
func (in *Ingestor) Handler(exchange string) binance.FrameHandler {
	return func(ctx context.Context, stream string, data []byte) {
		in.ingest(ctx, exchange, stream, data)
	}
}

func (in *Ingestor) ingest(ctx context.Context, exchange, stream string, data []byte) {
	frame, err := binance.DecodeFrame(exchange, stream, data)
	if err != nil {
		in.logger.WithError(err).WithField("stream", stream).Warn("Dropping undecodable frame")
		in.metrics.frame("unknown", "decode_error")
		return
	}

	eventTime := frame.EventTime
	if eventTime == 0 {
		// Spot book tickers and partial depth frames carry no event
		// time, the receive clock stands in.
		eventTime = in.now().UnixMilli()
	}

	key := frame.Key.String()
	if err := in.store.UpsertLiveRow(ctx, key, frame.Payload(), eventTime, frame.IsClosed); err != nil {
		in.logger.WithError(err).WithField("key", key).Error("Live row upsert failed")
		in.metrics.frame(string(frame.Key.Stream), "store_error")
		return
	}
	in.metrics.frame(string(frame.Key.Stream), "ok")
}
