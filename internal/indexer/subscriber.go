package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/observability"
	"github.com/alanyoungcy/predictindexer/internal/platform/solana"
)

// NewSubscription builds the logsSubscribe stream for program with its
// connection state reported to metrics.
func NewSubscription(wsURL, program, commitment string, metrics *observability.Metrics, logger *slog.Logger) *solana.LogsSubscriber {
	return solana.NewLogsSubscriber(solana.LogsSubscriberConfig{
		URL:        wsURL,
		Program:    program,
		Commitment: commitment,
		OnConnect: func() {
			metrics.WSConnected.Set(1)
		},
		OnDisconnect: func(error) {
			metrics.WSConnected.Set(0)
			metrics.WSDisconnects.Inc()
		},
	}, logger)
}

// handleNotification applies the events carried by a pushed notification.
// Logs are decoded directly; the transaction is not re-fetched.
func (s *Service) handleNotification(ctx context.Context, n domain.LogNotification) {
	if n.Failed {
		return
	}
	res, err := s.processor.ProcessLogs(ctx, n.Signature, n.Slot, domain.None[time.Time](), n.Logs, SourceSubscription)
	if err != nil {
		s.logger.WarnContext(ctx, "subscription event failed",
			slog.String("signature", n.Signature),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.Applied > 0 {
		s.metrics.IntakeRequests.WithLabelValues(SourceSubscription, "ok").Inc()
	}
}
