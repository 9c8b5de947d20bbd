package push

import (
	"context"

	"github.com/wolfman30/clinic-followups/pkg/logging"
)

// LogGateway is a no-op gateway for local development; it logs instead of sending.
type LogGateway struct {
	logger *logging.Logger
}

// NewLogGateway creates a gateway that logs but doesn't send.
func NewLogGateway(logger *logging.Logger) *LogGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, address string, msg Message) error {
	if _, err := requireAddress(address); err != nil {
		return err
	}
	g.logger.Info("log push gateway: would send push", "title", msg.Title, "body", msg.Body, "data_keys", len(msg.Data))
	return nil
}
