package bootstrap

import (
	"context"
	"fmt"

	"github.com/wolfman30/clinic-followups/cmd/mainconfig"
	appconfig "github.com/wolfman30/clinic-followups/internal/config"
	"github.com/wolfman30/clinic-followups/internal/push"
	"github.com/wolfman30/clinic-followups/pkg/logging"
)

// BuildPushGateway selects the push transport named by PUSH_PROVIDER.
// The returned closer releases transport resources and is never nil.
func BuildPushGateway(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (push.Gateway, func(), error) {
	noop := func() {}
	if logger == nil {
		logger = logging.Default()
	}

	switch cfg.PushProvider {
	case "fcm":
		gw, err := push.NewFCMGateway(ctx, push.FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsJSON: cfg.FCMCredentialsJSON,
			CredentialsFile: cfg.FCMCredentialsFile,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return gw, noop, nil
	case "sqs":
		if cfg.PushQueueURL == "" {
			return nil, noop, fmt.Errorf("bootstrap: PUSH_QUEUE_URL is required for the sqs push provider")
		}
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		return push.NewSQSGateway(mainconfig.NewSQSClient(awsCfg, cfg), cfg.PushQueueURL), noop, nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, noop, fmt.Errorf("bootstrap: AMQP_URL is required for the amqp push provider")
		}
		gw, err := push.DialAMQPGateway(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			return nil, noop, err
		}
		return gw, func() {
			if err := gw.Close(); err != nil {
				logger.Warn("amqp push gateway close failed", "error", err)
			}
		}, nil
	case "", "log":
		logger.Warn("push provider is log-only; notifications will not reach devices")
		return push.NewLogGateway(logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown push provider %q", cfg.PushProvider)
	}
}
