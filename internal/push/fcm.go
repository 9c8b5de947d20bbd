package push

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-followups/pkg/logging"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/option"
)

// FCMConfig holds Firebase Cloud Messaging settings.
type FCMConfig struct {
	ProjectID       string
	CredentialsJSON string
	CredentialsFile string
}

// FCMGateway sends data-only messages through the FCM HTTP v1 API.
// Title and body travel inside the data map so the service worker controls display.
type FCMGateway struct {
	svc    *fcm.Service
	parent string
	logger *logging.Logger
}

// NewFCMGateway builds an FCM gateway. Extra client options (endpoint, HTTP client)
// are appended after the credential options.
func NewFCMGateway(ctx context.Context, cfg FCMConfig, logger *logging.Logger, opts ...option.ClientOption) (*FCMGateway, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("push: fcm project id required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	var clientOpts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := fcm.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("push: create fcm service: %w", err)
	}
	return &FCMGateway{
		svc:    svc,
		parent: "projects/" + cfg.ProjectID,
		logger: logger,
	}, nil
}

// Send delivers msg to the device token.
func (g *FCMGateway) Send(ctx context.Context, address string, msg Message) error {
	if g == nil || g.svc == nil {
		return ErrNotConfigured
	}
	token, err := requireAddress(address)
	if err != nil {
		return err
	}

	data := make(map[string]string, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["title"] = msg.Title
	data["body"] = msg.Body

	req := &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: token,
			Data:  data,
		},
	}
	resp, err := g.svc.Projects.Messages.Send(g.parent, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("push: fcm send: %w", err)
	}
	g.logger.Debug("push sent via fcm", "message_name", resp.Name)
	return nil
}
