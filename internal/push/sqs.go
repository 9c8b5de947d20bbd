package push

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSGateway hands push messages to a relay queue drained by a delivery service.
// A successful enqueue counts as a successful send.
type SQSGateway struct {
	client   sqsAPI
	queueURL string
	now      func() time.Time
}

// NewSQSGateway wraps an SQS client. client is usually *sqs.Client.
func NewSQSGateway(client sqsAPI, queueURL string) *SQSGateway {
	return &SQSGateway{client: client, queueURL: queueURL, now: time.Now}
}

func (g *SQSGateway) Send(ctx context.Context, address string, msg Message) error {
	if g == nil || g.client == nil || g.queueURL == "" {
		return ErrNotConfigured
	}
	address, err := requireAddress(address)
	if err != nil {
		return err
	}
	body, err := encodeEnvelope(address, msg, g.now())
	if err != nil {
		return err
	}
	_, err = g.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(g.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String("push")},
		},
	})
	if err != nil {
		return fmt.Errorf("push: sqs send: %w", err)
	}
	return nil
}
