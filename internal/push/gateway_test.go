package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

var sampleMessage = Message{
	Title: "Follow-ups Tomorrow",
	Body:  "You have 1 follow-ups tomorrow: Ada (3/5/2025)",
	Data:  map[string]string{"followUpCount": "1"},
}

func TestFCMGatewaySendsDataOnlyMessage(t *testing.T) {
	var got struct {
		Message struct {
			Token string            `json:"token"`
			Data  map[string]string `json:"data"`
		} `json:"message"`
	}
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"projects/demo/messages/1"}`))
	}))
	defer srv.Close()

	gw, err := NewFCMGateway(context.Background(), FCMConfig{ProjectID: "demo"}, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	require.NoError(t, err)

	require.NoError(t, gw.Send(context.Background(), "device-token", sampleMessage))
	assert.Equal(t, "/v1/projects/demo/messages:send", path)
	assert.Equal(t, "device-token", got.Message.Token)
	assert.Equal(t, sampleMessage.Title, got.Message.Data["title"])
	assert.Equal(t, sampleMessage.Body, got.Message.Data["body"])
	assert.Equal(t, "1", got.Message.Data["followUpCount"])
}

func TestFCMGatewayPropagatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`))
	}))
	defer srv.Close()

	gw, err := NewFCMGateway(context.Background(), FCMConfig{ProjectID: "demo"}, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	require.NoError(t, err)

	err = gw.Send(context.Background(), "stale-token", sampleMessage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fcm send")
}

func TestFCMGatewayRequiresProject(t *testing.T) {
	_, err := NewFCMGateway(context.Background(), FCMConfig{}, nil)
	require.Error(t, err)
}

type fakeSQS struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSGatewayEnqueuesEnvelope(t *testing.T) {
	client := &fakeSQS{}
	gw := NewSQSGateway(client, "https://sqs.local/push")
	gw.now = func() time.Time { return time.Date(2025, 3, 4, 17, 3, 0, 0, time.UTC) }

	require.NoError(t, gw.Send(context.Background(), " token-1 ", sampleMessage))
	require.NotNil(t, client.input)
	assert.Equal(t, "https://sqs.local/push", aws.ToString(client.input.QueueUrl))

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.input.MessageBody)), &env))
	assert.Equal(t, "token-1", env.Address)
	assert.Equal(t, sampleMessage.Title, env.Title)
	assert.Equal(t, "1", env.Data["followUpCount"])
	assert.True(t, env.QueuedAt.Equal(gw.now()))
}

func TestSQSGatewayErrors(t *testing.T) {
	gw := NewSQSGateway(&fakeSQS{err: errors.New("throttled")}, "q")
	assert.ErrorContains(t, gw.Send(context.Background(), "tok", sampleMessage), "throttled")
	assert.ErrorIs(t, gw.Send(context.Background(), "", sampleMessage), ErrNoAddress)
	assert.ErrorIs(t, NewSQSGateway(nil, "q").Send(context.Background(), "tok", sampleMessage), ErrNotConfigured)
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestAMQPGatewayPublishesPersistent(t *testing.T) {
	pub := &fakePublisher{}
	gw := NewAMQPGateway(pub, "push", "push.clinician")

	require.NoError(t, gw.Send(context.Background(), "tok", sampleMessage))
	assert.Equal(t, "push", pub.exchange)
	assert.Equal(t, "push.clinician", pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "application/json", pub.msg.ContentType)

	var env envelope
	require.NoError(t, json.Unmarshal(pub.msg.Body, &env))
	assert.Equal(t, "tok", env.Address)
	assert.NoError(t, gw.Close())
}

func TestAMQPGatewayPublishError(t *testing.T) {
	gw := NewAMQPGateway(&fakePublisher{err: errors.New("channel closed")}, "push", "k")
	assert.ErrorContains(t, gw.Send(context.Background(), "tok", sampleMessage), "channel closed")
}

func TestLogGateway(t *testing.T) {
	gw := NewLogGateway(nil)
	assert.NoError(t, gw.Send(context.Background(), "tok", sampleMessage))
	assert.ErrorIs(t, gw.Send(context.Background(), "   ", sampleMessage), ErrNoAddress)
}
