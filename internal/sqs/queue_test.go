package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// mockAPI records calls made to SQS
type mockAPI struct {
	messages []types.Message
	err      error

	sent       []*sqs.SendMessageInput
	deleted    []string
	visibility map[string]int32
	receive    *sqs.ReceiveMessageInput
}

func (m *mockAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (m *mockAPI) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receive = in
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.ReceiveMessageOutput{Messages: m.messages}, nil
}

func (m *mockAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockAPI) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if m.visibility == nil {
		m.visibility = map[string]int32{}
	}
	m.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestConsumer_Receive(t *testing.T) {
	api := &mockAPI{messages: []types.Message{
		{
			MessageId:     aws.String("m1"),
			ReceiptHandle: aws.String("r1"),
			Body:          aws.String(`{"id":"evt-1","source":"issues","kind":"issue_assigned","data":{}}`),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		},
	}}
	consumer := NewConsumer(api, "https://sqs.local/events", zap.NewNop())

	received, err := consumer.Receive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected 1 message, got %d", len(received))
	}
	if received[0].ReceiptHandle != "r1" || received[0].ReceiveCount != 3 {
		t.Errorf("unexpected message %+v", received[0])
	}
	if api.receive.MaxNumberOfMessages != 10 || api.receive.WaitTimeSeconds != 20 {
		t.Errorf("expected long polling batch receive, got %+v", api.receive)
	}

	msg, err := received[0].Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != "issue_assigned" || msg.DedupKey("m1") != "evt-1" {
		t.Errorf("unexpected decoded message %+v", msg)
	}
}

func TestConsumer_ReceiveError(t *testing.T) {
	api := &mockAPI{err: errors.New("throttled")}
	consumer := NewConsumer(api, "https://sqs.local/events", zap.NewNop())

	if _, err := consumer.Receive(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestReceived_Decode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"kind":"team_added","data":{"userId":"u1"}}`, false},
		{"not json", `hello`, true},
		{"missing kind", `{"data":{}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Received{Body: tt.body}.Decode()
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessage_DedupKeyFallback(t *testing.T) {
	msg := &Message{Kind: "team_added"}
	if got := msg.DedupKey("sqs-message-id"); got != "sqs-message-id" {
		t.Errorf("expected fallback key, got %s", got)
	}
}

func TestConsumer_DeleteAndRetry(t *testing.T) {
	api := &mockAPI{}
	consumer := NewConsumer(api, "https://sqs.local/events", zap.NewNop())
	ctx := context.Background()

	if err := consumer.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := consumer.Retry(ctx, "r2", 30); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if len(api.deleted) != 1 || api.deleted[0] != "r1" {
		t.Errorf("unexpected deletes %v", api.deleted)
	}
	if api.visibility["r2"] != 30 {
		t.Errorf("expected visibility 30, got %d", api.visibility["r2"])
	}
}

func TestProducer_SendWithAttributes(t *testing.T) {
	api := &mockAPI{}
	producer := NewProducer(api, "https://sqs.local/events-dlq", zap.NewNop())

	id, err := producer.Send(context.Background(), `{"kind":"bogus"}`, map[string]string{"error": "unknown kind"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("expected msg-1, got %s", id)
	}

	sent := api.sent[0]
	if aws.ToString(sent.QueueUrl) != "https://sqs.local/events-dlq" {
		t.Errorf("unexpected queue %s", aws.ToString(sent.QueueUrl))
	}
	if aws.ToString(sent.MessageAttributes["error"].StringValue) != "unknown kind" {
		t.Error("expected error attribute")
	}
}
