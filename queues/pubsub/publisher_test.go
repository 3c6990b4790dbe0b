package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"resource-allocator/allocator"
	"resource-allocator/queues"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial error: %#v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("client error: %#v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

type args struct {
	res *queues.AllocationResult
}

type test struct {
	name    string
	setup   func() *Publisher
	args    args
	wantErr bool
}

func TestPublisher_PublishResult(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	ctx := context.Background()
	srv, client := newTestClient(t)

	tests := []test{
		{
			name: "success",
			setup: func() *Publisher {
				topic, err := client.CreateTopic(ctx, "test-topic")
				if err != nil {
					t.Fatalf("create topic: %#v", err)
				}
				return &Publisher{projectID: "test-project", resultTopic: "test-topic", client: client, topic: topic}
			},
			args:    args{res: queues.NewResult(queues.TypeAllocationResult, "r1", allocator.Result{Success: true, AllocationID: "r1"})},
			wantErr: false,
		},
		{
			name: "missing topic error",
			setup: func() *Publisher {
				topic := client.Topic("missing-topic")
				return &Publisher{projectID: "test-project", resultTopic: "missing-topic", client: client, topic: topic}
			},
			args:    args{res: queues.NewResult(queues.TypeAllocationResult, "r2", allocator.Result{Success: false})},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.setup()
			err := p.PublishResult(ctx, tt.args.res)
			gotErr := (err != nil)
			if gotErr != tt.wantErr {
				t.Errorf("PublishResult() error mismatch\ngotErr: %#v\nwantErr: %#v\nerr: %#v", gotErr, tt.wantErr, err)
			}
		})
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("published messages got=%#v want=%#v", len(msgs), 1)
	}
	if got := msgs[0].Attributes["requestId"]; got != "r1" {
		t.Errorf("requestId attribute got=%#v want=%#v", got, "r1")
	}
	var out queues.AllocationResult
	if err := json.Unmarshal(msgs[0].Data, &out); err != nil {
		t.Fatalf("unmarshal err: %#v", err)
	}
	if out.Type != queues.TypeAllocationResult || !out.Result.Success || out.Result.AllocationID != "r1" {
		t.Errorf("payload got=%#v", out)
	}
}

func TestDispatch(t *testing.T) {
	ok := func(context.Context, *queues.AllocationMessage) error { return nil }
	fail := func(context.Context, *queues.AllocationMessage) error { return errors.New("boom") }
	tests := []struct {
		name    string
		data    string
		handler func(context.Context, *queues.AllocationMessage) error
		wantAck bool
	}{
		{"valid cancel", `{"type":"allocation-cancel","requestId":"r1"}`, ok, true},
		{"valid request", `{"type":"allocation-request","request":{"id":"r1","resource_id":"lab"}}`, ok, true},
		{"malformed json nacks", `{"type":`, ok, false},
		{"poison acks", `{"type":"allocation-request"}`, fail, true},
		{"handler error nacks", `{"type":"allocation-cancel","requestId":"r1"}`, fail, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dispatch(context.Background(), []byte(tt.data), tt.handler); got != tt.wantAck {
				t.Errorf("dispatch() got=%#v want=%#v", got, tt.wantAck)
			}
		})
	}
}

func TestSubscriber_Start(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "requests")
	if err != nil {
		t.Fatalf("create topic: %#v", err)
	}
	defer topic.Stop()
	sub, err := client.CreateSubscription(ctx, "requests-sub", pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("create subscription: %#v", err)
	}

	for _, body := range []string{
		`{"envelopeVersion":"1.0","type":"allocation-cancel","requestId":"a"}`,
		`{"envelopeVersion":"1.0","type":"allocation-cancel","requestId":"b"}`,
	} {
		if _, err := topic.Publish(ctx, &pubsub.Message{Data: []byte(body)}).Get(ctx); err != nil {
			t.Fatalf("publish: %#v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	s := &Subscriber{projectID: "test-project", subscriptionName: "requests-sub", client: client, sub: sub}
	err = s.Start(ctx, func(_ context.Context, m *queues.AllocationMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen[m.RequestID] = true
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start() err: %#v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !seen["a"] || !seen["b"] {
		t.Errorf("handled got=%#v want a and b", seen)
	}
}
