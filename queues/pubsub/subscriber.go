package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"resource-allocator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.AllocationMessage) error) error {
	if s.client == nil {
		var (
			client *gpubsub.Client
			err    error
		)
		if s.credsFile != "" {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Str("credsFile", s.credsFile).Msg("initializing pubsub subscriber with explicit credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID, option.WithCredentialsFile(s.credsFile))
		} else {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("initializing pubsub subscriber with default credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID)
		}
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	// Receive blocks until ctx is cancelled and runs the callback concurrently.
	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		if dispatch(ctx, m.Data, handler) {
			m.Ack()
			return
		}
		m.Nack()
	})
}

// dispatch decodes one message and runs handler on it. It returns true when the message
// should be acked: on success and for structurally invalid (poison) envelopes.
// Undecodable payloads and handler failures return false so Pub/Sub redelivers them.
func dispatch(ctx context.Context, data []byte, handler func(context.Context, *queues.AllocationMessage) error) bool {
	recvAt := time.Now()
	var msg queues.AllocationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal allocation message")
		return false
	}
	if err := msg.Validate(); err != nil {
		log.Error().Err(err).Str("type", msg.Type).Str("requestId", msg.ID()).Msg("invalid message payload")
		return true
	}

	log.Info().Str("type", msg.Type).Str("requestId", msg.ID()).Msg("handling allocation message")
	if err := handler(ctx, &msg); err != nil {
		log.Error().Err(err).Str("requestId", msg.ID()).Msg("handler failed; will retry")
		return false
	}
	log.Debug().Str("requestId", msg.ID()).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
	return true
}
