package queuepoller

import (
	"context"
	"errors"
	"fmt"
	"os"

	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/illmade-knight/go-pollbuffer/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// PubsubReceiverConfig holds configuration for the Google Pub/Sub pull receiver.
type PubsubReceiverConfig struct {
	ProjectID       string `yaml:"project_id"`
	SubscriptionID  string `yaml:"subscription_id"`
	CredentialsFile string `yaml:"credentials_file"` // Optional
}

// LoadPubsubReceiverConfigFromEnv loads receiver configuration from environment variables.
func LoadPubsubReceiverConfigFromEnv() (*PubsubReceiverConfig, error) {
	cfg := &PubsubReceiverConfig{
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		SubscriptionID:  os.Getenv("PUBSUB_SUBSCRIPTION_ID"),
		CredentialsFile: os.Getenv("GCP_PUBSUB_CREDENTIALS_FILE"),
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID environment variable not set for Pub/Sub receiver")
	}
	if cfg.SubscriptionID == "" {
		return nil, errors.New("PUBSUB_SUBSCRIPTION_ID environment variable not set for Pub/Sub receiver")
	}
	return cfg, nil
}

// PubsubReceiver pulls messages synchronously from a Pub/Sub subscription.
// Delete acknowledges them by ack ID.
type PubsubReceiver struct {
	client       *vkit.SubscriberClient
	subscription string
	logger       zerolog.Logger
}

// NewPubsubReceiver creates a receiver. Extra client options (for example an
// emulator endpoint in tests) are appended after the ones derived from cfg.
func NewPubsubReceiver(ctx context.Context, cfg *PubsubReceiverConfig, opts []option.ClientOption, logger zerolog.Logger) (*PubsubReceiver, error) {
	if cfg.ProjectID == "" || cfg.SubscriptionID == "" {
		return nil, errors.New("project id and subscription id are required for Pub/Sub receiver")
	}

	var clientOpts []option.ClientOption
	if emulatorHost := os.Getenv("PUBSUB_EMULATOR_HOST"); emulatorHost != "" {
		logger.Info().Str("emulator_host", emulatorHost).Str("subscription_id", cfg.SubscriptionID).Msg("Using Pub/Sub emulator for receiver.")
		clientOpts = append(clientOpts,
			option.WithEndpoint(emulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	} else if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	client, err := vkit.NewSubscriberClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewSubscriberClient for subscription %s: %w", cfg.SubscriptionID, err)
	}

	subscription := fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.SubscriptionID)
	return &PubsubReceiver{
		client:       client,
		subscription: subscription,
		logger:       logger.With().Str("component", "PubsubReceiver").Str("subscription", subscription).Logger(),
	}, nil
}

// Receive issues one Pull for up to maxMessages messages.
func (r *PubsubReceiver) Receive(ctx context.Context, maxMessages int) ([]types.QueueMessage, error) {
	resp, err := r.client.Pull(ctx, &pubsubpb.PullRequest{
		Subscription: r.subscription,
		MaxMessages:  int32(maxMessages),
	})
	if err != nil {
		// An idle long poll can time out server side; that is an empty receive.
		if status.Code(err) == codes.DeadlineExceeded && ctx.Err() == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pull from %s: %w", r.subscription, err)
	}

	msgs := make([]types.QueueMessage, 0, len(resp.GetReceivedMessages()))
	for _, rm := range resp.GetReceivedMessages() {
		m := rm.GetMessage()
		payload := make([]byte, len(m.GetData()))
		copy(payload, m.GetData())
		msg := types.QueueMessage{
			ID:              m.GetMessageId(),
			ReceiptHandle:   rm.GetAckId(),
			Payload:         payload,
			Attributes:      m.GetAttributes(),
			DeliveryAttempt: int(rm.GetDeliveryAttempt()),
		}
		if m.GetPublishTime() != nil {
			msg.PublishTime = m.GetPublishTime().AsTime()
		}
		msgs = append(msgs, msg)
	}
	r.logger.Debug().Int("count", len(msgs)).Msg("Pulled messages.")
	return msgs, nil
}

// Delete acknowledges msgs.
func (r *PubsubReceiver) Delete(ctx context.Context, msgs []types.QueueMessage) error {
	ackIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ackIDs = append(ackIDs, m.ReceiptHandle)
	}
	if err := r.client.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: r.subscription,
		AckIds:       ackIDs,
	}); err != nil {
		return fmt.Errorf("acknowledge %d messages on %s: %w", len(ackIDs), r.subscription, err)
	}
	return nil
}

// Close closes the underlying subscriber client.
func (r *PubsubReceiver) Close() error {
	return r.client.Close()
}
