package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"leadflow-backend/pkg/metrics"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubListener consumes Gmail notifications from a pull subscription. It
// is the alternative ingress to the push endpoint for deployments that
// cannot expose a public URL to Pub/Sub.
type PubSubListener struct {
	client    *pubsub.Client
	processor *Processor
	topicName string
	subName   string
}

// NewPubSubListener creates a new instance of PubSubListener
func NewPubSubListener(projectID, topicName, credentialsFile string, processor *Processor) (*PubSubListener, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create pubsub client: %v", err)
	}

	return &PubSubListener{
		client:    client,
		processor: processor,
		topicName: topicName,
		subName:   topicName + "-sub",
	}, nil
}

// Start blocks receiving messages until the context is cancelled. It creates
// the subscription when it does not exist yet.
func (l *PubSubListener) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting gmail notification listener on subscription: %s", l.subName)

	sub := l.client.Subscription(l.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Printf("[PubSub] Error checking subscription existence: %v", err)
		return
	}

	if !exists {
		topic := l.client.Topic(l.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			log.Printf("[PubSub] Error checking topic existence: %v", err)
			return
		}
		if !topicExists {
			log.Printf("[PubSub] Topic %s does not exist, cannot create subscription", l.topicName)
			return
		}

		sub, err = l.client.CreateSubscription(ctx, l.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 30 * time.Second,
		})
		if err != nil {
			log.Printf("[PubSub] Unable to create subscription: %v", err)
			return
		}
		log.Printf("[PubSub] Created subscription: %s", l.subName)
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		l.handleMessage(ctx, msg)
		// Always ack: failed inline syncs land on the durable queue, and
		// redelivering here would only duplicate that work.
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("[PubSub] Receive stopped with error: %v", err)
	}
}

// Close releases the underlying client.
func (l *PubSubListener) Close() error {
	return l.client.Close()
}

func (l *PubSubListener) handleMessage(ctx context.Context, msg *pubsub.Message) {
	var notification gmailNotification
	if err := json.Unmarshal(msg.Data, &notification); err != nil || notification.EmailAddress == "" {
		log.Printf("[PubSub] Dropping malformed notification: %v", err)
		metrics.WebhooksReceived.WithLabelValues("google", "invalid").Inc()
		return
	}

	log.Printf("[PubSub] Notification for %s (historyId: %d)", notification.EmailAddress, notification.HistoryID)
	outcome := l.processor.ProcessGoogle(ctx, notification.EmailAddress, notification.HistoryID)
	metrics.WebhooksReceived.WithLabelValues("google", outcome).Inc()
}
