// Package notifications publishes operational events: a provider whose
// breaker opened or closed, and finished async comparisons.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationProviderDown        NotificationType = "provider_down"
	NotificationProviderUp          NotificationType = "provider_up"
	NotificationComparisonCompleted NotificationType = "comparison_completed"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	Provider string           `json:"provider,omitempty"`
	Message  string           `json:"message"`
	Data     map[string]any   `json:"data,omitempty"`
	Time     time.Time        `json:"time"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsAPI
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	if notification.Time.IsZero() {
		notification.Time = time.Now().UTC()
	}

	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"Type": stringAttribute(string(notification.Type)),
	}
	if notification.Provider != "" {
		attrs["Provider"] = stringAttribute(notification.Provider)
	}
	// Subscribers filter async results by request id.
	if id, ok := notification.Data["request_id"].(string); ok && id != "" {
		attrs["RequestId"] = stringAttribute(id)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Subject:           aws.String(subject(notification)),
		Message:           aws.String(string(message)),
		MessageAttributes: attrs,
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Debug("notification published", "type", notification.Type, "provider", notification.Provider)
	return nil
}

func stringAttribute(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// subject is the email subject line for topic subscribers; SNS caps it at
// 100 characters.
func subject(n Notification) string {
	var s string
	switch n.Type {
	case NotificationProviderDown:
		s = "llm-duel: " + n.Provider + " unavailable"
	case NotificationProviderUp:
		s = "llm-duel: " + n.Provider + " recovered"
	case NotificationComparisonCompleted:
		s = "llm-duel: comparison completed"
	default:
		s = "llm-duel: " + string(n.Type)
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// LogNotifier only writes the event to the log. It is the default when no
// SNS topic is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, notification Notification) error {
	n.logger.InfoContext(ctx, "notification",
		"type", notification.Type,
		"provider", notification.Provider,
		"message", notification.Message,
	)
	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)
	for _, handler := range n.handlers {
		handler(notification)
	}
	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}

func (n *InMemoryNotifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = nil
}
