package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-duel/internal/metrics"
	"github.com/felipepmaragno/llm-duel/internal/notifications"
)

const notifyTimeout = 5 * time.Second

// BreakerListener publishes provider_down when a breaker opens and
// provider_up when it closes again, and keeps the state gauge current.
func BreakerListener(notifier notifications.Notifier, logger *slog.Logger) circuitbreaker.Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return func(provider string, from, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(provider, int(to))
		logger.Warn("circuit breaker transition", "provider", provider, "from", from.String(), "to", to.String())

		var notifType notifications.NotificationType
		switch to {
		case circuitbreaker.StateOpen:
			notifType = notifications.NotificationProviderDown
		case circuitbreaker.StateClosed:
			notifType = notifications.NotificationProviderUp
		default:
			return
		}

		if notifier == nil {
			return
		}

		// Transitions fire on the request path; publishing must not hold it.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()

			err := notifier.Send(ctx, notifications.Notification{
				Type:     notifType,
				Provider: provider,
				Message:  fmt.Sprintf("circuit breaker for %s moved from %s to %s", provider, from, to),
				Time:     time.Now().UTC(),
			})
			if err != nil {
				logger.Error("failed to send breaker notification", "provider", provider, "error", err)
			}
		}()
	}
}
