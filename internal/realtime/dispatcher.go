package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/wiremess/internal/metrics"
	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
)

// RecipientSource provides membership snapshots.
type RecipientSource interface {
	Recipients(conversationID int64) []presence.Recipient
}

// DeliveryReport summarises one broadcast.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    int
}

// Dispatcher fans committed events out to a conversation's current members.
type Dispatcher struct {
	recipients RecipientSource
	logger     *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(recipients RecipientSource, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{recipients: recipients, logger: logger}
}

// Broadcast encodes the event once and delivers it to every member of the
// conversation. A failing or panicking connection never affects the others.
func (d *Dispatcher) Broadcast(ctx context.Context, conversationID int64, event Event) DeliveryReport {
	var report DeliveryReport
	if d == nil || d.recipients == nil {
		return report
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("realtime event encoding failed",
			zap.String("event", string(event.Type)),
			zap.Error(err))
		return report
	}

	for _, recipient := range d.recipients.Recipients(conversationID) {
		if event.isMemberEvent() && recipient.ConnectionID == event.Origin {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		if err := deliver(recipient, payload); err != nil {
			report.Failed++
			metrics.RecordDelivery(string(event.Type), metrics.StatusFailure)
			d.logger.Debug("realtime delivery skipped",
				zap.String("event", string(event.Type)),
				zap.Int64("conversation_id", conversationID),
				zap.String("connection_id", string(recipient.ConnectionID)),
				zap.Error(err))
			continue
		}
		report.Delivered++
		metrics.RecordDelivery(string(event.Type), metrics.StatusSuccess)
	}
	return report
}

func deliver(recipient presence.Recipient, payload []byte) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("realtime: delivery panicked: %v", recovered)
		}
	}()
	return recipient.Deliver(payload)
}
