// Package progress publishes run progress onto the event bus in the payload
// shapes the web clients consume.
package progress

import (
	"msgblast/internal/engine"
	"msgblast/internal/eventbus"
)

// Notifier implements engine.Notifier over the event bus.
type Notifier struct {
	bus eventbus.Bus
}

func New(bus eventbus.Bus) *Notifier { return &Notifier{bus: bus} }

func (n *Notifier) publish(t eventbus.Type, data any) {
	n.bus.Publish(eventbus.Event{Type: t, Data: data})
}

func (n *Notifier) RunStarted(total int) {
	n.publish(eventbus.TypeRunStarted, map[string]any{"total": total})
}

func (n *Notifier) Progress(current, total, percent int) {
	n.publish(eventbus.TypeProgress, map[string]any{
		"current": current,
		"total":   total,
		"percent": percent,
	})
}

func (n *Notifier) RowStatus(position int, status, errMsg string) {
	data := map[string]any{"row": position, "status": status}
	if errMsg != "" {
		data["error"] = errMsg
	}
	n.publish(eventbus.TypeRowStatus, data)
}

func (n *Notifier) MessageStatus(ms engine.MessageStatus) {
	data := map[string]any{
		"recipient": ms.Recipient,
		"status":    ms.Status,
		"type":      ms.Kind,
	}
	if ms.Error != "" {
		data["error"] = ms.Error
	}
	if ms.Status == "retrying" {
		data["attempt"] = ms.Attempt
		data["maxRetries"] = ms.MaxRetries
	}
	n.publish(eventbus.TypeMessageStatus, data)
}

func (n *Notifier) RunCompleted(total, success, failed int) {
	n.publish(eventbus.TypeRunComplete, map[string]any{
		"processed": total,
		"total":     total,
		"success":   success,
		"failed":    failed,
	})
}

func (n *Notifier) RunStopped(processed, total, success, failed int) {
	n.publish(eventbus.TypeRunStopped, map[string]any{
		"processed": processed,
		"total":     total,
		"success":   success,
		"failed":    failed,
	})
}

func (n *Notifier) RunError(err error) {
	n.publish(eventbus.TypeRunError, map[string]any{"error": err.Error()})
}

// ChannelStatus forwards connectivity changes from the messaging channel.
func (n *Notifier) ChannelStatus(status, message, reason string) {
	data := map[string]any{"status": status}
	if message != "" {
		data["message"] = message
	}
	if reason != "" {
		data["reason"] = reason
	}
	n.publish(eventbus.TypeChannelStatus, data)
}
