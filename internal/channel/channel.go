// Package channel defines the messaging-channel capability the dispatch
// engine sends through. The engine depends only on the Adapter interface and
// its lifecycle events; concrete channels (telegram, dryrun) live in
// subpackages.
package channel

import (
	"context"
	"errors"
	"strings"
)

// Kind is the payload kind of one send.
type Kind string

const (
	KindMessage  Kind = "message"
	KindDocument Kind = "document"
	KindMedia    Kind = "media"
)

// ParseKind maps a raw table value onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.TrimSpace(strings.ToLower(s))) {
	case KindMessage:
		return KindMessage, true
	case KindDocument:
		return KindDocument, true
	case KindMedia:
		return KindMedia, true
	default:
		return "", false
	}
}

// Status is a channel lifecycle state change.
type Status string

const (
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusDisconnected  Status = "disconnected"
	StatusAuthFailure   Status = "auth_failure"
)

type StatusEvent struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StatusFunc receives lifecycle events. Implementations must not block.
type StatusFunc func(StatusEvent)

// ErrNotReady is returned by sends attempted before the channel reports ready.
var ErrNotReady = errors.New("channel is not ready")

// Adapter is the narrow capability the engine dispatches through.
//
// Recipients are normalized addresses (see Normalize). Send calls are
// synchronous: a nil error means the channel acknowledged delivery of this
// attempt, nothing more.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() bool

	SendText(ctx context.Context, recipient, text string) error
	SendAttachment(ctx context.Context, recipient, path, caption string, kind Kind) error
}
