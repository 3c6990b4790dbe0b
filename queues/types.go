package queues

import (
	"context"
	"errors"

	"resource-allocator/allocator"
)

const EnvelopeVersion = "1.0"

// Envelope types.
const (
	TypeAllocationRequest = "allocation-request"
	TypeAllocationCancel  = "allocation-cancel"
	TypeAllocationResult  = "allocation-result"
	TypeCancelResult      = "cancel-result"
	TypeAllocationEvicted = "allocation-evicted"
)

// AllocationMessage is an inbound envelope: a request to decide, or the id of a request to cancel.
type AllocationMessage struct {
	EnvelopeVersion string             `json:"envelopeVersion"`
	Type            string             `json:"type"`
	Request         *allocator.Request `json:"request,omitempty"`
	RequestID       string             `json:"requestId,omitempty"`
}

var ErrInvalidMessage = errors.New("queues: invalid message")

// Validate checks the envelope structure. Requests must carry an id so that a
// redelivered message resolves to the already recorded decision.
func (m *AllocationMessage) Validate() error {
	switch m.Type {
	case TypeAllocationRequest:
		if m.Request == nil || m.Request.ID == "" || m.Request.ResourceID == "" {
			return ErrInvalidMessage
		}
	case TypeAllocationCancel:
		if m.RequestID == "" {
			return ErrInvalidMessage
		}
	default:
		return ErrInvalidMessage
	}
	return nil
}

// ID is the request id the message refers to.
func (m *AllocationMessage) ID() string {
	if m.Request != nil {
		return m.Request.ID
	}
	return m.RequestID
}

// AllocationResult is an outbound envelope carrying a decision, a cancel outcome or an eviction notice.
type AllocationResult struct {
	EnvelopeVersion string           `json:"envelopeVersion"`
	Type            string           `json:"type"`
	RequestID       string           `json:"requestId"`
	Result          allocator.Result `json:"result"`
}

func NewResult(typ, requestID string, res allocator.Result) *AllocationResult {
	if res.Conflicts == nil {
		res.Conflicts = []allocator.Request{}
	}
	return &AllocationResult{EnvelopeVersion: EnvelopeVersion, Type: typ, RequestID: requestID, Result: res}
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *AllocationMessage) error) error
}

type Publisher interface {
	PublishResult(ctx context.Context, res *AllocationResult) error
}
