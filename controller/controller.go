package controller

import (
	"context"
	"fmt"
	"time"

	"resource-allocator/allocator"
	"resource-allocator/metrics"
	"resource-allocator/queues"

	"github.com/rs/zerolog/log"
)

// Engine is the part of the scheduler the controller drives.
type Engine interface {
	Submit(ctx context.Context, req allocator.Request) allocator.Result
	Cancel(ctx context.Context, requestID string) error
}

// Controller wires queue consumption to the scheduler and publishes every outcome.
type Controller struct {
	publisher queues.Publisher
	engine    Engine
}

func NewController(p queues.Publisher, e Engine) *Controller {
	return &Controller{publisher: p, engine: e}
}

// Handle processes one inbound envelope. A returned error means the outcome could not be
// published and the message should be redelivered; resubmission is safe because decisions
// are recorded per request id.
func (c *Controller) Handle(ctx context.Context, msg *queues.AllocationMessage) error {
	switch msg.Type {
	case queues.TypeAllocationRequest:
		return c.submit(ctx, *msg.Request)
	case queues.TypeAllocationCancel:
		return c.cancel(ctx, msg.RequestID)
	default:
		log.Warn().Str("type", msg.Type).Msg("controller: ignoring unknown message type")
		return nil
	}
}

func (c *Controller) submit(ctx context.Context, req allocator.Request) error {
	start := time.Now()
	log.Info().Str("requestId", req.ID).Str("resourceId", req.ResourceID).Str("priority", req.Priority.String()).Msg("controller: handling allocation request")

	res := c.engine.Submit(ctx, req)
	duration := time.Since(start)
	metrics.ObserveResult(res, duration)
	if res.Cause != nil && allocator.Reason(res.Cause) == "internal" {
		log.Error().Err(res.Cause).Str("requestId", req.ID).Msg("controller: allocation aborted")
	}

	if err := c.publisher.PublishResult(ctx, queues.NewResult(queues.TypeAllocationResult, req.ID, res)); err != nil {
		log.Error().Err(err).Str("requestId", req.ID).Dur("duration", duration).Msg("controller: failed to publish result")
		return err
	}

	admitted := req
	admitted.Status = allocator.RequestAllocated
	for _, victim := range res.Evicted {
		if err := c.publishEviction(ctx, victim, admitted); err != nil {
			return err
		}
	}
	log.Info().Str("requestId", req.ID).Bool("success", res.Success).Int("conflicts", len(res.Conflicts)).
		Int("evicted", len(res.Evicted)).Dur("duration", duration).Msg("controller: allocation decided")
	return nil
}

// publishEviction notifies the owner of a preempted allocation. The notice lists the
// admitted request as the conflict that displaced it.
func (c *Controller) publishEviction(ctx context.Context, victim, by allocator.Request) error {
	res := allocator.Result{
		Success:   false,
		Conflicts: []allocator.Request{by},
		Message:   fmt.Sprintf("preempted by higher-priority request %s", by.ID),
	}
	if err := c.publisher.PublishResult(ctx, queues.NewResult(queues.TypeAllocationEvicted, victim.ID, res)); err != nil {
		log.Error().Err(err).Str("requestId", victim.ID).Str("preemptedBy", by.ID).Msg("controller: failed to publish eviction notice")
		return err
	}
	return nil
}

func (c *Controller) cancel(ctx context.Context, requestID string) error {
	err := c.engine.Cancel(ctx, requestID)
	metrics.ObserveCancel(err)
	res := allocator.Result{Success: err == nil, Message: allocator.Message(err)}
	if err == nil {
		res.Message = "cancelled"
	}
	if perr := c.publisher.PublishResult(ctx, queues.NewResult(queues.TypeCancelResult, requestID, res)); perr != nil {
		log.Error().Err(perr).Str("requestId", requestID).Msg("controller: failed to publish cancel result")
		return perr
	}
	log.Info().Str("requestId", requestID).Str("reason", allocator.Reason(err)).Msg("controller: cancel handled")
	return nil
}
