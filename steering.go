package agentspine

import (
	"sync"
	"sync/atomic"
)

// SteeringController holds the interrupt state for one agent: a FIFO of
// steering messages that preempt in-flight tool batches, a FIFO of follow-up
// messages that fire when the loop would otherwise terminate, and an atomic
// cancellation flag. All methods are safe for concurrent use; the loop
// consumes each queue one message per consultation point.
type SteeringController struct {
	mu        sync.Mutex
	steering  []string
	followUps []string
	cancelled atomic.Bool
}

// NewSteeringController creates an empty controller.
func NewSteeringController() *SteeringController {
	return &SteeringController{}
}

// Steer enqueues an interrupt message. The loop consults the queue before
// each tool dispatch; a pending message abandons the rest of the batch.
func (c *SteeringController) Steer(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steering = append(c.steering, text)
}

// FollowUp enqueues a message that is injected only when a run reaches a
// terminal state, starting another round instead of returning.
func (c *SteeringController) FollowUp(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUps = append(c.followUps, text)
}

// PopSteer dequeues the oldest steering message.
func (c *SteeringController) PopSteer() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steering) == 0 {
		return "", false
	}
	msg := c.steering[0]
	c.steering = c.steering[1:]
	return msg, true
}

// PopFollowUp dequeues the oldest follow-up message.
func (c *SteeringController) PopFollowUp() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.followUps) == 0 {
		return "", false
	}
	msg := c.followUps[0]
	c.followUps = c.followUps[1:]
	return msg, true
}

// ClearSteering drops all pending steering messages.
func (c *SteeringController) ClearSteering() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steering = nil
}

// ClearFollowUps drops all pending follow-up messages.
func (c *SteeringController) ClearFollowUps() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUps = nil
}

// ClearAll drops both queues.
func (c *SteeringController) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steering = nil
	c.followUps = nil
}

// Cancel trips the cancellation flag. The loop observes it at every safe
// point and terminates the current run with status cancelled.
func (c *SteeringController) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether the flag is set.
func (c *SteeringController) Cancelled() bool {
	return c.cancelled.Load()
}

// ResetCancel clears the flag. Called when a new run is submitted so a
// cancel aimed at a previous run does not kill the next one.
func (c *SteeringController) ResetCancel() {
	c.cancelled.Store(false)
}
