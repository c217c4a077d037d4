package authority

import (
	"context"
	"sync"

	compliancedomain "github.com/gestionly/veriledger/internal/compliance/domain"
)

// FakeClient accepts everything and remembers what it saw, keyed by
// submission id. Resubmitting the same id returns the recorded outcome
// without bumping the distinct-submission count, which is exactly the
// idempotency contract the real authority promises.
type FakeClient struct {
	mu       sync.Mutex
	outcomes map[string]compliancedomain.Outcome
	calls    map[string]int

	// Decide overrides the default accept-all behavior when set.
	Decide func(sub compliancedomain.Submission) (compliancedomain.Outcome, error)
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		outcomes: make(map[string]compliancedomain.Outcome),
		calls:    make(map[string]int),
	}
}

func (c *FakeClient) Submit(_ context.Context, sub compliancedomain.Submission) (compliancedomain.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls[sub.SubmissionID]++
	if outcome, ok := c.outcomes[sub.SubmissionID]; ok {
		return outcome, nil
	}

	outcome := compliancedomain.Outcome{Kind: compliancedomain.OutcomeAccepted}
	if c.Decide != nil {
		decided, err := c.Decide(sub)
		if err != nil {
			return compliancedomain.Outcome{}, err
		}
		outcome = decided
	}
	if outcome.Kind != compliancedomain.OutcomePending {
		c.outcomes[sub.SubmissionID] = outcome
	}
	return outcome, nil
}

// Calls reports how many times a submission id was presented.
func (c *FakeClient) Calls(submissionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[submissionID]
}

// Distinct reports how many distinct submission ids were settled.
func (c *FakeClient) Distinct() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}
