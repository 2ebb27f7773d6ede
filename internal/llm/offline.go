package llm

import (
	"context"
	"fmt"
	"hash/fnv"
)

// Offline is a deterministic stand-in used when no completion endpoint is
// configured. It lets the protocol run end to end without a model: persona
// replies are canned, and goal evaluations never parse as achieved, so
// scenes progress through the forced-progression path.
type Offline struct{}

// NewOffline returns the offline completer.
func NewOffline() *Offline {
	return &Offline{}
}

var offlineReplies = []string{
	"I hear you. Walk me through your reasoning on that.",
	"That's one way to look at it. What trade-off are you accepting?",
	"Noted. What would you do if the numbers don't hold up?",
	"Interesting. How does that serve the goal we discussed?",
}

// Complete returns a canned reply chosen by a stable hash of the request, so
// the same input always yields the same output.
func (o *Offline) Complete(_ context.Context, req Request) (string, error) {
	h := fnv.New32a()
	fmt.Fprint(h, req.System)
	for _, m := range req.Messages {
		fmt.Fprint(h, m.Role, m.Content)
	}
	return offlineReplies[int(h.Sum32())%len(offlineReplies)], nil
}
