package bus

import (
	"sync"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// roundRobin tracks per-topic cursors for LoadBalanced/mid-band Priority
// routing, guarded by its own mutex since Route may be called
// concurrently from multiple Publish calls.
type roundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

var rr = &roundRobin{cursors: make(map[string]int)}

func (r *roundRobin) next(topic string, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.cursors[topic] % n
	r.cursors[topic]++
	return i
}

// Route selects which of the active subscriptions should receive a
// message with the given priority (0-9) under strategy. The returned slice may be empty (no active subscription) or
// contain more than one entry (FanOut, ContentBased).
func Route(strategy domain.RoutingStrategy, topic string, subs []Subscription, priority int, headers map[string]string, payload []byte) []Subscription {
	if len(subs) == 0 {
		return nil
	}
	switch strategy {
	case domain.RouteDirect:
		return subs[:1]
	case domain.RouteFanOut:
		return subs
	case domain.RouteContentBased:
		var matched []Subscription
		for _, s := range subs {
			if s.Matches(headers, payload) {
				matched = append(matched, s)
			}
		}
		return matched
	case domain.RoutePriority:
		switch {
		case priority >= 7:
			return subs[:1]
		case priority >= 4:
			return subs[rr.next(topic, len(subs)):][:1]
		default:
			return subs[len(subs)-1:]
		}
	case domain.RouteLoadBalanced:
		fallthrough
	default:
		return subs[rr.next(topic, len(subs)):][:1]
	}
}
