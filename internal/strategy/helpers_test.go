package strategy

import (
	"context"
	"sync"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

type recordingObserver struct {
	mu      sync.Mutex
	results []domain.NodeResult
	progress []map[string]any
}

func (o *recordingObserver) OnNodeResult(_ context.Context, r domain.NodeResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *recordingObserver) OnProgress(_ context.Context, p map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, p)
}

func (o *recordingObserver) successCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.results {
		if r.Status == domain.NodeResultSuccess {
			n++
		}
	}
	return n
}

func (o *recordingObserver) rolledBackCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, r := range o.results {
		if r.Status == domain.NodeResultRolledBack {
			n++
		}
	}
	return n
}

type fixedControl struct {
	cancelled bool
	approved  bool
	approveErr error
}

func (c *fixedControl) Cancelled() bool { return c.cancelled }
func (c *fixedControl) AwaitApproval(context.Context) (bool, error) {
	return c.approved, c.approveErr
}

func makeNodes(n int, env domain.Environment, pool string) []*domain.Node {
	out := make([]*domain.Node, n)
	for i := range out {
		out[i] = &domain.Node{
			ID:              nodeID(i),
			Hostname:        nodeID(i),
			Environment:     env,
			Pool:            pool,
			CurrentVersions: map[domain.ModuleName]domain.Version{},
			Health:          domain.HealthHealthy,
		}
	}
	return out
}

func nodeID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "node-" + string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}

func mustVersion(s string) domain.Version {
	v, err := domain.ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}
