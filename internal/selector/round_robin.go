package selector

import (
	"sync/atomic"

	"github.com/rarara59/relayrpc/internal/domain"
)

type roundRobinStrategy struct {
	counter atomic.Uint64
}

func newRoundRobinStrategy() *roundRobinStrategy {
	return &roundRobinStrategy{}
}

func (r *roundRobinStrategy) name() string { return RoundRobin }

func (r *roundRobinStrategy) pick(routable []*domain.Endpoint) *domain.Endpoint {
	current := r.counter.Add(1) - 1
	return routable[current%uint64(len(routable))]
}
