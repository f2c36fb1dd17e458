package selector

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/rarara59/relayrpc/internal/domain"
)

type leastConnectionsStrategy struct {
	connections xsync.Map[string, *atomic.Int64]
}

func newLeastConnectionsStrategy() *leastConnectionsStrategy {
	return &leastConnectionsStrategy{}
}

func (l *leastConnectionsStrategy) name() string { return LeastConnections }

func (l *leastConnectionsStrategy) counter(key string) *atomic.Int64 {
	actual, _ := l.connections.LoadOrStore(key, &atomic.Int64{})
	return actual
}

func (l *leastConnectionsStrategy) pick(routable []*domain.Endpoint) *domain.Endpoint {
	var selected *domain.Endpoint
	min := int64(-1)
	for _, e := range routable {
		count := l.counter(e.Key()).Load()
		if min == -1 || count < min {
			min = count
			selected = e
		}
	}
	if selected != nil {
		l.counter(selected.Key()).Add(1)
	}
	return selected
}

func (l *leastConnectionsStrategy) release(e *domain.Endpoint) {
	counter, ok := l.connections.Load(e.Key())
	if !ok {
		return
	}
	for {
		cur := counter.Load()
		if cur <= 0 {
			return
		}
		if counter.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
