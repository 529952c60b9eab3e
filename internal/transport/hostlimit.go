package transport

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// HostLimiter bounds in-flight requests per host and optionally paces them.
type HostLimiter struct {
	mu       sync.Mutex
	maxPer   int64
	rps      float64
	sems     map[string]*semaphore.Weighted
	pacers   map[string]*rate.Limiter
	inFlight map[string]int
}

// NewHostLimiter allows maxPerHost concurrent requests per host. rps <= 0 disables pacing.
func NewHostLimiter(maxPerHost int, rps float64) *HostLimiter {
	if maxPerHost <= 0 {
		maxPerHost = DefaultMaxPerHost
	}
	return &HostLimiter{
		maxPer:   int64(maxPerHost),
		rps:      rps,
		sems:     make(map[string]*semaphore.Weighted),
		pacers:   make(map[string]*rate.Limiter),
		inFlight: make(map[string]int),
	}
}

// Acquire blocks until a slot for host is free. The returned func releases it.
func (l *HostLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	host = strings.ToLower(host)
	sem, pacer := l.get(host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if pacer != nil {
		if err := pacer.Wait(ctx); err != nil {
			sem.Release(1)
			return nil, err
		}
	}

	l.mu.Lock()
	l.inFlight[host]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.inFlight[host]--
			l.mu.Unlock()
			sem.Release(1)
		})
	}, nil
}

// InFlight returns the number of requests currently holding a slot for host.
func (l *HostLimiter) InFlight(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[strings.ToLower(host)]
}

func (l *HostLimiter) get(host string) (*semaphore.Weighted, *rate.Limiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[host]
	if !ok {
		sem = semaphore.NewWeighted(l.maxPer)
		l.sems[host] = sem
	}
	if l.rps <= 0 {
		return sem, nil
	}
	pacer, ok := l.pacers[host]
	if !ok {
		burst := int(l.rps)
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(l.rps), burst)
		l.pacers[host] = pacer
	}
	return sem, pacer
}
