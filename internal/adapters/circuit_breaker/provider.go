package circuit_breaker

import (
	"log/slog"
	"sync"
)

// Provider hands out one Breaker per upstream name, creating them lazily
// with a shared config.
type Provider struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewProvider(config Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config:   config.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

func (p *Provider) For(name string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	breaker, ok := p.breakers[name]
	if !ok {
		breaker = New(name, p.config, p.logger)
		p.breakers[name] = breaker
	}
	return breaker
}

func (p *Provider) Metrics() map[string]Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Metrics, len(p.breakers))
	for name, breaker := range p.breakers {
		out[name] = breaker.Metrics()
	}
	return out
}
