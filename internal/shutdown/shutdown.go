// Package shutdown runs registered teardown hooks in LIFO order, so later
// layers stop before the layers they depend on.
package shutdown

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hook is one named teardown step.
type Hook struct {
	Name string
	Fn   func()
}

// Hooks is a LIFO stack of teardown steps.
type Hooks struct {
	log   zerolog.Logger
	mu    sync.Mutex
	hooks []Hook
	done  bool
}

// New builds an empty hook stack.
func New(log zerolog.Logger) *Hooks {
	return &Hooks{log: log.With().Str("component", "shutdown").Logger()}
}

// Add registers a hook. Hooks run in reverse registration order.
func (h *Hooks) Add(name string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, Hook{Name: name, Fn: fn})
}

// Run executes all hooks LIFO, once.
func (h *Hooks) Run() {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	hooks := h.hooks
	h.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h.log.Info().Str("hook", hooks[i].Name).Msg("running shutdown hook")
		hooks[i].Fn()
	}
}
