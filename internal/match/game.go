package match

import (
	"context"
	"sort"
	"sync"

	appErr "agentarena/pkg/errors"
)

// Game is the match-specific referee logic.
type Game interface {
	Name() string
	Run(ctx context.Context, gc *GameContext) error
}

type gameFunc struct {
	name string
	run  func(ctx context.Context, gc *GameContext) error
}

// NewGameFunc wraps a function as a Game.
func NewGameFunc(name string, run func(ctx context.Context, gc *GameContext) error) Game {
	return &gameFunc{name: name, run: run}
}

func (g *gameFunc) Name() string { return g.name }

func (g *gameFunc) Run(ctx context.Context, gc *GameContext) error { return g.run(ctx, gc) }

// Registry resolves games by name.
type Registry struct {
	mu    sync.RWMutex
	games map[string]Game
}

func NewRegistry(games ...Game) (*Registry, error) {
	r := &Registry{games: make(map[string]Game)}
	for _, g := range games {
		if err := r.Register(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(g Game) error {
	if g == nil || g.Name() == "" {
		return appErr.ValidationError("game", "name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.games[g.Name()]; ok {
		return appErr.Newf(appErr.InvalidParams, "game %s already registered", g.Name())
	}
	r.games[g.Name()] = g
	return nil
}

func (r *Registry) Get(name string) (Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.games[name]
	if !ok {
		return nil, appErr.Newf(appErr.GameNotFound, "game %s not found", name).WithDetail("game", name)
	}
	return g, nil
}

// Names returns the registered games in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.games))
	for name := range r.games {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
