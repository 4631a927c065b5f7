package assetcache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// State is the worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant is final, the worker has been closed.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Version returns the version tag of the current cache generation.
func (w *Worker) Version() string {
	return w.version.Load().(string)
}

// Controlling reports whether the worker intercepts requests.
func (w *Worker) Controlling() bool {
	return w.controlling.Load()
}

// Start installs and activates the worker.
// Installation skips waiting, so activation follows right away.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.install(ctx, w.Version()); err != nil {
		return err
	}
	return w.activate(ctx, "")
}

// Install prepares the current generation and marks the worker ready to activate.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.install(ctx, w.Version())
}

// Activate purges all stale generations and then claims clients.
// Clients are only claimed once every purge has completed.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activate(ctx, "")
}

// Update supersedes the current generation with a new version tag.
// The previous generation is purged along with any other stale one,
// but only once every other purge has succeeded.
// Stored responses queued for the previous version are dropped.
// If activation fails, the previous version stays current with its entries.
func (w *Worker) Update(ctx context.Context, version string) error {
	if version == "" {
		return fmt.Errorf("%w: no version tag", ErrInvalidConfig)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	previousVersion, previous, previousState := w.Version(), w.current, w.state
	if err := w.install(ctx, version); err != nil {
		return err
	}
	if err := w.activate(ctx, previousVersion); err != nil {
		w.version.Store(previousVersion)
		w.current = previous
		w.state = previousState
		return err
	}
	return nil
}

// Generations lists the names of all stored cache generations.
func (w *Worker) Generations(ctx context.Context) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.storage.Keys(ctx)
}

// Entries returns the cache keys stored in the named generation.
// An unknown generation has no entries.
func (w *Worker) Entries(ctx context.Context, name string) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	gen, err := w.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}
	return gen.Entries(ctx)
}

// install must be called with mu held.
func (w *Worker) install(ctx context.Context, version string) error {
	if w.state == StateRedundant {
		return ErrClosed
	}
	w.state = StateInstalling
	log := w.log.With().Str("version", version).Logger()
	log.Debug().Msg("Installing")

	gen, err := w.storage.Open(ctx, version)
	if err != nil {
		w.state = StateParsed
		return fmt.Errorf("open generation %s: %w", version, err)
	}
	w.current = gen
	w.version.Store(version)
	w.state = StateInstalled
	log.Debug().Msg("Installed, skipping wait")
	return nil
}

// activate must be called with mu held.
// The generation named last is deleted after all other stale ones,
// so a failed purge leaves it intact.
func (w *Worker) activate(ctx context.Context, last string) error {
	switch w.state {
	case StateRedundant:
		return ErrClosed
	case StateInstalled, StateActivated:
	default:
		return ErrNotInstalled
	}
	version := w.Version()
	log := w.log.With().Str("version", version).Logger()
	w.state = StateActivating
	log.Debug().Msg("Activating")

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.state = StateInstalled
		return fmt.Errorf("list generations: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	hasLast := false
	for _, name := range names {
		if name == version {
			continue
		}
		if last != "" && name == last {
			hasLast = true
			continue
		}
		name := name
		g.Go(func() error {
			if _, err := w.storage.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete generation %s: %w", name, err)
			}
			log.Info().Str("stale", name).Msg("Deleted stale cache generation")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.state = StateInstalled
		return err
	}
	if hasLast {
		if _, err := w.storage.Delete(ctx, last); err != nil {
			w.state = StateInstalled
			return fmt.Errorf("delete generation %s: %w", last, err)
		}
		log.Info().Str("stale", last).Msg("Deleted previous cache generation")
	}

	// claim clients
	w.state = StateActivated
	w.controlling.Store(true)
	log.Info().Msg("Activated and controlling clients")
	return nil
}
