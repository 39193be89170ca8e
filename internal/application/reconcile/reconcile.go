// Package reconcile publica el estado local de la instancia en el store
// compartido y trae el de las demás instancias como vista de solo lectura.
//
// Cada instancia escribe únicamente claves con su propio instance id, así que
// los writers concurrentes nunca tocan la misma clave.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
	"github.com/alejandrodnm/polytrader/internal/ports"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
	defaultTimeout  = 5 * time.Second
)

// Config holds the sync settings.
type Config struct {
	InstanceID string
	Peers      []string // vacío = todas las instancias registradas
	Attempts   int
	Backoff    time.Duration
	Timeout    time.Duration // por llamada al store
}

// Reconciler pushes local state and pulls peers. Safe for concurrent use.
type Reconciler struct {
	store ports.SharedStore
	cfg   Config
	now   func() time.Time

	mu           sync.Mutex
	pushedClosed map[string]bool
	pushedAct    map[string]bool
	view         domain.PeerView
	lastPush     time.Time
	lastErr      error
}

// New creates a reconciler. now may be nil.
func New(store ports.SharedStore, cfg Config, now func() time.Time) *Reconciler {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:        store,
		cfg:          cfg,
		now:          now,
		pushedClosed: make(map[string]bool),
		pushedAct:    make(map[string]bool),
		view:         domain.PeerView{Instances: make(map[string]domain.InstanceSnapshot)},
	}
}

// Push upserts the local snapshot under this instance's keys. Open-trade rows
// of positions that are no longer open are deleted; closed trades and
// activity rows are append-only and written once.
func (r *Reconciler) Push(ctx context.Context, local domain.InstanceSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.push(ctx, local)
	r.lastErr = err
	if err != nil {
		return err
	}
	r.lastPush = r.now().UTC()
	return nil
}

func (r *Reconciler) push(ctx context.Context, local domain.InstanceSnapshot) error {
	id := r.cfg.InstanceID
	now := r.now().UTC()

	state := local.State
	state.InstanceID = id
	stateRec, err := record(id, domain.RecordState, id, state, now)
	if err != nil {
		return fmt.Errorf("reconcile.Push: %w", err)
	}
	recs := []domain.ReconciliationRecord{stateRec}

	openKeys := make(map[string]bool, len(local.Open))
	for _, p := range local.Open {
		rec, err := record(id, domain.RecordOpenTrade, p.TradeID, p, now)
		if err != nil {
			return fmt.Errorf("reconcile.Push: %w", err)
		}
		recs = append(recs, rec)
		openKeys[p.TradeID] = true
	}

	var newClosed, newAct []string
	for _, p := range local.Closed {
		if r.pushedClosed[p.TradeID] {
			continue
		}
		rec, err := record(id, domain.RecordClosedTrade, p.TradeID, p, now)
		if err != nil {
			return fmt.Errorf("reconcile.Push: %w", err)
		}
		recs = append(recs, rec)
		newClosed = append(newClosed, p.TradeID)
	}
	for _, e := range local.Activity {
		if e.ID == "" || r.pushedAct[e.ID] {
			continue
		}
		rec, err := record(id, domain.RecordActivity, e.ID, e, now)
		if err != nil {
			return fmt.Errorf("reconcile.Push: %w", err)
		}
		recs = append(recs, rec)
		newAct = append(newAct, e.ID)
	}
	for market, cat := range local.Categories {
		rec, err := record(id, domain.RecordCategory, market, cat, now)
		if err != nil {
			return fmt.Errorf("reconcile.Push: %w", err)
		}
		recs = append(recs, rec)
	}
	blacklisted := make(map[string]bool, len(local.Blacklist))
	for _, market := range local.Blacklist {
		rec, err := record(id, domain.RecordBlacklist, market, true, now)
		if err != nil {
			return fmt.Errorf("reconcile.Push: %w", err)
		}
		recs = append(recs, rec)
		blacklisted[market] = true
	}

	if err := r.retry(ctx, "upsert", func(ctx context.Context) error {
		return r.store.Upsert(ctx, recs...)
	}); err != nil {
		return fmt.Errorf("reconcile.Push: %w", err)
	}
	for _, k := range newClosed {
		r.pushedClosed[k] = true
	}
	for _, k := range newAct {
		r.pushedAct[k] = true
	}

	if err := r.prune(ctx, domain.RecordOpenTrade, openKeys); err != nil {
		return fmt.Errorf("reconcile.Push: %w", err)
	}
	if err := r.prune(ctx, domain.RecordBlacklist, blacklisted); err != nil {
		return fmt.Errorf("reconcile.Push: %w", err)
	}
	return nil
}

// prune deletes this instance's rows of kind whose key is not in keep.
func (r *Reconciler) prune(ctx context.Context, kind domain.RecordKind, keep map[string]bool) error {
	var stored []string
	if err := r.retry(ctx, "keys "+string(kind), func(ctx context.Context) error {
		var err error
		stored, err = r.store.Keys(ctx, r.cfg.InstanceID, kind)
		return err
	}); err != nil {
		return err
	}
	var stale []string
	for _, k := range stored {
		if !keep[k] {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return r.retry(ctx, "delete "+string(kind), func(ctx context.Context) error {
		return r.store.Delete(ctx, r.cfg.InstanceID, kind, stale...)
	})
}

// Pull fetches every peer instance and replaces the read-only peer view.
// A peer whose records cannot be decoded is skipped and logged.
func (r *Reconciler) Pull(ctx context.Context) (domain.PeerView, error) {
	ids := r.cfg.Peers
	if len(ids) == 0 {
		if err := r.retry(ctx, "list instances", func(ctx context.Context) error {
			var err error
			ids, err = r.store.ListInstances(ctx)
			return err
		}); err != nil {
			r.setErr(err)
			return r.Peers(), fmt.Errorf("reconcile.Pull: %w", err)
		}
	}

	view := domain.PeerView{Instances: make(map[string]domain.InstanceSnapshot), PulledAt: r.now().UTC()}
	for _, id := range ids {
		if id == r.cfg.InstanceID {
			continue
		}
		var recs []domain.ReconciliationRecord
		if err := r.retry(ctx, "load "+id, func(ctx context.Context) error {
			var err error
			recs, err = r.store.Load(ctx, id)
			return err
		}); err != nil {
			r.setErr(err)
			return r.Peers(), fmt.Errorf("reconcile.Pull: %w", err)
		}
		if len(recs) == 0 {
			continue
		}
		snap, err := Decode(id, recs)
		if err != nil {
			slog.Warn("reconcile: skipping undecodable peer", "instance", id, "err", err)
			continue
		}
		view.Instances[id] = snap
	}

	r.mu.Lock()
	r.view = view
	r.lastErr = nil
	r.mu.Unlock()
	return clonePeers(view), nil
}

// Sync pushes then pulls. Failures are logged and returned but never leave
// local state modified.
func (r *Reconciler) Sync(ctx context.Context, local domain.InstanceSnapshot) error {
	var errs []error
	if err := r.Push(ctx, local); err != nil {
		slog.Warn("reconcile: push failed, continuing without sync", "err", err)
		errs = append(errs, err)
	}
	if _, err := r.Pull(ctx); err != nil {
		slog.Warn("reconcile: pull failed, keeping previous peer view", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Peers returns a copy of the last pulled peer view.
func (r *Reconciler) Peers() domain.PeerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePeers(r.view)
}

// PeerIDs returns the ids in the last peer view, sorted.
func (r *Reconciler) PeerIDs() []string {
	view := r.Peers()
	ids := make([]string, 0, len(view.Instances))
	for id := range view.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status reports the last successful push time and the last sync error.
func (r *Reconciler) Status() (lastPush time.Time, lastErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPush, r.lastErr
}

func (r *Reconciler) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// retry runs fn with a per-attempt timeout and exponential backoff.
func (r *Reconciler) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		slog.Debug("reconcile: store call failed", "op", op, "attempt", attempt+1, "err", err)
		if attempt == r.cfg.Attempts-1 {
			break
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * r.cfg.Backoff
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.cfg.Attempts, err)
}

func clonePeers(v domain.PeerView) domain.PeerView {
	out := domain.PeerView{Instances: make(map[string]domain.InstanceSnapshot, len(v.Instances)), PulledAt: v.PulledAt}
	for k, s := range v.Instances {
		out.Instances[k] = s
	}
	return out
}
