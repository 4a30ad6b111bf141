// Package ledger holds the authoritative membership state of every pod.
//
// Each pod lives in its own entry guarded by a sync.RWMutex: reads
// (GetRole, Snapshot, Authorize) share the lock, transitions take it
// exclusively. Entries are loaded lazily from the PodRepository and a
// transition is written to the repository before it becomes visible, so
// a failed write leaves the in-memory copy untouched.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/authority"
	"github.com/lalith-99/podsync/internal/clock"
	"github.com/lalith-99/podsync/internal/models"
	"github.com/lalith-99/podsync/internal/observ"
	"github.com/lalith-99/podsync/internal/repository"
	"go.uber.org/zap"
)

// Change describes an applied transition. It is handed to the Hook while
// the pod's write lock is still held.
type Change struct {
	Pod        models.Pod
	Transition models.Transition
	Audit      models.AuditEntry
	// Previous is the subject's role before the transition.
	Previous models.Role
}

// Hook runs after a transition is persisted and swapped in, before the
// pod's write lock is released. Anything it does is ordered with respect
// to every other transition and chat publish on the same pod. A Hook
// must not call back into the Ledger for the same pod.
//
// Hook errors are logged; the transition has already happened.
type Hook func(ctx context.Context, change Change) error

type Ledger struct {
	repo   repository.PodRepository
	rules  authority.Authority
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.Mutex
	pods map[uuid.UUID]*entry
}

func New(repo repository.PodRepository, rules authority.Authority, clk clock.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		rules:  rules,
		clock:  clk,
		logger: logger.Named("ledger"),
		pods:   make(map[uuid.UUID]*entry),
	}
}

// Create registers a new ACTIVE pod with ownerID as its owner.
func (l *Ledger) Create(ctx context.Context, name string, scope models.Scope, ownerID uuid.UUID) (*models.Pod, error) {
	name = strings.TrimSpace(name)
	if name == "" || !scope.Valid() {
		return nil, fmt.Errorf("create pod: %w", ErrInvalidPod)
	}

	pod := models.Pod{
		ID:        uuid.New(),
		Name:      name,
		Scope:     scope,
		OwnerID:   ownerID,
		Status:    models.PodActive,
		CreatedAt: l.clock.Now(),
	}
	if err := l.repo.Create(ctx, &pod); err != nil {
		return nil, fmt.Errorf("create pod: %w", err)
	}

	e := newEntry(pod, []models.MembershipRecord{
		{PodID: pod.ID, UserID: ownerID, Role: models.RoleOwner},
	})

	l.mu.Lock()
	l.pods[pod.ID] = e
	l.mu.Unlock()

	snap := e.snapshot()
	l.logger.Info("pod created",
		zap.String("pod_id", pod.ID.String()),
		zap.String("owner_id", ownerID.String()),
		zap.String("scope", string(scope)),
	)
	return &snap, nil
}

// ErrInvalidPod is returned by Create for an empty name or unknown scope.
var ErrInvalidPod = errors.New("pod needs a name and a valid scope")

// GetRole returns userID's role in podID. A missing or deleted pod gives
// RoleNone together with ErrNotFound.
func (l *Ledger) GetRole(ctx context.Context, podID, userID uuid.UUID) (models.Role, error) {
	role := models.RoleNone
	err := l.read(ctx, podID, func(e *entry) error {
		if !e.active() {
			return models.ErrNotFound
		}
		role = e.roleOf(userID)
		return nil
	})
	return role, err
}

// Snapshot returns a copy of the pod. Deleted pods are not found.
func (l *Ledger) Snapshot(ctx context.Context, podID uuid.UUID) (*models.Pod, error) {
	var snap models.Pod
	err := l.read(ctx, podID, func(e *entry) error {
		if !e.active() {
			return models.ErrNotFound
		}
		snap = e.snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Record returns userID's membership record, or nil if the user has never
// been in the pod.
func (l *Ledger) Record(ctx context.Context, podID, userID uuid.UUID) (*models.MembershipRecord, error) {
	var rec *models.MembershipRecord
	err := l.read(ctx, podID, func(e *entry) error {
		if r, ok := e.records[userID]; ok {
			rec = &r
		}
		return nil
	})
	return rec, err
}

// Audit returns the pod's audit trail, oldest first.
func (l *Ledger) Audit(ctx context.Context, podID uuid.UUID) ([]models.AuditEntry, error) {
	if err := l.read(ctx, podID, func(*entry) error { return nil }); err != nil {
		return nil, err
	}
	entries, err := l.repo.ListAudit(ctx, podID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}

// Authorize runs fn while holding podID's read lock, after checking that
// userID may publish chat. No transition on this node can interleave
// with fn, so a kick either lands before the check or after fn returns.
//
// The cached entry is checked against the stored version first and
// reloaded when another node has changed the pod since it was cached.
func (l *Ledger) Authorize(ctx context.Context, podID, userID uuid.UUID, fn func() error) error {
	for {
		stale := false
		err := l.read(ctx, podID, func(e *entry) error {
			stored, ok, err := l.repo.Version(ctx, podID)
			if err != nil {
				return fmt.Errorf("check pod version: %w", err)
			}
			if !ok || stored != e.header.Version {
				stale = true
				return nil
			}
			snap := e.snapshot()
			if err := authority.CanPublish(&snap, userID); err != nil {
				return err
			}
			return fn()
		})
		if !stale {
			return err
		}
		l.logger.Debug("reloading stale pod", zap.String("pod_id", podID.String()))
		l.Invalidate(podID)
	}
}

// Apply checks t against the rules and, if allowed, persists and applies
// it. hook may be nil.
//
// The returned bool reports whether anything changed. A request that is
// already satisfied (joining twice, promoting an admin) returns the
// current pod, false and a nil error; it writes no audit entry and does
// not run the hook.
func (l *Ledger) Apply(ctx context.Context, podID uuid.UUID, t models.Transition, hook Hook) (*models.Pod, bool, error) {
	var (
		result  models.Pod
		applied bool
	)
	err := l.write(ctx, podID, func(e *entry) error {
		now := l.clock.Now()
		current := e.snapshot()
		subject := t.Subject()

		var subjectRec *models.MembershipRecord
		if r, ok := e.records[subject]; ok {
			subjectRec = &r
		}

		if err := l.rules.Check(&current, subjectRec, t, now); err != nil {
			if errors.Is(err, authority.ErrNoChange) {
				observ.IncTransition(string(t.Kind), "noop")
				result = current
				return nil
			}
			observ.IncTransition(string(t.Kind), "rejected")
			return err
		}

		header, changed := e.plan(t, now)
		header.Version = e.header.Version + 1

		audit := models.AuditEntry{
			ID:        uuid.New(),
			PodID:     podID,
			Kind:      t.Kind,
			ActorID:   t.ActorID,
			Reason:    t.Reason,
			CreatedAt: now,
		}
		if t.TargetID != uuid.Nil {
			target := t.TargetID
			audit.TargetID = &target
		}

		next := e.preview(header, changed)
		if err := l.repo.SaveTransition(ctx, &next, changed, audit); err != nil {
			observ.IncTransition(string(t.Kind), "failed")
			// The stored version may have moved under us (another node).
			// Drop the entry so the next call reloads it.
			l.evict(podID, e)
			return fmt.Errorf("save transition: %w", err)
		}

		previous := e.roleOf(subject)
		e.commit(header, changed)
		result = e.snapshot()
		applied = true
		observ.IncTransition(string(t.Kind), "applied")

		l.logger.Info("transition applied",
			zap.String("pod_id", podID.String()),
			zap.String("kind", string(t.Kind)),
			zap.String("actor_id", t.ActorID.String()),
			zap.String("subject_id", subject.String()),
			zap.Int64("version", result.Version),
		)

		if hook != nil {
			change := Change{Pod: result, Transition: t, Audit: audit, Previous: previous}
			if err := hook(ctx, change); err != nil {
				observ.IncHookFailure(string(t.Kind))
				l.logger.Error("transition hook failed",
					zap.String("pod_id", podID.String()),
					zap.String("kind", string(t.Kind)),
					zap.Error(err),
				)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, applied, nil
}

// Invalidate drops the cached copy of podID. The next access reloads it
// from the repository. Used when another node reports a change.
func (l *Ledger) Invalidate(podID uuid.UUID) {
	l.mu.Lock()
	e := l.pods[podID]
	l.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	l.evict(podID, e)
}

// evict removes e from the index. The caller holds e.mu for writing.
func (l *Ledger) evict(podID uuid.UUID, e *entry) {
	e.evicted = true
	l.mu.Lock()
	if l.pods[podID] == e {
		delete(l.pods, podID)
	}
	l.mu.Unlock()
}

func (l *Ledger) read(ctx context.Context, podID uuid.UUID, fn func(e *entry) error) error {
	for {
		e, err := l.entry(ctx, podID)
		if err != nil {
			return err
		}
		e.mu.RLock()
		if e.evicted {
			e.mu.RUnlock()
			continue
		}
		err = fn(e)
		e.mu.RUnlock()
		return err
	}
}

func (l *Ledger) write(ctx context.Context, podID uuid.UUID, fn func(e *entry) error) error {
	for {
		e, err := l.entry(ctx, podID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		err = fn(e)
		e.mu.Unlock()
		return err
	}
}

// entry returns the cached entry for podID, loading it on first use.
func (l *Ledger) entry(ctx context.Context, podID uuid.UUID) (*entry, error) {
	l.mu.Lock()
	e := l.pods[podID]
	l.mu.Unlock()
	if e != nil {
		return e, nil
	}

	pod, records, err := l.repo.Load(ctx, podID)
	if err != nil {
		return nil, fmt.Errorf("load pod: %w", err)
	}
	if pod == nil {
		return nil, models.ErrNotFound
	}
	loaded := newEntry(*pod, records)

	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.pods[podID]; e != nil {
		return e, nil
	}
	l.pods[podID] = loaded
	return loaded, nil
}
