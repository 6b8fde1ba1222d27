package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"soauth.org/internal/obs"
)

const defaultOracleTimeout = 5 * time.Second

// Oracle answers whether a user is currently a member of an organization.
type Oracle interface {
	IsMember(ctx context.Context, user User, org string) (bool, error)
}

// MembershipState is the oracle's answer for one organization.
type MembershipState int

const (
	MembershipUnknown MembershipState = iota
	MembershipMember
	MembershipNotMember
)

func (s MembershipState) String() string {
	switch s {
	case MembershipMember:
		return "member"
	case MembershipNotMember:
		return "not_member"
	default:
		return "unknown"
	}
}

// Memberships maps organization name to the oracle answer.
type Memberships map[string]MembershipState

// Degraded reports whether any organization could not be answered.
func (m Memberships) Degraded() bool {
	for _, s := range m {
		if s == MembershipUnknown {
			return true
		}
	}
	return false
}

// Delta lists what one Apply changed.
type Delta struct {
	GrantsAdded   []string `json:"grants_added,omitempty"`
	GrantsRemoved []string `json:"grants_removed,omitempty"`
	GroupsJoined  []string `json:"groups_joined,omitempty"`
	GroupsLeft    []string `json:"groups_left,omitempty"`
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.GrantsAdded)+len(d.GrantsRemoved)+len(d.GroupsJoined)+len(d.GroupsLeft) == 0
}

// Reconciler keeps organization grants and groups in line with the oracle.
// Only the configured organizations are ever touched.
type Reconciler struct {
	store   Store
	oracle  Oracle
	orgs    []string
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithOracleTimeout bounds the whole oracle fan-out of one reconciliation.
func WithOracleTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReconciler builds a reconciler for orgs. A nil oracle reports every
// organization as unknown, so Reconcile never changes anything.
func NewReconciler(store Store, oracle Oracle, orgs []string, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:   store,
		oracle:  oracle,
		timeout: defaultOracleTimeout,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("soauth.org/internal/auth"),
	}
	seen := make(map[string]struct{}, len(orgs))
	for _, org := range orgs {
		org = strings.ToLower(strings.TrimSpace(org))
		if org == "" {
			continue
		}
		if _, ok := seen[org]; ok {
			continue
		}
		seen[org] = struct{}{}
		r.orgs = append(r.orgs, org)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Organizations returns the configured organization names.
func (r *Reconciler) Organizations() []string {
	return append([]string(nil), r.orgs...)
}

// EnsureGroups creates a group for every configured organization. It makes
// no external calls and is safe to run on every start.
func (r *Reconciler) EnsureGroups(ctx context.Context) error {
	for _, org := range r.orgs {
		if _, _, err := ensureGroup(ctx, r.store, org); err != nil {
			return fmt.Errorf("auth: ensure group %s: %w", org, err)
		}
	}
	return nil
}

func ensureGroup(ctx context.Context, store Store, name string) (*Group, bool, error) {
	groups := store.Groups(ctx)
	g, err := groups.FindByName(ctx, name)
	if err == nil {
		return g, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	g = &Group{Name: name}
	if err := groups.Create(ctx, g); err != nil {
		if errors.Is(err, ErrConflict) {
			g, err = groups.FindByName(ctx, name)
			return g, false, err
		}
		return nil, false, err
	}
	return g, true, nil
}

// FromOrganizations converts the organization list returned with a provider
// identity into memberships for the configured organizations.
func (r *Reconciler) FromOrganizations(orgs []string) Memberships {
	held := make(map[string]struct{}, len(orgs))
	for _, o := range orgs {
		held[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	m := make(Memberships, len(r.orgs))
	for _, org := range r.orgs {
		if _, ok := held[org]; ok {
			m[org] = MembershipMember
		} else {
			m[org] = MembershipNotMember
		}
	}
	return m
}

// Query asks the oracle about every configured organization concurrently.
// Organizations that fail or exceed the timeout are reported as unknown.
func (r *Reconciler) Query(ctx context.Context, user User) Memberships {
	m := make(Memberships, len(r.orgs))
	for _, org := range r.orgs {
		m[org] = MembershipUnknown
	}
	if r.oracle == nil || len(r.orgs) == 0 {
		return m
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]MembershipState, len(r.orgs))
	var g errgroup.Group
	for i, org := range r.orgs {
		g.Go(func() error {
			started := time.Now()
			member, err := r.oracle.IsMember(ctx, user, org)
			if err != nil {
				obs.ObserveOracle("error", time.Since(started))
				r.logger.Warn("membership.oracle_failed",
					zap.String("user", user.Username),
					zap.String("org", org),
					zap.Error(errors.Join(ErrOracleTimeout, err)),
				)
				return nil
			}
			obs.ObserveOracle("ok", time.Since(started))
			if member {
				results[i] = MembershipMember
			} else {
				results[i] = MembershipNotMember
			}
			return nil
		})
	}
	_ = g.Wait()
	for i, org := range r.orgs {
		m[org] = results[i]
	}
	return m
}

// Apply writes the grant and group changes implied by m in one transaction.
// Unknown organizations are left untouched.
func (r *Reconciler) Apply(ctx context.Context, userID string, m Memberships) (Delta, error) {
	var delta Delta
	err := r.store.WithinTx(ctx, func(tx Store) error {
		delta = Delta{}
		users := tx.Users(ctx)
		groups := tx.Groups(ctx)
		for _, org := range r.orgs {
			state := m[org]
			if state == MembershipUnknown {
				continue
			}
			group, _, err := ensureGroup(ctx, tx, org)
			if err != nil {
				return err
			}
			switch state {
			case MembershipMember:
				added, err := users.AddGrant(ctx, userID, org)
				if err != nil {
					return err
				}
				if added {
					delta.GrantsAdded = append(delta.GrantsAdded, org)
				}
				joined, err := groups.AddMember(ctx, group.ID, userID)
				if err != nil {
					return err
				}
				if joined {
					delta.GroupsJoined = append(delta.GroupsJoined, org)
				}
			case MembershipNotMember:
				removed, err := users.RemoveGrant(ctx, userID, org)
				if err != nil {
					return err
				}
				if removed {
					delta.GrantsRemoved = append(delta.GrantsRemoved, org)
				}
				left, err := groups.RemoveMember(ctx, group.ID, userID)
				if err != nil {
					return err
				}
				if left {
					delta.GroupsLeft = append(delta.GroupsLeft, org)
				}
			}
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}
	return delta, nil
}

// Reconcile queries the oracle for user and applies the result. A degraded
// oracle answer is logged and only the known organizations are applied.
func (r *Reconciler) Reconcile(ctx context.Context, user User) (Delta, error) {
	ctx, span := r.tracer.Start(ctx, "auth.Reconcile", trace.WithAttributes(
		attribute.String("user.id", user.ID),
	))
	defer span.End()

	m := r.Query(ctx, user)
	delta, err := r.ApplyAndRecord(ctx, user, m)
	if err != nil {
		span.RecordError(err)
	}
	return delta, err
}

// ApplyAndRecord applies m and records the outcome in logs and metrics.
func (r *Reconciler) ApplyAndRecord(ctx context.Context, user User, m Memberships) (Delta, error) {
	delta, err := r.Apply(ctx, user.ID, m)
	switch {
	case err != nil:
		obs.ObserveReconcile("error")
		r.logger.Error("membership.reconcile_failed", zap.String("user", user.Username), zap.Error(err))
		return Delta{}, err
	case m.Degraded():
		obs.ObserveReconcile("degraded")
		r.logger.Warn("membership.degraded", zap.String("user", user.Username), zap.Error(ErrOracleTimeout))
	case delta.Empty():
		obs.ObserveReconcile("unchanged")
	default:
		obs.ObserveReconcile("applied")
	}
	if !delta.Empty() {
		r.logger.Info("membership.reconciled",
			zap.String("user", user.Username),
			zap.Strings("grants_added", delta.GrantsAdded),
			zap.Strings("grants_removed", delta.GrantsRemoved),
		)
	}
	return delta, nil
}
