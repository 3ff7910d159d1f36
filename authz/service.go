// Copyright 2026 The Postkit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/postkit/postkit-core/audit"
)

// DefaultMembershipRelations are the relations that form the transitive
// group-membership graph unless overridden in Options.
var DefaultMembershipRelations = []string{"member", "admin", "owner"}

// Options configures the engine.
//
// Purpose: Engine knobs recognized across all tenants.
// Domain: Authz
type Options struct {
	// MaxIdentifierLength rejects longer type/id/permission strings.
	// Defaults to DefaultMaxIdentifierLength.
	MaxIdentifierLength int

	// GroupMembershipRelations are the relations that participate in
	// transitive group resolution. Defaults to DefaultMembershipRelations.
	GroupMembershipRelations []string

	// DefaultHierarchyScope is the namespace SetHierarchy writes into when
	// the session does not specify one. Empty means the session's tenant.
	DefaultHierarchyScope string

	// Metrics receives operation counts. Nil disables recording.
	Metrics MetricsRecorder
}

func (o Options) withDefaults() Options {
	if o.MaxIdentifierLength <= 0 {
		o.MaxIdentifierLength = DefaultMaxIdentifierLength
	}
	if len(o.GroupMembershipRelations) == 0 {
		o.GroupMembershipRelations = DefaultMembershipRelations
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	return o
}

// MetricsRecorder receives operation counts from the engine. Implementations
// must be safe for concurrent use.
type MetricsRecorder interface {
	RecordCheck(allowed bool)
	RecordMutation(eventType string)
	RecordCleanup(removed int)
}

type nopMetrics struct{}

func (nopMetrics) RecordCheck(bool)      {}
func (nopMetrics) RecordMutation(string) {}
func (nopMetrics) RecordCleanup(int)     {}

// Service is the authorization engine. It owns no mutable state beyond the
// backing stores and is safe for concurrent use; per-request state lives on
// the Session.
//
// Purpose: Centralized engine for tuple writes and permission resolution.
// Domain: Authz
type Service struct {
	tuples TupleStore
	rules  HierarchyStore
	events audit.Repository
	opts   Options
}

// NewService creates the engine over its three stores.
func NewService(tuples TupleStore, rules HierarchyStore, events audit.Repository, opts Options) *Service {
	return &Service{
		tuples: tuples,
		rules:  rules,
		events: events,
		opts:   opts.withDefaults(),
	}
}

// Options returns the effective engine options.
func (s *Service) Options() Options {
	return s.opts
}

// EnsureAuditPartitions creates the audit partitions for the current month
// and the next monthsAhead months.
func (s *Service) EnsureAuditPartitions(ctx context.Context, monthsAhead int) ([]string, error) {
	created, err := s.events.EnsurePartitions(ctx, monthsAhead)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure audit partitions: %w", err)
	}
	if len(created) > 0 {
		slog.InfoContext(ctx, "created audit partitions", "partitions", created)
	}
	return created, nil
}

// DropAuditPartitions drops audit partitions older than keepMonths.
func (s *Service) DropAuditPartitions(ctx context.Context, keepMonths int) ([]string, error) {
	dropped, err := s.events.DropPartitions(ctx, keepMonths)
	if err != nil {
		return nil, fmt.Errorf("failed to drop audit partitions: %w", err)
	}
	if len(dropped) > 0 {
		slog.InfoContext(ctx, "dropped audit partitions", "partitions", dropped)
	}
	return dropped, nil
}

// Session binds a tenant namespace and returns the per-request handle every
// operation runs through. A Session is not safe for concurrent use; create
// one per request or transaction.
func (s *Service) Session(namespace string) (*Session, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	return &Session{svc: s, ns: namespace}, nil
}

// UnboundSession returns a session with no tenant. Reads return empty
// results and writes fail with ErrNoTenant until SetTenant is called.
func (s *Service) UnboundSession() *Session {
	return &Session{svc: s}
}

// Session carries the ambient state of one logical transaction: the bound
// tenant namespace, the actor context attributed to mutations, and the
// optional viewer identity used by cross-tenant sharing.
type Session struct {
	svc    *Service
	ns     string
	actor  ActorContext
	viewer Entity
}

// SetTenant binds the session to a tenant. All subsequent reads and writes
// are filtered and checked against this tenant.
func (n *Session) SetTenant(namespace string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	n.ns = namespace
	return nil
}

// ClearTenant removes the binding. Subsequent reads return empty results
// and writes are rejected.
func (n *Session) ClearTenant() {
	n.ns = ""
}

// Tenant returns the bound namespace, or "" when unbound.
func (n *Session) Tenant() string {
	return n.ns
}

// SetActor merges the given fields into the actor context. Fields that are
// nil keep their previous value, so request context can be bound before
// authentication and the actor id added after.
func (n *Session) SetActor(u ActorUpdate) {
	if u.ActorID != nil {
		n.actor.ActorID = *u.ActorID
	}
	if u.RequestID != nil {
		n.actor.RequestID = *u.RequestID
	}
	if u.OnBehalfOf != nil {
		n.actor.OnBehalfOf = *u.OnBehalfOf
	}
	if u.Reason != nil {
		n.actor.Reason = *u.Reason
	}
}

// ClearActor removes all actor fields.
func (n *Session) ClearActor() {
	n.actor = ActorContext{}
}

// Actor returns the actor context currently in force.
func (n *Session) Actor() ActorContext {
	return n.actor
}

// SetViewer binds the viewer identity used by cross-tenant sharing.
func (n *Session) SetViewer(subject Entity) error {
	if err := n.svc.validateEntity("viewer", subject); err != nil {
		return err
	}
	n.viewer = subject
	return nil
}

// ClearViewer removes the viewer identity. Call at the end of a request so
// pooled sessions do not leak visibility.
func (n *Session) ClearViewer() {
	n.viewer = Entity{}
}

func (n *Session) requireTenant() error {
	if n.ns == "" {
		return ErrNoTenant
	}
	return nil
}

// TupleOption customizes Grant, Revoke and the bulk variants.
type TupleOption func(*tupleSpec)

type tupleSpec struct {
	subjectRelation string
	expiresAt       *time.Time
}

// WithSubjectRelation qualifies the subject as the members of the subject
// holding that relation, e.g. team:eng#admin instead of team:eng.
func WithSubjectRelation(relation string) TupleOption {
	return func(sp *tupleSpec) { sp.subjectRelation = relation }
}

// WithExpiresAt makes the grant time-bound.
func WithExpiresAt(t time.Time) TupleOption {
	return func(sp *tupleSpec) { sp.expiresAt = &t }
}

func applyTupleOptions(opts []TupleOption) tupleSpec {
	var sp tupleSpec
	for _, o := range opts {
		o(&sp)
	}
	return sp
}

// Grant writes a relationship tuple and returns its id. Granting an
// existing tuple is idempotent: the existing id comes back and no audit
// event is emitted.
func (n *Session) Grant(ctx context.Context, permission string, resource, subject Entity, opts ...TupleOption) (int64, error) {
	if err := n.requireTenant(); err != nil {
		return 0, err
	}
	sp := applyTupleOptions(opts)
	if err := n.svc.validateGrantInput(permission, resource, subject, sp.subjectRelation); err != nil {
		return 0, err
	}
	if err := n.svc.rejectSelfMembership(permission, resource, subject); err != nil {
		return 0, err
	}

	id, created, err := n.svc.tuples.Insert(ctx, Tuple{
		Namespace:       n.ns,
		Resource:        resource,
		Relation:        permission,
		Subject:         subject,
		SubjectRelation: sp.subjectRelation,
		ExpiresAt:       sp.expiresAt,
	}, n.actor)
	if err != nil {
		if IsCycle(err) {
			slog.WarnContext(ctx, "grant rejected: membership cycle",
				"namespace", n.ns, "resource", resource.String(), "subject", subject.String(), "relation", permission)
		}
		return 0, err
	}
	if created {
		n.svc.opts.Metrics.RecordMutation(audit.TypeTupleCreated)
	}
	return id, nil
}

// Revoke removes a tuple. It returns true when a tuple existed; revoking a
// nonexistent tuple returns false without error and emits no audit event.
func (n *Session) Revoke(ctx context.Context, permission string, resource, subject Entity, opts ...TupleOption) (bool, error) {
	if err := n.requireTenant(); err != nil {
		return false, err
	}
	sp := applyTupleOptions(opts)
	if err := n.svc.validateGrantInput(permission, resource, subject, sp.subjectRelation); err != nil {
		return false, err
	}

	deleted, err := n.svc.tuples.Delete(ctx, n.ns, resource, permission, subject, sp.subjectRelation, n.actor)
	if err != nil {
		return false, err
	}
	if deleted {
		n.svc.opts.Metrics.RecordMutation(audit.TypeTupleDeleted)
	}
	return deleted, nil
}

// BulkGrant grants one permission on one resource to many subjects.
// Subjects are grouped by type and inserted in one pass per type. Returns
// the number of tuples created.
func (n *Session) BulkGrant(ctx context.Context, permission string, resource Entity, subjects []Entity) (int, error) {
	if err := n.requireTenant(); err != nil {
		return 0, err
	}
	if err := n.svc.validateWord("permission", permission); err != nil {
		return 0, err
	}
	if err := n.svc.validateEntity("resource", resource); err != nil {
		return 0, err
	}
	for _, sub := range subjects {
		if err := n.svc.validateEntity("subject", sub); err != nil {
			return 0, err
		}
		if err := n.svc.rejectSelfMembership(permission, resource, sub); err != nil {
			return 0, err
		}
	}

	byType := make(map[string][]string)
	var order []string
	for _, sub := range subjects {
		if _, seen := byType[sub.Type]; !seen {
			order = append(order, sub.Type)
		}
		byType[sub.Type] = append(byType[sub.Type], sub.ID)
	}

	total := 0
	for _, subjectType := range order {
		count, err := n.svc.tuples.BulkInsert(ctx, n.ns, resource, permission, subjectType, byType[subjectType], n.actor)
		if err != nil {
			return total, err
		}
		total += count
	}
	if total > 0 {
		n.svc.opts.Metrics.RecordMutation(audit.TypeTupleCreated)
	}
	return total, nil
}

// BulkGrantResources grants one permission to a subject on many resources
// of one type. Returns the number of tuples created.
func (n *Session) BulkGrantResources(ctx context.Context, permission, resourceType string, resourceIDs []string, subject Entity, opts ...TupleOption) (int, error) {
	if err := n.requireTenant(); err != nil {
		return 0, err
	}
	sp := applyTupleOptions(opts)
	if err := n.svc.validateWord("permission", permission); err != nil {
		return 0, err
	}
	if err := n.svc.validateWord("resource type", resourceType); err != nil {
		return 0, err
	}
	if err := n.svc.validateEntity("subject", subject); err != nil {
		return 0, err
	}
	if sp.subjectRelation != "" {
		if err := n.svc.validateWord("subject relation", sp.subjectRelation); err != nil {
			return 0, err
		}
	}
	for _, id := range resourceIDs {
		if err := n.svc.validateID("resource id", id); err != nil {
			return 0, err
		}
		if err := n.svc.rejectSelfMembership(permission, Entity{Type: resourceType, ID: id}, subject); err != nil {
			return 0, err
		}
	}

	count, err := n.svc.tuples.BulkInsertResources(ctx, n.ns, resourceType, resourceIDs, permission, subject, sp.subjectRelation, n.actor)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		n.svc.opts.Metrics.RecordMutation(audit.TypeTupleCreated)
	}
	return count, nil
}

// SetExpiration sets or replaces the expiration of an existing grant. A nil
// expiresAt makes the grant permanent. Returns ErrGrantNotFound when the
// grant does not exist.
func (n *Session) SetExpiration(ctx context.Context, permission string, resource, subject Entity, expiresAt *time.Time) error {
	if err := n.requireTenant(); err != nil {
		return err
	}
	if err := n.svc.validateGrantInput(permission, resource, subject, ""); err != nil {
		return err
	}
	if err := n.svc.tuples.UpdateExpiration(ctx, n.ns, resource, permission, subject, expiresAt, n.actor); err != nil {
		return err
	}
	n.svc.opts.Metrics.RecordMutation(audit.TypeTupleUpdated)
	return nil
}

// ClearExpiration makes an existing grant permanent.
func (n *Session) ClearExpiration(ctx context.Context, permission string, resource, subject Entity) error {
	return n.SetExpiration(ctx, permission, resource, subject, nil)
}

// ExtendExpiration adds extension to the grant's current expiration and
// returns the new value. A grant without an expiration is extended from now.
func (n *Session) ExtendExpiration(ctx context.Context, permission string, resource, subject Entity, extension time.Duration) (time.Time, error) {
	if err := n.requireTenant(); err != nil {
		return time.Time{}, err
	}
	if err := n.svc.validateGrantInput(permission, resource, subject, ""); err != nil {
		return time.Time{}, err
	}
	newExpiry, err := n.svc.tuples.ExtendExpiration(ctx, n.ns, resource, permission, subject, extension, n.actor)
	if err != nil {
		return time.Time{}, err
	}
	n.svc.opts.Metrics.RecordMutation(audit.TypeTupleUpdated)
	return newExpiry, nil
}

// ListExpiring returns grants whose expiration falls within the window.
func (n *Session) ListExpiring(ctx context.Context, within time.Duration) ([]ExpiringGrant, error) {
	if n.ns == "" {
		return nil, nil
	}
	return n.svc.tuples.ListExpiring(ctx, n.ns, within)
}

// CleanupExpired removes tuples whose expiration has passed and returns the
// number removed. Expired tuples are already invisible to every query; this
// is storage reclamation only.
func (n *Session) CleanupExpired(ctx context.Context) (int, error) {
	if err := n.requireTenant(); err != nil {
		return 0, err
	}
	removed, err := n.svc.tuples.DeleteExpired(ctx, n.ns, n.actor)
	if err != nil {
		return 0, err
	}
	n.svc.opts.Metrics.RecordCleanup(removed)
	return removed, nil
}

// RevokeAllGrants removes every grant held by a subject, optionally
// restricted to one resource type. Used when deleting an api_key or service
// account. Returns the number of grants revoked.
func (n *Session) RevokeAllGrants(ctx context.Context, subject Entity, resourceType string) (int, error) {
	if err := n.requireTenant(); err != nil {
		return 0, err
	}
	if err := n.svc.validateEntity("subject", subject); err != nil {
		return 0, err
	}
	if resourceType != "" {
		if err := n.svc.validateWord("resource type", resourceType); err != nil {
			return 0, err
		}
	}
	removed, err := n.svc.tuples.DeleteBySubject(ctx, n.ns, subject, resourceType, n.actor)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		n.svc.opts.Metrics.RecordMutation(audit.TypeTupleDeleted)
	}
	return removed, nil
}

// AddHierarchyRule asserts that permission implies another on resources of
// the given type, in the session's tenant namespace. A rule that would make
// the effective DAG cyclic fails with CycleError and leaves the hierarchy
// unchanged.
func (n *Session) AddHierarchyRule(ctx context.Context, resourceType, permission, implies string) error {
	return n.addHierarchyRule(ctx, n.ns, resourceType, permission, implies)
}

func (n *Session) addHierarchyRule(ctx context.Context, ns, resourceType, permission, implies string) error {
	if ns == "" {
		return ErrNoTenant
	}
	if err := n.svc.validateWord("resource type", resourceType); err != nil {
		return err
	}
	if err := n.svc.validateWord("permission", permission); err != nil {
		return err
	}
	if err := n.svc.validateWord("implied permission", implies); err != nil {
		return err
	}
	created, err := n.svc.rules.Add(ctx, ns, resourceType, permission, implies, n.actor)
	if err != nil {
		if IsCycle(err) {
			slog.WarnContext(ctx, "hierarchy rule rejected: cycle",
				"namespace", ns, "resource_type", resourceType, "permission", permission, "implies", implies)
		}
		return err
	}
	if created {
		n.svc.opts.Metrics.RecordMutation(audit.TypeHierarchyRuleAdded)
	}
	return nil
}

// RemoveHierarchyRule withdraws a rule from the session's tenant namespace.
// Removal is strictly structural and never fails on cycles. Returns true
// when the rule existed.
func (n *Session) RemoveHierarchyRule(ctx context.Context, resourceType, permission, implies string) (bool, error) {
	if err := n.requireTenant(); err != nil {
		return false, err
	}
	if err := n.svc.validateWord("resource type", resourceType); err != nil {
		return false, err
	}
	if err := n.svc.validateWord("permission", permission); err != nil {
		return false, err
	}
	if err := n.svc.validateWord("implied permission", implies); err != nil {
		return false, err
	}
	removed, err := n.svc.rules.Remove(ctx, n.ns, resourceType, permission, implies, n.actor)
	if err != nil {
		return false, err
	}
	if removed {
		n.svc.opts.Metrics.RecordMutation(audit.TypeHierarchyRuleRemoved)
	}
	return removed, nil
}

// SetHierarchy defines a linear hierarchy for a resource type: each
// permission implies the next. Rules are written into the engine's default
// hierarchy scope when configured, otherwise into the session's tenant.
func (n *Session) SetHierarchy(ctx context.Context, resourceType string, permissions ...string) error {
	ns := n.svc.opts.DefaultHierarchyScope
	if ns == "" {
		ns = n.ns
	}
	for i := 0; i+1 < len(permissions); i++ {
		if err := n.addHierarchyRule(ctx, ns, resourceType, permissions[i], permissions[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// ClearHierarchy removes every rule for a resource type in the session's
// tenant namespace and returns the number removed.
func (n *Session) ClearHierarchy(ctx context.Context, resourceType string) (int, error) {
	if err := n.requireTenant(); err != nil {
		return 0, err
	}
	if err := n.svc.validateWord("resource type", resourceType); err != nil {
		return 0, err
	}
	removed, err := n.svc.rules.Clear(ctx, n.ns, resourceType, n.actor)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		n.svc.opts.Metrics.RecordMutation(audit.TypeHierarchyCleared)
	}
	return removed, nil
}

// GetAuditEvents returns the tenant's audit events matching the filter,
// newest first, total-ordered by (event_time, event_id).
func (n *Session) GetAuditEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if n.ns == "" {
		return nil, nil
	}
	events, err := n.svc.events.List(ctx, n.ns, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// Stats returns namespace statistics for monitoring.
func (n *Session) Stats(ctx context.Context) (Stats, error) {
	if n.ns == "" {
		return Stats{}, nil
	}
	return n.svc.tuples.CountStats(ctx, n.ns)
}

func (s *Service) validateGrantInput(permission string, resource, subject Entity, subjectRelation string) error {
	if err := s.validateWord("permission", permission); err != nil {
		return err
	}
	if err := s.validateEntity("resource", resource); err != nil {
		return err
	}
	if err := s.validateEntity("subject", subject); err != nil {
		return err
	}
	if subjectRelation != "" {
		if err := s.validateWord("subject relation", subjectRelation); err != nil {
			return err
		}
	}
	return nil
}

// rejectSelfMembership rejects a membership-style grant of a group to
// itself before it reaches the store.
func (s *Service) rejectSelfMembership(relation string, resource, subject Entity) error {
	if resource == subject && slices.Contains(s.opts.GroupMembershipRelations, relation) {
		return &CycleError{Kind: CycleMembership, Path: []string{subject.String(), resource.String()}}
	}
	return nil
}

func (s *Service) membershipRelations() []string {
	return s.opts.GroupMembershipRelations
}
