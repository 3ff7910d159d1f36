// Copyright 2026 The Postkit Authors
// SPDX-License-Identifier: MIT

package authz

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/postkit/postkit-core/audit"
)

// memStore is an in-memory implementation of TupleStore, HierarchyStore and
// audit.Repository mirroring the semantics of the postgres store: NULL-as-
// distinct tuple identity, idempotent inserts, cycle rejection before
// persistence, expired-tuple invisibility and in-transaction audit events.
type memStore struct {
	membershipRelations []string

	nextTupleID int64
	nextEventID int64
	lastEvent   time.Time

	tuples     []Tuple
	rules      []Rule
	events     []audit.Event
	partitions map[string]bool
}

func newMemStore(membershipRelations ...string) *memStore {
	if len(membershipRelations) == 0 {
		membershipRelations = DefaultMembershipRelations
	}
	now := time.Now().UTC()
	m := &memStore{
		membershipRelations: membershipRelations,
		partitions:          map[string]bool{},
	}
	for i := 0; i <= 1; i++ {
		month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
		m.partitions[audit.PartitionName(month.Year(), int(month.Month()))] = true
	}
	return m
}

func (m *memStore) live(t Tuple) bool {
	return t.ExpiresAt == nil || t.ExpiresAt.After(time.Now())
}

func (m *memStore) record(ev audit.Event) {
	m.nextEventID++
	now := time.Now().UTC()
	if !now.After(m.lastEvent) {
		now = m.lastEvent.Add(time.Nanosecond)
	}
	m.lastEvent = now
	ev.EventID = fmt.Sprintf("%08d-0000-0000-0000-000000000000", m.nextEventID)
	ev.EventTime = now
	ev.SessionUser = "postkit"
	m.events = append(m.events, ev)
}

func actorFields(actor ActorContext) audit.Event {
	return audit.Event{
		ActorID:    actor.ActorID,
		RequestID:  actor.RequestID,
		OnBehalfOf: actor.OnBehalfOf,
		Reason:     actor.Reason,
	}
}

func (m *memStore) tupleEvent(eventType string, t Tuple, actor ActorContext) {
	ev := actorFields(actor)
	ev.Namespace = t.Namespace
	ev.Type = eventType
	ev.ResourceType = t.Resource.Type
	ev.ResourceID = t.Resource.ID
	ev.Relation = t.Relation
	ev.SubjectType = t.Subject.Type
	ev.SubjectID = t.Subject.ID
	ev.SubjectRelation = t.SubjectRelation
	id := t.ID
	ev.TupleID = &id
	ev.ExpiresAt = t.ExpiresAt
	m.record(ev)
}

func sameKey(t Tuple, ns string, resource Entity, relation string, subject Entity, subjectRelation string) bool {
	return t.Namespace == ns &&
		t.Resource == resource &&
		t.Relation == relation &&
		t.Subject == subject &&
		t.SubjectRelation == subjectRelation
}

// reachableGroups walks the same-type unqualified membership edges upward
// from start, matching the cycle check the postgres store runs in-tx.
func (m *memStore) reachableGroups(ns string, start Entity) map[Entity]bool {
	reached := map[Entity]bool{}
	frontier := []Entity{start}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, t := range m.tuples {
			if t.Namespace != ns || !m.live(t) || t.SubjectRelation != "" {
				continue
			}
			if t.Subject != current || t.Resource.Type != t.Subject.Type {
				continue
			}
			if !slices.Contains(m.membershipRelations, t.Relation) {
				continue
			}
			if !reached[t.Resource] {
				reached[t.Resource] = true
				frontier = append(frontier, t.Resource)
			}
		}
	}
	return reached
}

func (m *memStore) Insert(ctx context.Context, t Tuple, actor ActorContext) (int64, bool, error) {
	if t.SubjectRelation == "" &&
		t.Resource.Type == t.Subject.Type &&
		slices.Contains(m.membershipRelations, t.Relation) {
		if m.reachableGroups(t.Namespace, t.Resource)[t.Subject] {
			return 0, false, &CycleError{
				Kind: CycleMembership,
				Path: []string{t.Subject.String(), t.Resource.String(), t.Subject.String()},
			}
		}
	}

	for _, existing := range m.tuples {
		if sameKey(existing, t.Namespace, t.Resource, t.Relation, t.Subject, t.SubjectRelation) {
			return existing.ID, false, nil
		}
	}

	m.nextTupleID++
	t.ID = m.nextTupleID
	t.CreatedAt = time.Now().UTC()
	t.CreatedBy = actor.ActorID
	m.tuples = append(m.tuples, t)
	m.tupleEvent(audit.TypeTupleCreated, t, actor)
	return t.ID, true, nil
}

func (m *memStore) Delete(ctx context.Context, ns string, resource Entity, relation string, subject Entity, subjectRelation string, actor ActorContext) (bool, error) {
	for i, t := range m.tuples {
		if sameKey(t, ns, resource, relation, subject, subjectRelation) {
			m.tuples = append(m.tuples[:i], m.tuples[i+1:]...)
			m.tupleEvent(audit.TypeTupleDeleted, t, actor)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) BulkInsert(ctx context.Context, ns string, resource Entity, relation, subjectType string, subjectIDs []string, actor ActorContext) (int, error) {
	count := 0
	for _, sid := range subjectIDs {
		_, created, err := m.Insert(ctx, Tuple{
			Namespace: ns,
			Resource:  resource,
			Relation:  relation,
			Subject:   Entity{Type: subjectType, ID: sid},
		}, actor)
		if err != nil {
			return count, err
		}
		if created {
			count++
		}
	}
	return count, nil
}

func (m *memStore) BulkInsertResources(ctx context.Context, ns, resourceType string, resourceIDs []string, relation string, subject Entity, subjectRelation string, actor ActorContext) (int, error) {
	count := 0
	for _, rid := range resourceIDs {
		_, created, err := m.Insert(ctx, Tuple{
			Namespace:       ns,
			Resource:        Entity{Type: resourceType, ID: rid},
			Relation:        relation,
			Subject:         subject,
			SubjectRelation: subjectRelation,
		}, actor)
		if err != nil {
			return count, err
		}
		if created {
			count++
		}
	}
	return count, nil
}

func (m *memStore) DeleteBySubject(ctx context.Context, ns string, subject Entity, resourceType string, actor ActorContext) (int, error) {
	count := 0
	kept := m.tuples[:0]
	var removed []Tuple
	for _, t := range m.tuples {
		if t.Namespace == ns && t.Subject == subject && (resourceType == "" || t.Resource.Type == resourceType) {
			removed = append(removed, t)
			count++
			continue
		}
		kept = append(kept, t)
	}
	m.tuples = kept
	for _, t := range removed {
		m.tupleEvent(audit.TypeTupleDeleted, t, actor)
	}
	return count, nil
}

func (m *memStore) UpdateExpiration(ctx context.Context, ns string, resource Entity, relation string, subject Entity, expiresAt *time.Time, actor ActorContext) error {
	for i, t := range m.tuples {
		if sameKey(t, ns, resource, relation, subject, "") {
			m.tuples[i].ExpiresAt = expiresAt
			m.tupleEvent(audit.TypeTupleUpdated, m.tuples[i], actor)
			return nil
		}
	}
	return ErrGrantNotFound
}

func (m *memStore) ExtendExpiration(ctx context.Context, ns string, resource Entity, relation string, subject Entity, extension time.Duration, actor ActorContext) (time.Time, error) {
	for i, t := range m.tuples {
		if sameKey(t, ns, resource, relation, subject, "") {
			base := time.Now().UTC()
			if t.ExpiresAt != nil {
				base = *t.ExpiresAt
			}
			next := base.Add(extension)
			m.tuples[i].ExpiresAt = &next
			m.tupleEvent(audit.TypeTupleUpdated, m.tuples[i], actor)
			return next, nil
		}
	}
	return time.Time{}, ErrGrantNotFound
}

func (m *memStore) DeleteExpired(ctx context.Context, ns string, actor ActorContext) (int, error) {
	count := 0
	kept := m.tuples[:0]
	for _, t := range m.tuples {
		if t.Namespace == ns && t.ExpiresAt != nil && !t.ExpiresAt.After(time.Now()) {
			count++
			continue
		}
		kept = append(kept, t)
	}
	m.tuples = kept
	return count, nil
}

func (m *memStore) DeleteAsViewer(ctx context.Context, ns string, resource Entity, relation string, viewer Entity, actor ActorContext) (bool, error) {
	return m.Delete(ctx, ns, resource, relation, viewer, "", actor)
}

func (m *memStore) ListForResource(ctx context.Context, ns string, resource Entity, relations []string) ([]Tuple, error) {
	var out []Tuple
	for _, t := range m.tuples {
		if t.Namespace != ns || t.Resource != resource || !m.live(t) {
			continue
		}
		if len(relations) > 0 && !slices.Contains(relations, t.Relation) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) ListBySubjects(ctx context.Context, ns, resourceType string, relations []string, subjects []Entity) ([]Tuple, error) {
	var out []Tuple
	for _, t := range m.tuples {
		if t.Namespace != ns || t.Resource.Type != resourceType || !m.live(t) {
			continue
		}
		if len(relations) > 0 && !slices.Contains(relations, t.Relation) {
			continue
		}
		if !slices.Contains(subjects, t.Subject) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) ListForSubject(ctx context.Context, ns string, subject Entity, resourceType string) ([]Tuple, error) {
	var out []Tuple
	for _, t := range m.tuples {
		if t.Namespace != ns || t.Subject != subject || !m.live(t) {
			continue
		}
		if resourceType != "" && t.Resource.Type != resourceType {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) Memberships(ctx context.Context, ns string, subject Entity, membershipRelations []string) ([]Membership, error) {
	seen := map[Membership]bool{}
	var out []Membership
	var frontier []Membership

	add := func(mb Membership) {
		if !seen[mb] {
			seen[mb] = true
			out = append(out, mb)
			frontier = append(frontier, mb)
		}
	}

	for _, t := range m.tuples {
		if t.Namespace == ns && m.live(t) &&
			t.Subject == subject && t.SubjectRelation == "" &&
			slices.Contains(membershipRelations, t.Relation) {
			add(Membership{Group: t.Resource, Relation: t.Relation})
		}
	}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, t := range m.tuples {
			if t.Namespace != ns || !m.live(t) {
				continue
			}
			if t.Subject != current.Group || t.Resource.Type != t.Subject.Type {
				continue
			}
			if t.SubjectRelation != "" && t.SubjectRelation != current.Relation {
				continue
			}
			if !slices.Contains(membershipRelations, t.Relation) {
				continue
			}
			add(Membership{Group: t.Resource, Relation: t.Relation})
		}
	}
	return out, nil
}

func (m *memStore) ListExpiring(ctx context.Context, ns string, within time.Duration) ([]ExpiringGrant, error) {
	now := time.Now()
	var out []ExpiringGrant
	for _, t := range m.tuples {
		if t.Namespace != ns || t.ExpiresAt == nil {
			continue
		}
		if t.ExpiresAt.Before(now) || t.ExpiresAt.After(now.Add(within)) {
			continue
		}
		out = append(out, ExpiringGrant{
			Resource:        t.Resource,
			Relation:        t.Relation,
			Subject:         t.Subject,
			SubjectRelation: t.SubjectRelation,
			ExpiresAt:       *t.ExpiresAt,
		})
	}
	return out, nil
}

func (m *memStore) ListExternal(ctx context.Context, ns string, viewer Entity, resourceType, permission string) ([]ExternalGrant, error) {
	implied := map[string]bool{permission: true}
	for changed := true; changed; {
		changed = false
		for _, r := range m.rules {
			if r.Namespace == NamespaceGlobal && r.ResourceType == resourceType &&
				implied[r.Implies] && !implied[r.Permission] {
				implied[r.Permission] = true
				changed = true
			}
		}
	}

	var out []ExternalGrant
	for _, t := range m.tuples {
		if t.Namespace == ns || t.Subject != viewer || t.SubjectRelation != "" {
			continue
		}
		if t.Resource.Type != resourceType || !implied[t.Relation] || !m.live(t) {
			continue
		}
		out = append(out, ExternalGrant{
			Namespace:  t.Namespace,
			ResourceID: t.Resource.ID,
			Relation:   t.Relation,
			CreatedAt:  t.CreatedAt,
			ExpiresAt:  t.ExpiresAt,
		})
	}
	return out, nil
}

func (m *memStore) CountStats(ctx context.Context, ns string) (Stats, error) {
	var st Stats
	subjects := map[Entity]bool{}
	resources := map[Entity]bool{}
	for _, t := range m.tuples {
		if t.Namespace != ns {
			continue
		}
		st.TupleCount++
		subjects[t.Subject] = true
		resources[t.Resource] = true
	}
	for _, r := range m.rules {
		if r.Namespace == ns {
			st.HierarchyRuleCount++
		}
	}
	st.UniqueSubjects = int64(len(subjects))
	st.UniqueResources = int64(len(resources))
	return st, nil
}

func (m *memStore) VerifyIntegrity(ctx context.Context, ns string, membershipRelations []string) ([]IntegrityIssue, error) {
	issues := []IntegrityIssue{}
	for _, t := range m.tuples {
		if t.Namespace != ns || t.SubjectRelation != "" {
			continue
		}
		if t.Resource.Type != t.Subject.Type || !slices.Contains(membershipRelations, t.Relation) {
			continue
		}
		if t.Resource == t.Subject || m.reachableGroups(ns, t.Resource)[t.Subject] {
			issues = append(issues, IntegrityIssue{
				ResourceType: t.Subject.Type,
				ResourceID:   t.Subject.ID,
				Status:       "membership_cycle",
				Details:      t.Subject.String() + " -> " + t.Resource.String(),
			})
		}
	}
	return issues, nil
}

// HierarchyStore

func (m *memStore) effectiveRules(ns, resourceType string) []Rule {
	var out []Rule
	for _, r := range m.rules {
		if (r.Namespace == ns || r.Namespace == NamespaceGlobal) && r.ResourceType == resourceType {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) ruleEvent(eventType, ns, resourceType, permission, implies string, actor ActorContext) {
	ev := actorFields(actor)
	ev.Namespace = ns
	ev.Type = eventType
	ev.ResourceType = resourceType
	ev.Relation = permission
	if implies != "" {
		ev.SubjectType = "permission"
		ev.SubjectID = implies
	}
	m.record(ev)
}

func (m *memStore) Add(ctx context.Context, ns, resourceType, permission, implies string, actor ActorContext) (bool, error) {
	if reachable(m.effectiveRules(ns, resourceType), implies)[permission] {
		return false, &CycleError{Kind: CycleHierarchy, Path: []string{permission, implies, permission}}
	}
	for _, r := range m.rules {
		if r.Namespace == ns && r.ResourceType == resourceType && r.Permission == permission && r.Implies == implies {
			return false, nil
		}
	}
	m.rules = append(m.rules, Rule{Namespace: ns, ResourceType: resourceType, Permission: permission, Implies: implies})
	m.ruleEvent(audit.TypeHierarchyRuleAdded, ns, resourceType, permission, implies, actor)
	return true, nil
}

func (m *memStore) Remove(ctx context.Context, ns, resourceType, permission, implies string, actor ActorContext) (bool, error) {
	for i, r := range m.rules {
		if r.Namespace == ns && r.ResourceType == resourceType && r.Permission == permission && r.Implies == implies {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			m.ruleEvent(audit.TypeHierarchyRuleRemoved, ns, resourceType, permission, implies, actor)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Clear(ctx context.Context, ns, resourceType string, actor ActorContext) (int, error) {
	count := 0
	kept := m.rules[:0]
	for _, r := range m.rules {
		if r.Namespace == ns && r.ResourceType == resourceType {
			count++
			continue
		}
		kept = append(kept, r)
	}
	m.rules = kept
	if count > 0 {
		m.ruleEvent(audit.TypeHierarchyCleared, ns, resourceType, "", "", actor)
	}
	return count, nil
}

func (m *memStore) Effective(ctx context.Context, ns, resourceType string) ([]Rule, error) {
	return m.effectiveRules(ns, resourceType), nil
}

// audit.Repository

func (m *memStore) List(ctx context.Context, ns string, f audit.Filter) ([]audit.Event, error) {
	var out []audit.Event
	for _, e := range m.events {
		if e.Namespace != ns {
			continue
		}
		if f.Type != nil && e.Type != *f.Type {
			continue
		}
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.Resource != nil && (e.ResourceType != f.Resource[0] || e.ResourceID != f.Resource[1]) {
			continue
		}
		if f.Subject != nil && (e.SubjectType != f.Subject[0] || e.SubjectID != f.Subject[1]) {
			continue
		}
		if f.Since != nil && e.EventTime.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.EventTime.After(*f.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.After(out[j].EventTime)
		}
		return out[i].EventID > out[j].EventID
	})
	if f.AfterCursor != nil {
		cut := len(out)
		for i, e := range out {
			if e.EventTime.Before(f.AfterCursor.EventTime) ||
				(e.EventTime.Equal(f.AfterCursor.EventTime) && e.EventID < f.AfterCursor.EventID) {
				cut = i
				break
			}
		}
		out = out[cut:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreatePartition(ctx context.Context, year, month int) (string, error) {
	if month < 1 || month > 12 {
		return "", &ValidationError{Field: "month", Value: strconv.Itoa(month), Reason: "must be between 1 and 12"}
	}
	name := audit.PartitionName(year, month)
	if m.partitions[name] {
		return "", nil
	}
	m.partitions[name] = true
	return name, nil
}

func (m *memStore) EnsurePartitions(ctx context.Context, monthsAhead int) ([]string, error) {
	created := []string{}
	month := time.Now().UTC()
	for i := 0; i <= monthsAhead; i++ {
		name, err := m.CreatePartition(ctx, month.Year(), int(month.Month()))
		if err != nil {
			return created, err
		}
		if name != "" {
			created = append(created, name)
		}
		month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return created, nil
}

func (m *memStore) DropPartitions(ctx context.Context, keepMonths int) ([]string, error) {
	now := time.Now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -keepMonths, 0)
	var names []string
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)

	dropped := []string{}
	for _, name := range names {
		var year, month int
		if _, err := fmt.Sscanf(name, "audit_events_y%4dm%2d", &year, &month); err != nil {
			continue
		}
		if time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Before(cutoff) {
			delete(m.partitions, name)
			dropped = append(dropped, name)
		}
	}
	return dropped, nil
}

// newTestService wires a Service over a fresh memStore.
func newTestService(opts Options) (*Service, *memStore) {
	store := newMemStore(opts.GroupMembershipRelations...)
	return NewService(store, store, store, opts), store
}
