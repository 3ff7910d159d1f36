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
	"slices"
	"sort"
	"strings"
)

// Check reports whether the subject has the permission on the resource. A
// subject has a permission when a direct grant, a stronger grant through
// the effective hierarchy, or a transitive group membership provides at
// least one path. Absence of any path is false, never an error.
func (n *Session) Check(ctx context.Context, subject Entity, permission string, resource Entity) (bool, error) {
	if n.ns == "" {
		return false, nil
	}
	allowed, err := n.svc.check(ctx, n.ns, subject, permission, resource)
	if err != nil {
		return false, err
	}
	n.svc.opts.Metrics.RecordCheck(allowed)
	return allowed, nil
}

// CheckAny reports whether the subject has at least one of the permissions.
// An empty permission list is false.
func (n *Session) CheckAny(ctx context.Context, subject Entity, permissions []string, resource Entity) (bool, error) {
	for _, p := range permissions {
		ok, err := n.Check(ctx, subject, p, resource)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CheckAll reports whether the subject has every one of the permissions.
// An empty permission list is vacuously true.
func (n *Session) CheckAll(ctx context.Context, subject Entity, permissions []string, resource Entity) (bool, error) {
	for _, p := range permissions {
		ok, err := n.Check(ctx, subject, p, resource)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) check(ctx context.Context, ns string, subject Entity, permission string, resource Entity) (bool, error) {
	cl, err := s.effectiveClosure(ctx, ns, resource.Type, permission)
	if err != nil {
		return false, err
	}
	tuples, err := s.tuples.ListForResource(ctx, ns, resource, cl.Relations())
	if err != nil {
		return false, err
	}

	var groupTuples []Tuple
	for _, t := range tuples {
		if t.SubjectRelation == "" && t.Subject == subject {
			return true, nil
		}
		if t.Subject != subject {
			groupTuples = append(groupTuples, t)
		}
	}
	if len(groupTuples) == 0 {
		return false, nil
	}

	held, err := s.membershipIndex(ctx, ns, subject)
	if err != nil {
		return false, err
	}
	for _, t := range groupTuples {
		if matchesMembership(t, held) {
			return true, nil
		}
	}
	return false, nil
}

// matchesMembership reports whether a group tuple is satisfied by the
// subject's membership index: any relation for an unqualified grant, the
// named relation for a qualified one.
func matchesMembership(t Tuple, held map[Entity]map[string]bool) bool {
	relations, ok := held[t.Subject]
	if !ok {
		return false
	}
	if t.SubjectRelation == "" {
		return true
	}
	return relations[t.SubjectRelation]
}

// membershipIndex expands the subject's transitive memberships into a
// group -> relations-held lookup.
func (s *Service) membershipIndex(ctx context.Context, ns string, subject Entity) (map[Entity]map[string]bool, error) {
	memberships, err := s.tuples.Memberships(ctx, ns, subject, s.membershipRelations())
	if err != nil {
		return nil, err
	}
	held := make(map[Entity]map[string]bool, len(memberships))
	for _, m := range memberships {
		if held[m.Group] == nil {
			held[m.Group] = make(map[string]bool)
		}
		held[m.Group][m.Relation] = true
	}
	return held, nil
}

func (s *Service) effectiveClosure(ctx context.Context, ns, resourceType, permission string) (closure, error) {
	rules, err := s.rules.Effective(ctx, ns, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to load hierarchy rules: %w", err)
	}
	return computeClosure(rules, permission), nil
}

// Explain returns one textual explanation per satisfying path, tagged
// DIRECT, HIERARCHY, GROUP or GROUP+HIERARCHY. Without any path it returns
// the single sentinel "NO ACCESS".
func (n *Session) Explain(ctx context.Context, subject Entity, permission string, resource Entity) ([]string, error) {
	if n.ns == "" {
		return []string{"NO ACCESS"}, nil
	}
	s := n.svc

	cl, err := s.effectiveClosure(ctx, n.ns, resource.Type, permission)
	if err != nil {
		return nil, err
	}
	tuples, err := s.tuples.ListForResource(ctx, n.ns, resource, cl.Relations())
	if err != nil {
		return nil, err
	}

	var paths []string
	var held map[Entity]map[string]bool
	for _, t := range tuples {
		chain := cl[t.Relation]
		if t.SubjectRelation == "" && t.Subject == subject {
			if len(chain) == 1 {
				paths = append(paths, fmt.Sprintf("DIRECT: %s has %s on %s", subject, t.Relation, resource))
			} else {
				paths = append(paths, fmt.Sprintf("HIERARCHY: %s has %s on %s (%s)",
					subject, t.Relation, resource, strings.Join(chain, " -> ")))
			}
			continue
		}
		if t.Subject == subject {
			continue
		}
		if held == nil {
			held, err = s.membershipIndex(ctx, n.ns, subject)
			if err != nil {
				return nil, err
			}
		}
		if !matchesMembership(t, held) {
			continue
		}
		via := t.SubjectRelation
		if via == "" {
			via = firstHeldRelation(held[t.Subject])
		}
		if len(chain) == 1 {
			paths = append(paths, fmt.Sprintf("GROUP: %s is %s of %s which has %s on %s",
				subject, via, t.Subject, t.Relation, resource))
		} else {
			paths = append(paths, fmt.Sprintf("GROUP+HIERARCHY: %s is %s of %s which has %s on %s (%s)",
				subject, via, t.Subject, t.Relation, resource, strings.Join(chain, " -> ")))
		}
	}

	if len(paths) == 0 {
		return []string{"NO ACCESS"}, nil
	}
	return paths, nil
}

func firstHeldRelation(relations map[string]bool) string {
	keys := make([]string, 0, len(relations))
	for r := range relations {
		keys = append(keys, r)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// ListSubjects returns every subject that would satisfy Check for the
// permission on the resource, ordered by (type, id). Pagination uses a
// composite cursor: the next page strictly exceeds it. A partial or
// malformed cursor yields an empty page.
func (n *Session) ListSubjects(ctx context.Context, permission string, resource Entity, limit int, cursor *Entity) ([]Entity, error) {
	if n.ns == "" {
		return nil, nil
	}
	if cursor != nil && (cursor.Type == "" || cursor.ID == "") {
		return nil, nil
	}

	subjects, err := n.svc.listSubjects(ctx, n.ns, permission, resource)
	if err != nil {
		return nil, err
	}

	sort.Slice(subjects, func(i, j int) bool {
		if subjects[i].Type != subjects[j].Type {
			return subjects[i].Type < subjects[j].Type
		}
		return subjects[i].ID < subjects[j].ID
	})

	if cursor != nil {
		cut := sort.Search(len(subjects), func(i int) bool {
			if subjects[i].Type != cursor.Type {
				return subjects[i].Type > cursor.Type
			}
			return subjects[i].ID > cursor.ID
		})
		subjects = subjects[cut:]
	}
	if limit > 0 && len(subjects) > limit {
		subjects = subjects[:limit]
	}
	return subjects, nil
}

func (s *Service) listSubjects(ctx context.Context, ns, permission string, resource Entity) ([]Entity, error) {
	cl, err := s.effectiveClosure(ctx, ns, resource.Type, permission)
	if err != nil {
		return nil, err
	}
	tuples, err := s.tuples.ListForResource(ctx, ns, resource, cl.Relations())
	if err != nil {
		return nil, err
	}

	seen := make(map[Entity]bool)
	visited := make(map[string]bool)
	var out []Entity
	add := func(e Entity) {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}

	for _, t := range tuples {
		if t.SubjectRelation == "" {
			add(t.Subject)
			if err := s.expandMembers(ctx, ns, t.Subject, "", visited, add); err != nil {
				return nil, err
			}
		} else if err := s.expandMembers(ctx, ns, t.Subject, t.SubjectRelation, visited, add); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// expandMembers walks a group downward, collecting every subject that holds
// the qualifying relation on it. The first hop follows the qualifier (or
// any membership relation when empty); deeper hops follow any membership
// relation between groups of the same type.
func (s *Service) expandMembers(ctx context.Context, ns string, group Entity, qualifier string, visited map[string]bool, add func(Entity)) error {
	key := group.String() + "#" + qualifier
	if visited[key] {
		return nil
	}
	visited[key] = true

	relations := s.membershipRelations()
	if qualifier != "" {
		// Qualifiers outside the membership graph can never satisfy Check.
		if !slices.Contains(relations, qualifier) {
			return nil
		}
		relations = []string{qualifier}
	}
	members, err := s.tuples.ListForResource(ctx, ns, group, relations)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.SubjectRelation != "" {
			if err := s.expandMembers(ctx, ns, m.Subject, m.SubjectRelation, visited, add); err != nil {
				return err
			}
			continue
		}
		add(m.Subject)
		if m.Subject.Type == group.Type {
			if err := s.expandMembers(ctx, ns, m.Subject, "", visited, add); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListResources returns the ids of resources of one type on which the
// subject has the permission, ordered ascending. Pagination is a
// single-column cursor on the resource id.
func (n *Session) ListResources(ctx context.Context, subject Entity, resourceType, permission string, limit int, cursor string) ([]string, error) {
	if n.ns == "" {
		return nil, nil
	}
	ids, err := n.svc.listResources(ctx, n.ns, subject, resourceType, permission)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	if cursor != "" {
		cut := sort.SearchStrings(ids, cursor)
		for cut < len(ids) && ids[cut] == cursor {
			cut++
		}
		ids = ids[cut:]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Service) listResources(ctx context.Context, ns string, subject Entity, resourceType, permission string) ([]string, error) {
	cl, err := s.effectiveClosure(ctx, ns, resourceType, permission)
	if err != nil {
		return nil, err
	}
	held, err := s.membershipIndex(ctx, ns, subject)
	if err != nil {
		return nil, err
	}

	candidates := make([]Entity, 0, len(held)+1)
	candidates = append(candidates, subject)
	for g := range held {
		candidates = append(candidates, g)
	}

	tuples, err := s.tuples.ListBySubjects(ctx, ns, resourceType, cl.Relations(), candidates)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, t := range tuples {
		satisfied := false
		if t.SubjectRelation == "" {
			satisfied = t.Subject == subject || held[t.Subject] != nil
		} else {
			satisfied = held[t.Subject][t.SubjectRelation]
		}
		if satisfied && !seen[t.Resource.ID] {
			seen[t.Resource.ID] = true
			ids = append(ids, t.Resource.ID)
		}
	}
	return ids, nil
}

// FilterAuthorized returns the subset of ids on which the subject has the
// permission, preserving input order. Empty input returns empty.
func (n *Session) FilterAuthorized(ctx context.Context, subject Entity, resourceType, permission string, ids []string) ([]string, error) {
	if n.ns == "" || len(ids) == 0 {
		return nil, nil
	}
	accessible, err := n.svc.listResources(ctx, n.ns, subject, resourceType, permission)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(accessible))
	for _, id := range accessible {
		allowed[id] = true
	}
	var out []string
	for _, id := range ids {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ListGrants returns the raw tuples naming the subject, optionally
// restricted to one resource type. Used to audit what an api_key or
// service account can do.
func (n *Session) ListGrants(ctx context.Context, subject Entity, resourceType string) ([]Grant, error) {
	if n.ns == "" {
		return nil, nil
	}
	tuples, err := n.svc.tuples.ListForSubject(ctx, n.ns, subject, resourceType)
	if err != nil {
		return nil, err
	}
	grants := make([]Grant, 0, len(tuples))
	for _, t := range tuples {
		grants = append(grants, Grant{
			Resource:        t.Resource,
			Relation:        t.Relation,
			SubjectRelation: t.SubjectRelation,
			ExpiresAt:       t.ExpiresAt,
		})
	}
	return grants, nil
}

// ListExternalResources returns grants issued in other tenants where the
// session's viewer is the recipient and the relation equals the permission
// or implies it through the global hierarchy. The viewer must be set and
// match the queried subject.
func (n *Session) ListExternalResources(ctx context.Context, subject Entity, resourceType, permission string) ([]ExternalGrant, error) {
	if n.ns == "" {
		return nil, nil
	}
	if n.viewer.IsZero() || n.viewer != subject {
		return nil, ErrNoViewer
	}
	return n.svc.tuples.ListExternal(ctx, n.ns, n.viewer, resourceType, permission)
}

// LeaveShare deletes a grant in another tenant where the session's viewer
// is the subject. This is the only permitted cross-tenant write. Returns
// true when a grant was removed.
func (n *Session) LeaveShare(ctx context.Context, namespace, permission string, resource Entity) (bool, error) {
	if n.viewer.IsZero() {
		return false, ErrNoViewer
	}
	if err := ValidateNamespace(namespace); err != nil {
		return false, err
	}
	if err := n.svc.validateGrantInput(permission, resource, n.viewer, ""); err != nil {
		return false, err
	}
	return n.svc.tuples.DeleteAsViewer(ctx, namespace, resource, permission, n.viewer, n.actor)
}

// Verify scans the tenant for data integrity issues such as group
// membership cycles among persisted tuples. Returns an empty slice when
// the namespace is healthy.
func (n *Session) Verify(ctx context.Context) ([]IntegrityIssue, error) {
	if n.ns == "" {
		return nil, nil
	}
	return n.svc.tuples.VerifyIntegrity(ctx, n.ns, n.svc.membershipRelations())
}
