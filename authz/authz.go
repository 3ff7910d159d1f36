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

// Package authz implements relationship-based access control over a mutable
// graph of tuples, a permission-implication hierarchy, and transitive group
// membership. Every operation is scoped to a tenant namespace; mutations are
// serialized per tenant and recorded in the audit log.
package authz

import (
	"context"
	"time"
)

// NamespaceGlobal is the reserved namespace for hierarchy rules that apply
// to every tenant. The effective rule set for a query is the union of the
// tenant's rules and the global ones.
const NamespaceGlobal = "global"

// Entity identifies a resource or a subject as a (type, id) pair.
//
// Purpose: Canonical identifier for everything the engine reasons about.
// Domain: Authz
// Invariants: Type is a lowercase identifier; ID is opaque but non-empty.
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// String returns the canonical representation "type:id".
func (e Entity) String() string {
	return e.Type + ":" + e.ID
}

// IsZero reports whether the entity is unset.
func (e Entity) IsZero() bool {
	return e.Type == "" && e.ID == ""
}

// Tuple is a single relationship fact: subject has relation on resource.
//
// Purpose: The atomic grant persisted by the tuple store.
// Domain: Authz
// Invariants: Identified by (namespace, resource, relation, subject,
// subject_relation) with an empty SubjectRelation distinct from any
// non-empty one. Expired tuples are invisible to every query.
type Tuple struct {
	ID              int64      `json:"id"`
	Namespace       string     `json:"namespace"`
	Resource        Entity     `json:"resource"`
	Relation        string     `json:"relation"`
	Subject         Entity     `json:"subject"`
	SubjectRelation string     `json:"subject_relation,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CreatedBy       string     `json:"created_by,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Rule asserts that permission implies another on resources of a type.
//
// Purpose: One edge of the permission-implication DAG.
// Domain: Authz
// Invariants: The effective DAG (tenant rules plus global rules) is acyclic.
type Rule struct {
	Namespace    string `json:"namespace"`
	ResourceType string `json:"resource_type"`
	Permission   string `json:"permission"`
	Implies      string `json:"implies"`
}

// Grant is a tuple viewed from the subject's side, as returned by
// ListGrants when auditing what an api_key or service account can do.
type Grant struct {
	Resource        Entity     `json:"resource"`
	Relation        string     `json:"relation"`
	SubjectRelation string     `json:"subject_relation,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// ExpiringGrant is a grant whose expiration falls inside a queried window.
type ExpiringGrant struct {
	Resource        Entity    `json:"resource"`
	Relation        string    `json:"relation"`
	Subject         Entity    `json:"subject"`
	SubjectRelation string    `json:"subject_relation,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ExternalGrant is a grant issued in another tenant where the session's
// viewer is the recipient. Only the granting namespace, the resource, the
// relation and the grant's creation and expiration times are exposed.
type ExternalGrant struct {
	Namespace  string     `json:"namespace"`
	ResourceID string     `json:"resource_id"`
	Relation   string     `json:"relation"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Membership records that a subject holds a relation on a group, directly
// or through nested groups. Relation labels the final edge into the group.
type Membership struct {
	Group    Entity `json:"group"`
	Relation string `json:"relation"`
}

// ActorContext carries the audit attribution for mutations. The zero value
// is valid: writes without an actor succeed and the audit row stores nulls.
//
// Purpose: Immutable attribution record bound to a session.
// Domain: Authz
type ActorContext struct {
	ActorID    string `json:"actor_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// IsZero reports whether no actor field is set.
func (a ActorContext) IsZero() bool {
	return a == ActorContext{}
}

// ActorUpdate is a partial actor context. SetActor applies only the fields
// that are non-nil, so request context can be bound before authentication
// and the actor id added after.
type ActorUpdate struct {
	ActorID    *string
	RequestID  *string
	OnBehalfOf *string
	Reason     *string
}

// IntegrityIssue is one finding of a Verify scan.
type IntegrityIssue struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Status       string `json:"status"`
	Details      string `json:"details"`
}

// Stats summarizes a namespace for monitoring.
type Stats struct {
	TupleCount         int64 `json:"tuple_count"`
	HierarchyRuleCount int64 `json:"hierarchy_rule_count"`
	UniqueSubjects     int64 `json:"unique_subjects"`
	UniqueResources    int64 `json:"unique_resources"`
}

// TupleStore is the storage contract for relationship tuples.
//
// Write methods run inside a single transaction that serializes writers
// within the namespace, re-checks graph invariants under that serialization,
// applies the mutation idempotently and records the audit event. Either all
// of that commits or none of it does.
//
// Read methods never return expired tuples.
type TupleStore interface {
	// Insert writes a tuple. It returns the tuple id and whether a new row
	// was created; re-issuing an existing tuple returns the existing id with
	// created=false and emits no audit event. A membership edge that would
	// create a group cycle fails with CycleError.
	Insert(ctx context.Context, t Tuple, actor ActorContext) (id int64, created bool, err error)

	// Delete removes a tuple by its full key. It returns false when no such
	// tuple existed.
	Delete(ctx context.Context, ns string, resource Entity, relation string, subject Entity, subjectRelation string, actor ActorContext) (bool, error)

	// BulkInsert grants one relation on one resource to many subjects of a
	// single type. Existing tuples are skipped. Returns the number created.
	BulkInsert(ctx context.Context, ns string, resource Entity, relation, subjectType string, subjectIDs []string, actor ActorContext) (int, error)

	// BulkInsertResources grants one relation on many resources of one type
	// to a single subject. Returns the number created.
	BulkInsertResources(ctx context.Context, ns, resourceType string, resourceIDs []string, relation string, subject Entity, subjectRelation string, actor ActorContext) (int, error)

	// DeleteBySubject removes every grant held by a subject, optionally
	// restricted to one resource type. Returns the number removed.
	DeleteBySubject(ctx context.Context, ns string, subject Entity, resourceType string, actor ActorContext) (int, error)

	// UpdateExpiration sets or clears (nil) the expiration of a grant.
	// Returns ErrGrantNotFound when the grant does not exist.
	UpdateExpiration(ctx context.Context, ns string, resource Entity, relation string, subject Entity, expiresAt *time.Time, actor ActorContext) error

	// ExtendExpiration adds extension to the grant's current expiration and
	// returns the new value. A permanent grant is extended from now.
	ExtendExpiration(ctx context.Context, ns string, resource Entity, relation string, subject Entity, extension time.Duration, actor ActorContext) (time.Time, error)

	// DeleteExpired removes tuples whose expiration has passed and returns
	// the number removed.
	DeleteExpired(ctx context.Context, ns string, actor ActorContext) (int, error)

	// DeleteAsViewer removes a tuple in a foreign namespace where the viewer
	// is the subject. This is the only cross-tenant write path.
	DeleteAsViewer(ctx context.Context, ns string, resource Entity, relation string, viewer Entity, actor ActorContext) (bool, error)

	// ListForResource returns live tuples on a resource whose relation is in
	// relations. An empty relations slice matches every relation.
	ListForResource(ctx context.Context, ns string, resource Entity, relations []string) ([]Tuple, error)

	// ListBySubjects returns live tuples of one resource type whose subject
	// is any of subjects and whose relation is in relations.
	ListBySubjects(ctx context.Context, ns, resourceType string, relations []string, subjects []Entity) ([]Tuple, error)

	// ListForSubject returns every live tuple naming the subject, optionally
	// restricted to one resource type.
	ListForSubject(ctx context.Context, ns string, subject Entity, resourceType string) ([]Tuple, error)

	// Memberships expands the subject's reflexive-transitive group
	// memberships. Nested expansion follows edges labeled with one of
	// membershipRelations between groups of the same type; the returned
	// relation is the label of the final edge into each group.
	Memberships(ctx context.Context, ns string, subject Entity, membershipRelations []string) ([]Membership, error)

	// ListExpiring returns grants whose expiration falls in [now, now+within].
	ListExpiring(ctx context.Context, ns string, within time.Duration) ([]ExpiringGrant, error)

	// ListExternal returns live grants in namespaces other than ns where the
	// viewer is the subject and the relation equals permission or implies it
	// through the global hierarchy.
	ListExternal(ctx context.Context, ns string, viewer Entity, resourceType, permission string) ([]ExternalGrant, error)

	// CountStats aggregates namespace statistics.
	CountStats(ctx context.Context, ns string) (Stats, error)

	// VerifyIntegrity scans the namespace for invariant violations such as
	// membership cycles among persisted tuples. Returns an empty slice when
	// the namespace is healthy.
	VerifyIntegrity(ctx context.Context, ns string, membershipRelations []string) ([]IntegrityIssue, error)
}

// HierarchyStore is the storage contract for permission-implication rules.
type HierarchyStore interface {
	// Add inserts a rule into the namespace. Adding a rule that already
	// exists in the namespace is a no-op returning created=false. A rule that would
	// make the effective DAG cyclic fails with CycleError.
	Add(ctx context.Context, ns, resourceType, permission, implies string, actor ActorContext) (created bool, err error)

	// Remove withdraws a rule. Returns false when the rule did not exist.
	Remove(ctx context.Context, ns, resourceType, permission, implies string, actor ActorContext) (bool, error)

	// Clear removes every rule for a resource type in the namespace and
	// returns the number removed.
	Clear(ctx context.Context, ns, resourceType string, actor ActorContext) (int, error)

	// Effective returns the union of the namespace's rules and the global
	// rules for a resource type.
	Effective(ctx context.Context, ns, resourceType string) ([]Rule, error)
}
