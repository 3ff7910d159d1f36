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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/postkit/postkit-core/audit"
	"github.com/postkit/postkit-core/authz"
)

// tupleColumns is the canonical select list for scanning a tuple row.
const tupleColumns = `id, namespace, resource_type, resource_id, relation,
	subject_type, subject_id, COALESCE(subject_relation, ''),
	created_at, COALESCE(created_by, ''), expires_at`

// TupleRepository implements authz.TupleStore.
type TupleRepository struct {
	db                  *DB
	membershipRelations []string
}

// NewTupleRepository creates a new tuple repository. membershipRelations
// are the relations whose same-type edges form the group graph checked for
// cycles on insert; nil selects the engine defaults.
func NewTupleRepository(db *DB, membershipRelations []string) *TupleRepository {
	if len(membershipRelations) == 0 {
		membershipRelations = authz.DefaultMembershipRelations
	}
	return &TupleRepository{db: db, membershipRelations: membershipRelations}
}

// Insert writes a tuple inside one serialized transaction: namespace lock,
// membership cycle check, idempotent insert, audit event.
func (r *TupleRepository) Insert(ctx context.Context, t authz.Tuple, actor authz.ActorContext) (int64, bool, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, t.Namespace); err != nil {
		return 0, false, err
	}

	if r.isMembershipEdge(t) {
		if err := r.checkMembershipCycle(ctx, tx, t); err != nil {
			return 0, false, err
		}
	}

	var id int64
	created := true
	err = tx.QueryRow(ctx, `
		INSERT INTO tuples (
			namespace, resource_type, resource_id, relation,
			subject_type, subject_id, subject_relation, created_by, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (namespace, resource_type, resource_id, relation,
		             subject_type, subject_id, COALESCE(subject_relation, ''))
		DO NOTHING
		RETURNING id
	`,
		t.Namespace, t.Resource.Type, t.Resource.ID, t.Relation,
		t.Subject.Type, t.Subject.ID, nullable(t.SubjectRelation),
		nullable(actor.ActorID), t.ExpiresAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Tuple already exists: idempotent re-grant, no audit event.
		created = false
		err = tx.QueryRow(ctx, `
			SELECT id FROM tuples
			WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3
			  AND relation = $4 AND subject_type = $5 AND subject_id = $6
			  AND subject_relation IS NOT DISTINCT FROM $7
		`,
			t.Namespace, t.Resource.Type, t.Resource.ID, t.Relation,
			t.Subject.Type, t.Subject.ID, nullable(t.SubjectRelation),
		).Scan(&id)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert tuple: %w", err)
	}

	if created {
		if err := recordEvent(ctx, tx, tupleEvent{
			namespace:       t.Namespace,
			eventType:       audit.TypeTupleCreated,
			resourceType:    t.Resource.Type,
			resourceID:      t.Resource.ID,
			relation:        t.Relation,
			subjectType:     t.Subject.Type,
			subjectID:       t.Subject.ID,
			subjectRelation: t.SubjectRelation,
			tupleID:         &id,
			expiresAt:       t.ExpiresAt,
		}, actor); err != nil {
			return 0, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("failed to commit tuple insert: %w", err)
	}
	return id, created, nil
}

func (r *TupleRepository) isMembershipEdge(t authz.Tuple) bool {
	return t.SubjectRelation == "" &&
		t.Resource.Type == t.Subject.Type &&
		slices.Contains(r.membershipRelations, t.Relation)
}

// checkMembershipCycle rejects a membership edge subject -> resource when
// the resource group is already a transitive member of the subject group.
func (r *TupleRepository) checkMembershipCycle(ctx context.Context, tx pgx.Tx, t authz.Tuple) error {
	var cyclic bool
	err := tx.QueryRow(ctx, `
		WITH RECURSIVE groups (group_type, group_id) AS (
			SELECT t.resource_type, t.resource_id
			FROM tuples t
			WHERE t.namespace = $1
			  AND t.subject_type = $2 AND t.subject_id = $3
			  AND t.subject_relation IS NULL
			  AND t.resource_type = t.subject_type
			  AND t.relation = ANY($4)
			  AND (t.expires_at IS NULL OR t.expires_at > now())
			UNION
			SELECT t.resource_type, t.resource_id
			FROM tuples t
			JOIN groups g ON t.subject_type = g.group_type AND t.subject_id = g.group_id
			WHERE t.namespace = $1
			  AND t.subject_relation IS NULL
			  AND t.resource_type = t.subject_type
			  AND t.relation = ANY($4)
			  AND (t.expires_at IS NULL OR t.expires_at > now())
		)
		SELECT EXISTS (SELECT 1 FROM groups WHERE group_type = $5 AND group_id = $6)
	`,
		t.Namespace, t.Resource.Type, t.Resource.ID, r.membershipRelations,
		t.Subject.Type, t.Subject.ID,
	).Scan(&cyclic)
	if err != nil {
		return fmt.Errorf("failed to check membership cycle: %w", err)
	}
	if cyclic {
		return &authz.CycleError{
			Kind: authz.CycleMembership,
			Path: []string{t.Subject.String(), t.Resource.String(), t.Subject.String()},
		}
	}
	return nil
}

// Delete removes one tuple by its full key and records the deletion.
func (r *TupleRepository) Delete(ctx context.Context, ns string, resource authz.Entity, relation string, subject authz.Entity, subjectRelation string, actor authz.ActorContext) (bool, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return false, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		DELETE FROM tuples
		WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3
		  AND relation = $4 AND subject_type = $5 AND subject_id = $6
		  AND subject_relation IS NOT DISTINCT FROM $7
		RETURNING id
	`,
		ns, resource.Type, resource.ID, relation,
		subject.Type, subject.ID, nullable(subjectRelation),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Double-revoke: nothing deleted, no audit event.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete tuple: %w", err)
	}

	if err := recordEvent(ctx, tx, tupleEvent{
		namespace:       ns,
		eventType:       audit.TypeTupleDeleted,
		resourceType:    resource.Type,
		resourceID:      resource.ID,
		relation:        relation,
		subjectType:     subject.Type,
		subjectID:       subject.ID,
		subjectRelation: subjectRelation,
		tupleID:         &id,
	}, actor); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit tuple delete: %w", err)
	}
	return true, nil
}

// BulkInsert grants one relation on one resource to many subjects of one
// type in a single pass. Existing tuples are skipped.
func (r *TupleRepository) BulkInsert(ctx context.Context, ns string, resource authz.Entity, relation, subjectType string, subjectIDs []string, actor authz.ActorContext) (int, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return 0, err
	}

	if subjectType == resource.Type && slices.Contains(r.membershipRelations, relation) {
		for _, sid := range subjectIDs {
			probe := authz.Tuple{
				Namespace: ns,
				Resource:  resource,
				Relation:  relation,
				Subject:   authz.Entity{Type: subjectType, ID: sid},
			}
			if err := r.checkMembershipCycle(ctx, tx, probe); err != nil {
				return 0, err
			}
		}
	}

	rows, err := tx.Query(ctx, `
		INSERT INTO tuples (
			namespace, resource_type, resource_id, relation,
			subject_type, subject_id, created_by
		)
		SELECT $1, $2, $3, $4, $5, unnest($6::text[]), $7
		ON CONFLICT (namespace, resource_type, resource_id, relation,
		             subject_type, subject_id, COALESCE(subject_relation, ''))
		DO NOTHING
		RETURNING id, subject_id
	`,
		ns, resource.Type, resource.ID, relation, subjectType, subjectIDs, nullable(actor.ActorID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert tuples: %w", err)
	}
	type inserted struct {
		id        int64
		subjectID string
	}
	var createdRows []inserted
	for rows.Next() {
		var in inserted
		if err := rows.Scan(&in.id, &in.subjectID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan bulk insert result: %w", err)
		}
		createdRows = append(createdRows, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to bulk insert tuples: %w", err)
	}

	for _, in := range createdRows {
		if err := recordEvent(ctx, tx, tupleEvent{
			namespace:    ns,
			eventType:    audit.TypeTupleCreated,
			resourceType: resource.Type,
			resourceID:   resource.ID,
			relation:     relation,
			subjectType:  subjectType,
			subjectID:    in.subjectID,
			tupleID:      &in.id,
		}, actor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit bulk insert: %w", err)
	}
	return len(createdRows), nil
}

// BulkInsertResources grants one relation to a subject on many resources of
// one type in a single pass.
func (r *TupleRepository) BulkInsertResources(ctx context.Context, ns, resourceType string, resourceIDs []string, relation string, subject authz.Entity, subjectRelation string, actor authz.ActorContext) (int, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return 0, err
	}

	if subjectRelation == "" && subject.Type == resourceType && slices.Contains(r.membershipRelations, relation) {
		for _, rid := range resourceIDs {
			probe := authz.Tuple{
				Namespace: ns,
				Resource:  authz.Entity{Type: resourceType, ID: rid},
				Relation:  relation,
				Subject:   subject,
			}
			if err := r.checkMembershipCycle(ctx, tx, probe); err != nil {
				return 0, err
			}
		}
	}

	rows, err := tx.Query(ctx, `
		INSERT INTO tuples (
			namespace, resource_type, resource_id, relation,
			subject_type, subject_id, subject_relation, created_by
		)
		SELECT $1, $2, unnest($3::text[]), $4, $5, $6, $7, $8
		ON CONFLICT (namespace, resource_type, resource_id, relation,
		             subject_type, subject_id, COALESCE(subject_relation, ''))
		DO NOTHING
		RETURNING id, resource_id
	`,
		ns, resourceType, resourceIDs, relation,
		subject.Type, subject.ID, nullable(subjectRelation), nullable(actor.ActorID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert resource tuples: %w", err)
	}
	type inserted struct {
		id         int64
		resourceID string
	}
	var createdRows []inserted
	for rows.Next() {
		var in inserted
		if err := rows.Scan(&in.id, &in.resourceID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan bulk insert result: %w", err)
		}
		createdRows = append(createdRows, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to bulk insert resource tuples: %w", err)
	}

	for _, in := range createdRows {
		if err := recordEvent(ctx, tx, tupleEvent{
			namespace:       ns,
			eventType:       audit.TypeTupleCreated,
			resourceType:    resourceType,
			resourceID:      in.resourceID,
			relation:        relation,
			subjectType:     subject.Type,
			subjectID:       subject.ID,
			subjectRelation: subjectRelation,
			tupleID:         &in.id,
		}, actor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit bulk insert: %w", err)
	}
	return len(createdRows), nil
}

// DeleteBySubject removes every grant naming the subject, optionally
// restricted to one resource type.
func (r *TupleRepository) DeleteBySubject(ctx context.Context, ns string, subject authz.Entity, resourceType string, actor authz.ActorContext) (int, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return 0, err
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM tuples
		WHERE namespace = $1 AND subject_type = $2 AND subject_id = $3
		  AND ($4 = '' OR resource_type = $4)
		RETURNING id, resource_type, resource_id, relation, COALESCE(subject_relation, '')
	`, ns, subject.Type, subject.ID, resourceType)
	if err != nil {
		return 0, fmt.Errorf("failed to delete subject grants: %w", err)
	}
	var deleted []tupleEvent
	for rows.Next() {
		var id int64
		ev := tupleEvent{
			namespace:   ns,
			eventType:   audit.TypeTupleDeleted,
			subjectType: subject.Type,
			subjectID:   subject.ID,
		}
		if err := rows.Scan(&id, &ev.resourceType, &ev.resourceID, &ev.relation, &ev.subjectRelation); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan deleted grant: %w", err)
		}
		ev.tupleID = &id
		deleted = append(deleted, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to delete subject grants: %w", err)
	}

	for i := range deleted {
		if err := recordEvent(ctx, tx, deleted[i], actor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit grant revocation: %w", err)
	}
	return len(deleted), nil
}

// UpdateExpiration sets or clears the expiration of an unqualified grant.
func (r *TupleRepository) UpdateExpiration(ctx context.Context, ns string, resource authz.Entity, relation string, subject authz.Entity, expiresAt *time.Time, actor authz.ActorContext) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		UPDATE tuples SET expires_at = $1
		WHERE namespace = $2 AND resource_type = $3 AND resource_id = $4
		  AND relation = $5 AND subject_type = $6 AND subject_id = $7
		  AND subject_relation IS NULL
		RETURNING id
	`, expiresAt, ns, resource.Type, resource.ID, relation, subject.Type, subject.ID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return authz.ErrGrantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update expiration: %w", err)
	}

	if err := recordEvent(ctx, tx, tupleEvent{
		namespace:    ns,
		eventType:    audit.TypeTupleUpdated,
		resourceType: resource.Type,
		resourceID:   resource.ID,
		relation:     relation,
		subjectType:  subject.Type,
		subjectID:    subject.ID,
		tupleID:      &id,
		expiresAt:    expiresAt,
	}, actor); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit expiration update: %w", err)
	}
	return nil
}

// ExtendExpiration adds extension to the grant's current expiration. A
// permanent grant is extended from now.
func (r *TupleRepository) ExtendExpiration(ctx context.Context, ns string, resource authz.Entity, relation string, subject authz.Entity, extension time.Duration, actor authz.ActorContext) (time.Time, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return time.Time{}, err
	}

	var id int64
	var newExpiry time.Time
	err = tx.QueryRow(ctx, `
		UPDATE tuples SET expires_at = COALESCE(expires_at, now()) + $1
		WHERE namespace = $2 AND resource_type = $3 AND resource_id = $4
		  AND relation = $5 AND subject_type = $6 AND subject_id = $7
		  AND subject_relation IS NULL
		RETURNING id, expires_at
	`, extension, ns, resource.Type, resource.ID, relation, subject.Type, subject.ID).Scan(&id, &newExpiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, authz.ErrGrantNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to extend expiration: %w", err)
	}

	if err := recordEvent(ctx, tx, tupleEvent{
		namespace:    ns,
		eventType:    audit.TypeTupleUpdated,
		resourceType: resource.Type,
		resourceID:   resource.ID,
		relation:     relation,
		subjectType:  subject.Type,
		subjectID:    subject.ID,
		tupleID:      &id,
		expiresAt:    newExpiry,
	}, actor); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit expiration extension: %w", err)
	}
	return newExpiry, nil
}

// DeleteExpired reclaims storage for tuples whose expiration has passed.
func (r *TupleRepository) DeleteExpired(ctx context.Context, ns string, actor authz.ActorContext) (int, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM tuples
		WHERE namespace = $1 AND expires_at IS NOT NULL AND expires_at <= now()
	`, ns)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tuples: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit expired cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteAsViewer removes a tuple in a foreign namespace where the viewer is
// the subject. The grant's own namespace is locked so the leave serializes
// with that tenant's writers.
func (r *TupleRepository) DeleteAsViewer(ctx context.Context, ns string, resource authz.Entity, relation string, viewer authz.Entity, actor authz.ActorContext) (bool, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return false, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		DELETE FROM tuples
		WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3
		  AND relation = $4 AND subject_type = $5 AND subject_id = $6
		  AND subject_relation IS NULL
		RETURNING id
	`, ns, resource.Type, resource.ID, relation, viewer.Type, viewer.ID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to leave share: %w", err)
	}

	if err := recordEvent(ctx, tx, tupleEvent{
		namespace:    ns,
		eventType:    audit.TypeTupleDeleted,
		resourceType: resource.Type,
		resourceID:   resource.ID,
		relation:     relation,
		subjectType:  viewer.Type,
		subjectID:    viewer.ID,
		tupleID:      &id,
	}, actor); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit share leave: %w", err)
	}
	return true, nil
}

// ListForResource returns live tuples on a resource, optionally restricted
// to a relation set.
func (r *TupleRepository) ListForResource(ctx context.Context, ns string, resource authz.Entity, relations []string) ([]authz.Tuple, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+tupleColumns+`
		FROM tuples
		WHERE namespace = $1 AND resource_type = $2 AND resource_id = $3
		  AND (COALESCE(cardinality($4::text[]), 0) = 0 OR relation = ANY($4))
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY id
	`, ns, resource.Type, resource.ID, relations)
	if err != nil {
		return nil, fmt.Errorf("failed to list tuples for resource: %w", err)
	}
	defer rows.Close()
	return scanTuples(rows)
}

// ListBySubjects returns live tuples of one resource type naming any of the
// given subjects with a relation in relations.
func (r *TupleRepository) ListBySubjects(ctx context.Context, ns, resourceType string, relations []string, subjects []authz.Entity) ([]authz.Tuple, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	types := make([]string, len(subjects))
	ids := make([]string, len(subjects))
	for i, s := range subjects {
		types[i] = s.Type
		ids[i] = s.ID
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT t.id, t.namespace, t.resource_type, t.resource_id, t.relation,
		       t.subject_type, t.subject_id, COALESCE(t.subject_relation, ''),
		       t.created_at, COALESCE(t.created_by, ''), t.expires_at
		FROM tuples t
		JOIN unnest($4::text[], $5::text[]) AS s(subject_type, subject_id)
		  ON t.subject_type = s.subject_type AND t.subject_id = s.subject_id
		WHERE t.namespace = $1 AND t.resource_type = $2
		  AND (cardinality($3::text[]) = 0 OR t.relation = ANY($3))
		  AND (t.expires_at IS NULL OR t.expires_at > now())
		ORDER BY t.id
	`, ns, resourceType, relations, types, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list tuples by subjects: %w", err)
	}
	defer rows.Close()
	return scanTuples(rows)
}

// ListForSubject returns every live tuple naming the subject, optionally
// restricted to one resource type.
func (r *TupleRepository) ListForSubject(ctx context.Context, ns string, subject authz.Entity, resourceType string) ([]authz.Tuple, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+tupleColumns+`
		FROM tuples
		WHERE namespace = $1 AND subject_type = $2 AND subject_id = $3
		  AND ($4 = '' OR resource_type = $4)
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY resource_type, resource_id, relation
	`, ns, subject.Type, subject.ID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list tuples for subject: %w", err)
	}
	defer rows.Close()
	return scanTuples(rows)
}

// Memberships expands the subject's transitive group memberships. The
// first hop takes any unqualified membership edge from the subject; nested
// hops stay within one group type and honor qualified edges, which admit
// only holders of the named relation.
func (r *TupleRepository) Memberships(ctx context.Context, ns string, subject authz.Entity, membershipRelations []string) ([]authz.Membership, error) {
	rows, err := r.db.pool.Query(ctx, `
		WITH RECURSIVE memberships (group_type, group_id, relation) AS (
			SELECT t.resource_type, t.resource_id, t.relation
			FROM tuples t
			WHERE t.namespace = $1
			  AND t.subject_type = $2 AND t.subject_id = $3
			  AND t.subject_relation IS NULL
			  AND t.relation = ANY($4)
			  AND (t.expires_at IS NULL OR t.expires_at > now())
			UNION
			SELECT t.resource_type, t.resource_id, t.relation
			FROM tuples t
			JOIN memberships m
			  ON t.subject_type = m.group_type AND t.subject_id = m.group_id
			WHERE t.namespace = $1
			  AND t.resource_type = t.subject_type
			  AND (t.subject_relation IS NULL OR t.subject_relation = m.relation)
			  AND t.relation = ANY($4)
			  AND (t.expires_at IS NULL OR t.expires_at > now())
		)
		SELECT DISTINCT group_type, group_id, relation FROM memberships
	`, ns, subject.Type, subject.ID, membershipRelations)
	if err != nil {
		return nil, fmt.Errorf("failed to expand memberships: %w", err)
	}
	defer rows.Close()

	var out []authz.Membership
	for rows.Next() {
		var m authz.Membership
		if err := rows.Scan(&m.Group.Type, &m.Group.ID, &m.Relation); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to expand memberships: %w", err)
	}
	return out, nil
}

// ListExpiring returns grants expiring in [now, now+within].
func (r *TupleRepository) ListExpiring(ctx context.Context, ns string, within time.Duration) ([]authz.ExpiringGrant, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT resource_type, resource_id, relation,
		       subject_type, subject_id, COALESCE(subject_relation, ''), expires_at
		FROM tuples
		WHERE namespace = $1
		  AND expires_at IS NOT NULL
		  AND expires_at >= now() AND expires_at <= now() + $2
		ORDER BY expires_at
	`, ns, within)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring grants: %w", err)
	}
	defer rows.Close()

	var out []authz.ExpiringGrant
	for rows.Next() {
		var g authz.ExpiringGrant
		if err := rows.Scan(
			&g.Resource.Type, &g.Resource.ID, &g.Relation,
			&g.Subject.Type, &g.Subject.ID, &g.SubjectRelation, &g.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expiring grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list expiring grants: %w", err)
	}
	return out, nil
}

// ListExternal returns live grants in namespaces other than ns where the
// viewer is the recipient and the relation equals the permission or implies
// it through the global hierarchy. Tenant-local hierarchies are never
// consulted across the boundary.
func (r *TupleRepository) ListExternal(ctx context.Context, ns string, viewer authz.Entity, resourceType, permission string) ([]authz.ExternalGrant, error) {
	rows, err := r.db.pool.Query(ctx, `
		WITH RECURSIVE implied (permission) AS (
			SELECT $4::text
			UNION
			SELECT h.permission
			FROM permission_hierarchy h
			JOIN implied i ON h.implies = i.permission
			WHERE h.namespace = 'global' AND h.resource_type = $3
		)
		SELECT t.namespace, t.resource_id, t.relation, t.created_at, t.expires_at
		FROM tuples t
		WHERE t.subject_type = $1 AND t.subject_id = $2
		  AND t.resource_type = $3
		  AND t.subject_relation IS NULL
		  AND t.relation IN (SELECT permission FROM implied)
		  AND t.namespace <> $5
		  AND (t.expires_at IS NULL OR t.expires_at > now())
		ORDER BY t.created_at DESC
	`, viewer.Type, viewer.ID, resourceType, permission, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to list external grants: %w", err)
	}
	defer rows.Close()

	var out []authz.ExternalGrant
	for rows.Next() {
		var g authz.ExternalGrant
		if err := rows.Scan(&g.Namespace, &g.ResourceID, &g.Relation, &g.CreatedAt, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan external grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list external grants: %w", err)
	}
	return out, nil
}

// CountStats aggregates namespace statistics for monitoring.
func (r *TupleRepository) CountStats(ctx context.Context, ns string) (authz.Stats, error) {
	var st authz.Stats
	err := r.db.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM tuples WHERE namespace = $1),
			(SELECT count(*) FROM permission_hierarchy WHERE namespace = $1),
			(SELECT count(DISTINCT (subject_type, subject_id)) FROM tuples WHERE namespace = $1),
			(SELECT count(DISTINCT (resource_type, resource_id)) FROM tuples WHERE namespace = $1)
	`, ns).Scan(&st.TupleCount, &st.HierarchyRuleCount, &st.UniqueSubjects, &st.UniqueResources)
	if err != nil {
		return authz.Stats{}, fmt.Errorf("failed to count namespace stats: %w", err)
	}
	return st, nil
}

// VerifyIntegrity scans the namespace for membership cycles among persisted
// tuples. A healthy namespace returns no rows.
func (r *TupleRepository) VerifyIntegrity(ctx context.Context, ns string, membershipRelations []string) ([]authz.IntegrityIssue, error) {
	rows, err := r.db.pool.Query(ctx, `
		WITH RECURSIVE walk (start_type, start_id, node_type, node_id, depth, path, cycled) AS (
			SELECT t.subject_type, t.subject_id, t.resource_type, t.resource_id, 1,
			       ARRAY[t.subject_type || ':' || t.subject_id,
			             t.resource_type || ':' || t.resource_id],
			       t.resource_id = t.subject_id
			FROM tuples t
			WHERE t.namespace = $1
			  AND t.subject_relation IS NULL
			  AND t.resource_type = t.subject_type
			  AND t.relation = ANY($2)
			UNION ALL
			SELECT w.start_type, w.start_id, t.resource_type, t.resource_id, w.depth + 1,
			       w.path || (t.resource_type || ':' || t.resource_id),
			       t.resource_type = w.start_type AND t.resource_id = w.start_id
			FROM tuples t
			JOIN walk w ON t.subject_type = w.node_type AND t.subject_id = w.node_id
			WHERE t.namespace = $1
			  AND t.subject_relation IS NULL
			  AND t.resource_type = t.subject_type
			  AND t.relation = ANY($2)
			  AND NOT w.cycled
			  AND w.depth < 64
		)
		SELECT DISTINCT start_type, start_id, array_to_string(path, ' -> ')
		FROM walk
		WHERE cycled
	`, ns, membershipRelations)
	if err != nil {
		return nil, fmt.Errorf("failed to verify namespace integrity: %w", err)
	}
	defer rows.Close()

	issues := []authz.IntegrityIssue{}
	for rows.Next() {
		issue := authz.IntegrityIssue{Status: "membership_cycle"}
		if err := rows.Scan(&issue.ResourceType, &issue.ResourceID, &issue.Details); err != nil {
			return nil, fmt.Errorf("failed to scan integrity issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to verify namespace integrity: %w", err)
	}
	return issues, nil
}

func scanTuples(rows pgx.Rows) ([]authz.Tuple, error) {
	var out []authz.Tuple
	for rows.Next() {
		var t authz.Tuple
		if err := rows.Scan(
			&t.ID, &t.Namespace, &t.Resource.Type, &t.Resource.ID, &t.Relation,
			&t.Subject.Type, &t.Subject.ID, &t.SubjectRelation,
			&t.CreatedAt, &t.CreatedBy, &t.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tuple: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tuples: %w", err)
	}
	return out, nil
}
