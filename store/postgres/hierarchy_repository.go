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
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/postkit/postkit-core/audit"
	"github.com/postkit/postkit-core/authz"
)

// HierarchyRepository implements authz.HierarchyStore.
type HierarchyRepository struct {
	db *DB
}

// NewHierarchyRepository creates a new hierarchy repository
func NewHierarchyRepository(db *DB) *HierarchyRepository {
	return &HierarchyRepository{db: db}
}

// Add inserts a rule after checking the effective DAG stays acyclic. The
// check and the insert run under the namespace lock so concurrent rule
// writers in one tenant cannot race a cycle into existence.
func (r *HierarchyRepository) Add(ctx context.Context, ns, resourceType, permission, implies string, actor authz.ActorContext) (bool, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return false, err
	}

	// Reject when permission is reachable from implies, including the
	// direct self-rule.
	var cyclic bool
	err = tx.QueryRow(ctx, `
		WITH RECURSIVE reach (permission) AS (
			SELECT $4::text
			UNION
			SELECT h.implies
			FROM permission_hierarchy h
			JOIN reach r ON h.permission = r.permission
			WHERE h.namespace IN ($1, 'global') AND h.resource_type = $2
		)
		SELECT EXISTS (SELECT 1 FROM reach WHERE permission = $3)
	`, ns, resourceType, permission, implies).Scan(&cyclic)
	if err != nil {
		return false, fmt.Errorf("failed to check hierarchy cycle: %w", err)
	}
	if cyclic {
		return false, &authz.CycleError{
			Kind: authz.CycleHierarchy,
			Path: []string{permission, implies, permission},
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO permission_hierarchy (namespace, resource_type, permission, implies)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, resource_type, permission, implies) DO NOTHING
	`, ns, resourceType, permission, implies)
	if err != nil {
		return false, fmt.Errorf("failed to insert hierarchy rule: %w", err)
	}
	created := tag.RowsAffected() > 0

	if created {
		if err := recordEvent(ctx, tx, tupleEvent{
			namespace:    ns,
			eventType:    audit.TypeHierarchyRuleAdded,
			resourceType: resourceType,
			relation:     permission,
			subjectType:  "permission",
			subjectID:    implies,
		}, actor); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit hierarchy rule: %w", err)
	}
	return created, nil
}

// Remove withdraws a rule. Removal is structural and never checks cycles.
func (r *HierarchyRepository) Remove(ctx context.Context, ns, resourceType, permission, implies string, actor authz.ActorContext) (bool, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM permission_hierarchy
		WHERE namespace = $1 AND resource_type = $2 AND permission = $3 AND implies = $4
	`, ns, resourceType, permission, implies)
	if err != nil {
		return false, fmt.Errorf("failed to delete hierarchy rule: %w", err)
	}
	removed := tag.RowsAffected() > 0

	if removed {
		if err := recordEvent(ctx, tx, tupleEvent{
			namespace:    ns,
			eventType:    audit.TypeHierarchyRuleRemoved,
			resourceType: resourceType,
			relation:     permission,
			subjectType:  "permission",
			subjectID:    implies,
		}, actor); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit hierarchy removal: %w", err)
	}
	return removed, nil
}

// Clear removes every rule for a resource type in the namespace.
func (r *HierarchyRepository) Clear(ctx context.Context, ns, resourceType string, actor authz.ActorContext) (int, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockNamespace(ctx, tx, ns); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM permission_hierarchy
		WHERE namespace = $1 AND resource_type = $2
	`, ns, resourceType)
	if err != nil {
		return 0, fmt.Errorf("failed to clear hierarchy: %w", err)
	}
	removed := int(tag.RowsAffected())

	if removed > 0 {
		if err := recordEvent(ctx, tx, tupleEvent{
			namespace:    ns,
			eventType:    audit.TypeHierarchyCleared,
			resourceType: resourceType,
		}, actor); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit hierarchy clear: %w", err)
	}
	return removed, nil
}

// Effective returns the union of the tenant's rules and the global ones
// for a resource type.
func (r *HierarchyRepository) Effective(ctx context.Context, ns, resourceType string) ([]authz.Rule, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT namespace, resource_type, permission, implies
		FROM permission_hierarchy
		WHERE namespace IN ($1, 'global') AND resource_type = $2
		ORDER BY permission, implies
	`, ns, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to load hierarchy rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]authz.Rule, error) {
	var out []authz.Rule
	for rows.Next() {
		var rule authz.Rule
		if err := rows.Scan(&rule.Namespace, &rule.ResourceType, &rule.Permission, &rule.Implies); err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hierarchy rules: %w", err)
	}
	return out, nil
}
