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
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/postkit/postkit-core/audit"
	"github.com/postkit/postkit-core/authz"
)

// AuditRepository implements audit.Repository over the partitioned
// audit_events table.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// List retrieves events for one namespace matching the filter, newest
// first, total-ordered by (event_time, event_id).
func (r *AuditRepository) List(ctx context.Context, ns string, f audit.Filter) ([]audit.Event, error) {
	whereClauses := []string{"namespace = $1"}
	args := []any{ns}
	argIdx := 2

	if f.Type != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, *f.Type)
		argIdx++
	}
	if f.ActorID != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("actor_id = $%d", argIdx))
		args = append(args, *f.ActorID)
		argIdx++
	}
	if f.Resource != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("resource_type = $%d AND resource_id = $%d", argIdx, argIdx+1))
		args = append(args, f.Resource[0], f.Resource[1])
		argIdx += 2
	}
	if f.Subject != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("subject_type = $%d AND subject_id = $%d", argIdx, argIdx+1))
		args = append(args, f.Subject[0], f.Subject[1])
		argIdx += 2
	}
	if f.Since != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("event_time >= $%d", argIdx))
		args = append(args, *f.Since)
		argIdx++
	}
	if f.Until != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("event_time <= $%d", argIdx))
		args = append(args, *f.Until)
		argIdx++
	}
	if f.AfterCursor != nil {
		whereClauses = append(whereClauses, fmt.Sprintf("(event_time, event_id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, f.AfterCursor.EventTime, f.AfterCursor.EventID)
		argIdx += 2
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `
		SELECT event_id, event_time, namespace, event_type,
		       resource_type, resource_id, COALESCE(relation, ''),
		       COALESCE(subject_type, ''), COALESCE(subject_id, ''), COALESCE(subject_relation, ''),
		       tuple_id, expires_at,
		       COALESCE(actor_id, ''), COALESCE(request_id, ''), COALESCE(on_behalf_of, ''), COALESCE(reason, ''),
		       session_user_name, COALESCE(host(client_addr), ''), COALESCE(application_name, '')
		FROM audit_events
		WHERE ` + strings.Join(whereClauses, " AND ") +
		fmt.Sprintf(" ORDER BY event_time DESC, event_id DESC LIMIT $%d", argIdx)

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		if err := rows.Scan(
			&e.EventID, &e.EventTime, &e.Namespace, &e.Type,
			&e.ResourceType, &e.ResourceID, &e.Relation,
			&e.SubjectType, &e.SubjectID, &e.SubjectRelation,
			&e.TupleID, &e.ExpiresAt,
			&e.ActorID, &e.RequestID, &e.OnBehalfOf, &e.Reason,
			&e.SessionUser, &e.ClientAddr, &e.ApplicationName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// CreatePartition creates the monthly partition for (year, month). It
// returns the partition name, or "" when the partition already existed.
func (r *AuditRepository) CreatePartition(ctx context.Context, year, month int) (string, error) {
	if month < 1 || month > 12 {
		return "", &authz.ValidationError{
			Field:  "month",
			Value:  strconv.Itoa(month),
			Reason: "must be between 1 and 12",
		}
	}

	name := audit.PartitionName(year, month)

	var exists bool
	if err := r.db.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", name).Scan(&exists); err != nil {
		return "", fmt.Errorf("failed to check partition %s: %w", name, err)
	}
	if exists {
		return "", nil
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF audit_events FOR VALUES FROM ('%s') TO ('%s')",
		name, from.Format("2006-01-02"), to.Format("2006-01-02"),
	)
	if _, err := r.db.pool.Exec(ctx, ddl); err != nil {
		return "", fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	return name, nil
}

// EnsurePartitions idempotently creates the partition for the current
// month and the next monthsAhead months, returning the names it created.
func (r *AuditRepository) EnsurePartitions(ctx context.Context, monthsAhead int) ([]string, error) {
	if monthsAhead < 0 {
		monthsAhead = 0
	}
	created := []string{}
	month := time.Now().UTC()
	for i := 0; i <= monthsAhead; i++ {
		name, err := r.CreatePartition(ctx, month.Year(), int(month.Month()))
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

var partitionNamePattern = regexp.MustCompile(`^audit_events_y(\d{4})m(\d{2})$`)

// DropPartitions drops partitions whose month starts before now minus
// keepMonths and returns their names. Partitions inside the window,
// including future-dated ones, are preserved.
func (r *AuditRepository) DropPartitions(ctx context.Context, keepMonths int) ([]string, error) {
	if keepMonths < 1 {
		return nil, &authz.ValidationError{
			Field:  "keep_months",
			Value:  strconv.Itoa(keepMonths),
			Reason: "must be at least 1",
		}
	}

	rows, err := r.db.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'audit_events'
		ORDER BY c.relname
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit partitions: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan partition name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit partitions: %w", err)
	}

	now := time.Now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -keepMonths, 0)

	dropped := []string{}
	for _, name := range names {
		m := partitionNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		if !start.Before(cutoff) {
			continue
		}
		if _, err := r.db.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return dropped, fmt.Errorf("failed to drop partition %s: %w", name, err)
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}
