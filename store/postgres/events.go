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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/postkit/postkit-core/authz"
)

// tupleEvent is the audit payload shared by the tuple and hierarchy
// repositories. It is inserted inside the mutating transaction so the
// mutation and its event commit or roll back together.
type tupleEvent struct {
	namespace       string
	eventType       string
	resourceType    string
	resourceID      string
	relation        string
	subjectType     string
	subjectID       string
	subjectRelation string
	tupleID         *int64
	expiresAt       any
}

// recordEvent appends one audit event. The session_user, client address and
// application name columns fill from their SQL defaults.
func recordEvent(ctx context.Context, tx pgx.Tx, ev tupleEvent, actor authz.ActorContext) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_events (
			event_id, event_time, namespace, event_type,
			resource_type, resource_id, relation,
			subject_type, subject_id, subject_relation,
			tuple_id, expires_at,
			actor_id, request_id, on_behalf_of, reason
		) VALUES (
			$1, now(), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`,
		uuid.New(),
		ev.namespace,
		ev.eventType,
		ev.resourceType,
		ev.resourceID,
		nullable(ev.relation),
		nullable(ev.subjectType),
		nullable(ev.subjectID),
		nullable(ev.subjectRelation),
		ev.tupleID,
		ev.expiresAt,
		nullable(actor.ActorID),
		nullable(actor.RequestID),
		nullable(actor.OnBehalfOf),
		nullable(actor.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}
