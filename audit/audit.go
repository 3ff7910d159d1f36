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

// Package audit defines the append-only, time-partitioned event trail that
// records every mutation of the tuple graph and the permission hierarchy
// together with the actor context in force at mutation time.
package audit

import (
	"context"
	"fmt"
	"time"
)

// Event types emitted by the authorization engine. Reads emit none.
const (
	TypeTupleCreated         = "tuple_created"
	TypeTupleDeleted         = "tuple_deleted"
	TypeTupleUpdated         = "tuple_updated"
	TypeHierarchyRuleAdded   = "hierarchy_rule_added"
	TypeHierarchyRuleRemoved = "hierarchy_rule_removed"
	TypeHierarchyCleared     = "hierarchy_cleared"
)

// Event is one append-only record of a single mutation.
//
// Purpose: Canonical representation of an auditable change.
// Domain: Audit
// Invariants: Type must be a known Type constant. EventTime must be set.
// Events reference the tuple or rule produced or removed and carry the
// actor context bound to the mutating session.
type Event struct {
	EventID   string    `json:"event_id"`
	EventTime time.Time `json:"event_time"`
	Namespace string    `json:"namespace"`
	Type      string    `json:"event_type"`

	ResourceType    string     `json:"resource_type"`
	ResourceID      string     `json:"resource_id"`
	Relation        string     `json:"relation"`
	SubjectType     string     `json:"subject_type,omitempty"`
	SubjectID       string     `json:"subject_id,omitempty"`
	SubjectRelation string     `json:"subject_relation,omitempty"`
	TupleID         *int64     `json:"tuple_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	ActorID    string `json:"actor_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
	Reason     string `json:"reason,omitempty"`

	SessionUser     string `json:"session_user,omitempty"`
	ClientAddr      string `json:"client_addr,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
}

// Cursor is a keyset pagination position, total-ordered by
// (event_time, event_id) so pages stay stable under burst writes.
type Cursor struct {
	EventTime time.Time
	EventID   string
}

// Filter selects events for a tenant-scoped query. Nil fields are not
// applied. Results are ordered newest first.
type Filter struct {
	Type        *string
	ActorID     *string
	Resource    *[2]string // (type, id)
	Subject     *[2]string // (type, id)
	Since       *time.Time
	Until       *time.Time
	Limit       int
	AfterCursor *Cursor
}

// Repository is the storage contract for the event trail. Event inserts are
// not part of the contract: they happen inside the mutating transaction of
// the tuple and hierarchy stores so that both commit or both roll back.
type Repository interface {
	// List returns events for one namespace matching the filter.
	List(ctx context.Context, ns string, f Filter) ([]Event, error)

	// EnsurePartitions idempotently creates the partition for the current
	// month and the next monthsAhead months, returning the names of the
	// partitions it created.
	EnsurePartitions(ctx context.Context, monthsAhead int) ([]string, error)

	// DropPartitions drops partitions older than now minus keepMonths and
	// returns their names. Partitions inside the window, including
	// future-dated ones, are preserved.
	DropPartitions(ctx context.Context, keepMonths int) ([]string, error)

	// CreatePartition creates the partition for one month. Month must lie
	// in [1,12]. Returns the partition name, or "" when it already existed.
	CreatePartition(ctx context.Context, year, month int) (string, error)
}

// PartitionName returns the physical table name for a month's partition,
// audit_events_yYYYYmMM.
func PartitionName(year, month int) string {
	return fmt.Sprintf("audit_events_y%04dm%02d", year, month)
}
