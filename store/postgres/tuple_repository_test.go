// Copyright 2026 The Postkit Authors
// SPDX-License-Identifier: MIT

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/postkit/postkit-core/authz"
)

var (
	testAlice = authz.Entity{Type: "user", ID: "alice"}
	testBob   = authz.Entity{Type: "user", ID: "bob"}
	testRepo  = authz.Entity{Type: "repo", ID: "api"}
	testTeam  = authz.Entity{Type: "team", ID: "eng"}
)

func TestTupleRepository(t *testing.T) {
	db, cleanup := SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewTupleRepository(db, nil)
	actor := authz.ActorContext{ActorID: "tester@postkit.dev"}

	t.Run("insert and idempotent re-insert", func(t *testing.T) {
		id1, created, err := repo.Insert(ctx, authz.Tuple{
			Namespace: "t_tuples",
			Resource:  testRepo,
			Relation:  "read",
			Subject:   testAlice,
		}, actor)
		if err != nil {
			t.Fatalf("failed to insert tuple: %v", err)
		}
		if !created {
			t.Errorf("expected first insert to create")
		}

		id2, created, err := repo.Insert(ctx, authz.Tuple{
			Namespace: "t_tuples",
			Resource:  testRepo,
			Relation:  "read",
			Subject:   testAlice,
		}, actor)
		if err != nil {
			t.Fatalf("failed to re-insert tuple: %v", err)
		}
		if created {
			t.Errorf("expected re-insert to be idempotent")
		}
		if id1 != id2 {
			t.Errorf("expected same id, got %d and %d", id1, id2)
		}

		var events int
		err = db.Pool().QueryRow(ctx,
			"SELECT count(*) FROM audit_events WHERE namespace = 't_tuples'").Scan(&events)
		if err != nil {
			t.Fatalf("failed to count events: %v", err)
		}
		if events != 1 {
			t.Errorf("expected exactly one audit event, got %d", events)
		}
	})

	t.Run("null-distinct subject relation", func(t *testing.T) {
		_, created, err := repo.Insert(ctx, authz.Tuple{
			Namespace:       "t_tuples",
			Resource:        testRepo,
			Relation:        "read",
			Subject:         testTeam,
			SubjectRelation: "",
		}, actor)
		if err != nil || !created {
			t.Fatalf("failed to insert plain tuple: created=%v err=%v", created, err)
		}
		_, created, err = repo.Insert(ctx, authz.Tuple{
			Namespace:       "t_tuples",
			Resource:        testRepo,
			Relation:        "read",
			Subject:         testTeam,
			SubjectRelation: "admin",
		}, actor)
		if err != nil || !created {
			t.Fatalf("expected qualified tuple to be distinct: created=%v err=%v", created, err)
		}
	})

	t.Run("delete and double delete", func(t *testing.T) {
		deleted, err := repo.Delete(ctx, "t_tuples", testRepo, "read", testAlice, "", actor)
		if err != nil {
			t.Fatalf("failed to delete tuple: %v", err)
		}
		if !deleted {
			t.Errorf("expected delete to find the tuple")
		}

		deleted, err = repo.Delete(ctx, "t_tuples", testRepo, "read", testAlice, "", actor)
		if err != nil {
			t.Fatalf("double delete errored: %v", err)
		}
		if deleted {
			t.Errorf("expected double delete to return false")
		}
	})

	t.Run("membership cycle rejected", func(t *testing.T) {
		teamA := authz.Entity{Type: "team", ID: "a"}
		teamB := authz.Entity{Type: "team", ID: "b"}

		_, _, err := repo.Insert(ctx, authz.Tuple{
			Namespace: "t_cycle", Resource: teamB, Relation: "member", Subject: teamA,
		}, actor)
		if err != nil {
			t.Fatalf("failed to insert membership: %v", err)
		}

		_, _, err = repo.Insert(ctx, authz.Tuple{
			Namespace: "t_cycle", Resource: teamA, Relation: "member", Subject: teamB,
		}, actor)
		var cycleErr *authz.CycleError
		if !errors.As(err, &cycleErr) {
			t.Fatalf("expected CycleError, got %v", err)
		}

		issues, err := repo.VerifyIntegrity(ctx, "t_cycle", authz.DefaultMembershipRelations)
		if err != nil {
			t.Fatalf("failed to verify: %v", err)
		}
		if len(issues) != 0 {
			t.Errorf("expected clean namespace after rejection, got %v", issues)
		}
	})

	t.Run("memberships expansion", func(t *testing.T) {
		ns := "t_members"
		infra := authz.Entity{Type: "team", ID: "infra"}
		platform := authz.Entity{Type: "team", ID: "platform"}

		for _, tup := range []authz.Tuple{
			{Namespace: ns, Resource: infra, Relation: "member", Subject: testAlice},
			{Namespace: ns, Resource: platform, Relation: "member", Subject: infra},
		} {
			if _, _, err := repo.Insert(ctx, tup, actor); err != nil {
				t.Fatalf("failed to insert: %v", err)
			}
		}

		memberships, err := repo.Memberships(ctx, ns, testAlice, authz.DefaultMembershipRelations)
		if err != nil {
			t.Fatalf("failed to expand memberships: %v", err)
		}
		if len(memberships) != 2 {
			t.Fatalf("expected 2 memberships, got %v", memberships)
		}
		groups := map[authz.Entity]string{}
		for _, m := range memberships {
			groups[m.Group] = m.Relation
		}
		if groups[infra] != "member" || groups[platform] != "member" {
			t.Errorf("unexpected memberships: %v", groups)
		}
	})

	t.Run("expiration lifecycle", func(t *testing.T) {
		ns := "t_expiry"
		doc := authz.Entity{Type: "doc", ID: "1"}
		if _, _, err := repo.Insert(ctx, authz.Tuple{
			Namespace: ns, Resource: doc, Relation: "read", Subject: testAlice,
		}, actor); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		if err := repo.UpdateExpiration(ctx, ns, doc, "read", testBob, nil, actor); !errors.Is(err, authz.ErrGrantNotFound) {
			t.Errorf("expected ErrGrantNotFound for absent grant, got %v", err)
		}

		soon := time.Now().Add(time.Hour).UTC()
		if err := repo.UpdateExpiration(ctx, ns, doc, "read", testAlice, &soon, actor); err != nil {
			t.Fatalf("failed to set expiration: %v", err)
		}

		expiring, err := repo.ListExpiring(ctx, ns, 2*time.Hour)
		if err != nil {
			t.Fatalf("failed to list expiring: %v", err)
		}
		if len(expiring) != 1 {
			t.Fatalf("expected one expiring grant, got %d", len(expiring))
		}

		newExpiry, err := repo.ExtendExpiration(ctx, ns, doc, "read", testAlice, time.Hour, actor)
		if err != nil {
			t.Fatalf("failed to extend expiration: %v", err)
		}
		if !newExpiry.After(soon) {
			t.Errorf("expected extension past %v, got %v", soon, newExpiry)
		}

		// Expired tuples disappear from reads and cleanup removes them.
		past := time.Now().Add(-time.Hour).UTC()
		if err := repo.UpdateExpiration(ctx, ns, doc, "read", testAlice, &past, actor); err != nil {
			t.Fatalf("failed to expire grant: %v", err)
		}
		tuples, err := repo.ListForResource(ctx, ns, doc, nil)
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(tuples) != 0 {
			t.Errorf("expected expired tuple to be invisible, got %d", len(tuples))
		}

		removed, err := repo.DeleteExpired(ctx, ns, actor)
		if err != nil {
			t.Fatalf("failed to cleanup: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected one expired tuple removed, got %d", removed)
		}
	})

	t.Run("external grants and viewer leave", func(t *testing.T) {
		note := authz.Entity{Type: "note", ID: "n1"}
		if _, _, err := repo.Insert(ctx, authz.Tuple{
			Namespace: "t_org_a", Resource: note, Relation: "view", Subject: testAlice,
		}, actor); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		shared, err := repo.ListExternal(ctx, "t_org_b", testAlice, "note", "view")
		if err != nil {
			t.Fatalf("failed to list external: %v", err)
		}
		if len(shared) != 1 || shared[0].Namespace != "t_org_a" || shared[0].ResourceID != "n1" {
			t.Fatalf("unexpected external grants: %v", shared)
		}

		removed, err := repo.DeleteAsViewer(ctx, "t_org_a", note, "view", testAlice, actor)
		if err != nil {
			t.Fatalf("failed to leave share: %v", err)
		}
		if !removed {
			t.Errorf("expected leave to remove the grant")
		}

		shared, err = repo.ListExternal(ctx, "t_org_b", testAlice, "note", "view")
		if err != nil {
			t.Fatalf("failed to list external: %v", err)
		}
		if len(shared) != 0 {
			t.Errorf("expected no external grants after leave, got %d", len(shared))
		}
	})

	t.Run("bulk insert and revoke all", func(t *testing.T) {
		ns := "t_bulk"
		doc := authz.Entity{Type: "doc", ID: "1"}
		count, err := repo.BulkInsert(ctx, ns, doc, "read", "user", []string{"u1", "u2", "u3"}, actor)
		if err != nil {
			t.Fatalf("failed to bulk insert: %v", err)
		}
		if count != 3 {
			t.Errorf("expected 3 created, got %d", count)
		}

		// Re-running skips existing rows.
		count, err = repo.BulkInsert(ctx, ns, doc, "read", "user", []string{"u1", "u4"}, actor)
		if err != nil {
			t.Fatalf("failed to bulk re-insert: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 created on re-run, got %d", count)
		}

		removed, err := repo.DeleteBySubject(ctx, ns, authz.Entity{Type: "user", ID: "u1"}, "", actor)
		if err != nil {
			t.Fatalf("failed to revoke all: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected 1 removed, got %d", removed)
		}
	})

	t.Run("stats", func(t *testing.T) {
		st, err := repo.CountStats(ctx, "t_bulk")
		if err != nil {
			t.Fatalf("failed to count stats: %v", err)
		}
		if st.TupleCount != 3 {
			t.Errorf("expected 3 tuples, got %d", st.TupleCount)
		}
		if st.UniqueResources != 1 {
			t.Errorf("expected 1 resource, got %d", st.UniqueResources)
		}
	})
}
