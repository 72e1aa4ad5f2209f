package processor

import (
	"context"
	"testing"
	"time"

	"github.com/monorise/core/event"
	"github.com/monorise/core/store"
)

// prejoinRegistry models students whose school links are prejoined through
// their classes, and mentors subscribed to student changes.
func prejoinRegistry() *store.Registry {
	r := store.NewRegistry()
	r.Register("student", store.EntityTypeConfig{
		Subscribes: []store.Subscription{{EntityType: "class"}},
		Prejoins: []store.Prejoin{{
			MutualField:      "schools",
			TargetEntityType: "school",
			EntityPaths: []store.PrejoinHop{
				{EntityType: "student"},
				{EntityType: "class"},
				{EntityType: "school"},
			},
		}},
	})
	r.Register("class", store.EntityTypeConfig{})
	r.Register("school", store.EntityTypeConfig{})
	r.Register("mentor", store.EntityTypeConfig{
		Subscribes: []store.Subscription{{EntityType: "student"}},
	})
	return r
}

func TestHandlePrejoinSyncWalksChain(t *testing.T) {
	p, s, pub := newTestProcessor(t, prejoinRegistry())
	ctx := context.Background()

	mustCreateMutual(t, s, "student", "s1", "class", "c1")
	mustCreateMutual(t, s, "class", "c1", "school", "sch1")
	mustCreateMutual(t, s, "class", "c1", "school", "sch2")

	publishedAt := store.FormatTime(time.Now())
	resp, err := p.HandlePrejoinSync(ctx, sqsEvent(t, event.EntityMutualProcessed,
		event.RelationshipSyncPayload{
			ByEntityType: "student",
			ByEntityID:   "s1",
			EntityType:   "class",
			PublishedAt:  publishedAt,
		}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("failures = %v", resp.BatchItemFailures)
	}

	updates := pub.byType("entity-mutual-to-update")
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	payload := updates[0].payload.(event.MutualReconcilePayload)
	if payload.Field != "schools" || payload.EntityType != "school" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.MutualIDs) != 2 {
		t.Errorf("mutualIDs = %v, want both schools", payload.MutualIDs)
	}
	if payload.PublishedAt != publishedAt {
		t.Errorf("publishedAt = %s, want the trigger's", payload.PublishedAt)
	}
}

func TestHandlePrejoinSyncHopProcessor(t *testing.T) {
	r := prejoinRegistry()
	cfg, _ := r.Config("student")
	cfg.Prejoins[0].EntityPaths[2].Processor = func(items []*store.Mutual, chainContext map[string]any) ([]*store.Mutual, map[string]any) {
		// keep only the first school and note how many were seen
		chainContext["seen"] = len(items)
		if len(items) > 1 {
			items = items[:1]
		}
		return items, chainContext
	}
	r.Register("student", cfg)

	p, s, pub := newTestProcessor(t, r)
	ctx := context.Background()

	mustCreateMutual(t, s, "student", "s1", "class", "c1")
	mustCreateMutual(t, s, "class", "c1", "school", "sch1")
	mustCreateMutual(t, s, "class", "c1", "school", "sch2")

	if _, err := p.HandlePrejoinSync(ctx, sqsEvent(t, event.EntityMutualProcessed,
		event.RelationshipSyncPayload{
			ByEntityType: "student",
			ByEntityID:   "s1",
			EntityType:   "class",
			PublishedAt:  store.FormatTime(time.Now()),
		})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	updates := pub.byType("entity-mutual-to-update")
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	payload := updates[0].payload.(event.MutualReconcilePayload)
	if len(payload.MutualIDs) != 1 {
		t.Errorf("mutualIDs = %v, want the processor's filtered set", payload.MutualIDs)
	}
	if payload.CustomContext["seen"] != 2 {
		t.Errorf("customContext = %v", payload.CustomContext)
	}
}

func TestHandlePrejoinSyncFansOutToSubscribers(t *testing.T) {
	p, s, pub := newTestProcessor(t, prejoinRegistry())
	ctx := context.Background()

	// mentors linked to the student get their own refresh event
	mustCreateMutual(t, s, "student", "s1", "mentor", "m1")
	mustCreateMutual(t, s, "student", "s1", "mentor", "m2")

	publishedAt := store.FormatTime(time.Now())
	if _, err := p.HandlePrejoinSync(ctx, sqsEvent(t, event.EntityMutualProcessed,
		event.RelationshipSyncPayload{
			ByEntityType: "student",
			ByEntityID:   "s1",
			EntityType:   "class",
			PublishedAt:  publishedAt,
		})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	syncs := pub.byType("prejoin-relationship-sync")
	if len(syncs) != 2 {
		t.Fatalf("syncs = %d, want one per linked mentor", len(syncs))
	}
	for _, e := range syncs {
		payload := e.payload.(event.RelationshipSyncPayload)
		if payload.ByEntityType != "mentor" {
			t.Errorf("sync addressed to %s, want mentor", payload.ByEntityType)
		}
		if payload.EntityType != "student" {
			t.Errorf("sync source = %s, want student", payload.EntityType)
		}
		if payload.PublishedAt != publishedAt {
			t.Errorf("publishedAt = %s", payload.PublishedAt)
		}
	}
}

func TestHandlePrejoinSyncNoConfigNoUpdates(t *testing.T) {
	p, _, pub := newTestProcessor(t, prejoinRegistry())

	// class has no prejoins and no subscribers
	resp, err := p.HandlePrejoinSync(context.Background(), sqsEvent(t, event.EntityMutualProcessed,
		event.RelationshipSyncPayload{
			ByEntityType: "class",
			ByEntityID:   "c1",
			EntityType:   "school",
			PublishedAt:  store.FormatTime(time.Now()),
		}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 || len(pub.events) != 0 {
		t.Fatalf("nothing should happen: failures=%v events=%v", resp.BatchItemFailures, pub.events)
	}
}
