package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/truthforge/forge/internal/crm"
	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
)

func newTestStore(t *testing.T) (*canonical.Store, *logger.Logger) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatal(err)
	}
	store, err := canonical.Open(filepath.Join(t.TempDir(), "canonical.db"), log)
	if err != nil {
		t.Fatalf("open canonical store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, log
}

func contactWithMeta(id string, version int64, lastUpdated string) *domain.Contact {
	meta, _ := json.Marshal(domain.SyncMeta{Version: version, LastUpdated: lastUpdated})
	now := time.Now().UTC()
	return &domain.Contact{
		ContactID:       id,
		CanonicalName:   "Ada Lovelace",
		FirstName:       "Ada",
		LastName:        "Lovelace",
		SyncMetadataRaw: datatypes.JSON(meta),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// fakeSatellite is an in-memory Satellite.
type fakeSatellite struct {
	name     string
	contacts map[string]*domain.Contact
	saves    int
	failSave bool
}

func newFakeSatellite(name string) *fakeSatellite {
	return &fakeSatellite{name: name, contacts: make(map[string]*domain.Contact)}
}

func (f *fakeSatellite) Name() string { return f.name }

func (f *fakeSatellite) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %s not in %s", id, f.name)
	}
	snap := *c
	return &snap, nil
}

func (f *fakeSatellite) SaveContact(ctx context.Context, c *domain.Contact) error {
	if f.failSave {
		return fmt.Errorf("%s is down", f.name)
	}
	f.saves++
	snap := *c
	f.contacts[c.ContactID] = &snap
	return nil
}

func (f *fakeSatellite) SaveBusiness(ctx context.Context, b *domain.Business) error {
	if f.failSave {
		return fmt.Errorf("%s is down", f.name)
	}
	f.saves++
	return nil
}

func (f *fakeSatellite) ContactsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Contact, error) {
	var out []domain.Contact
	for _, c := range f.contacts {
		if c.UpdatedAt.After(since) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// fakeCRM is an in-memory CRMClient.
type fakeCRM struct {
	people  map[string]crm.Person
	creates int
	updates int
	fail    bool
}

func newFakeCRM() *fakeCRM { return &fakeCRM{people: make(map[string]crm.Person)} }

func (f *fakeCRM) FindPersonID(ctx context.Context, firstName, lastName string) (string, error) {
	if f.fail {
		return "", &crm.APIError{Status: 503, Body: "unavailable"}
	}
	for id, p := range f.people {
		if p.FirstName == firstName && p.LastName == lastName {
			return id, nil
		}
	}
	return "", nil
}

func (f *fakeCRM) CreatePerson(ctx context.Context, p crm.Person) (string, error) {
	if f.fail {
		return "", &crm.APIError{Status: 503, Body: "unavailable"}
	}
	f.creates++
	id := fmt.Sprintf("person-%d", f.creates)
	f.people[id] = p
	return id, nil
}

func (f *fakeCRM) UpdatePerson(ctx context.Context, personID string, p crm.Person) error {
	if f.fail {
		return &crm.APIError{Status: 503, Body: "unavailable"}
	}
	f.updates++
	f.people[personID] = p
	return nil
}

// fakeAlerter records alerts and optionally fails.
type fakeAlerter struct {
	alerts []string
	fail   bool
}

func (f *fakeAlerter) Alert(ctx context.Context, subject string, payload any) error {
	if f.fail {
		return fmt.Errorf("alert channel down")
	}
	f.alerts = append(f.alerts, subject)
	return nil
}

func (f *fakeAlerter) Close() error { return nil }

func countSyncErrors(t *testing.T, store *canonical.Store) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT count(*) FROM sync_errors_log`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestConflictResolver(t *testing.T) {
	store, log := newTestStore(t)
	r := NewResolver(store, log)
	ctx := context.Background()
	t0 := "2026-03-01T10:00:00Z"
	t1 := "2026-03-01T11:00:00Z"

	cases := []struct {
		name       string
		source     *domain.Contact
		target     *domain.Contact
		wantWinner string // "source", "target", "none"
		wantReason string
	}{
		{"source higher version", contactWithMeta("c1", 4, t0), contactWithMeta("c1", 3, t1), "source", ReasonHigherVersion},
		{"target higher version", contactWithMeta("c1", 2, t1), contactWithMeta("c1", 3, t0), "target", ReasonHigherVersion},
		{"later timestamp wins", contactWithMeta("c1", 3, t1), contactWithMeta("c1", 3, t0), "source", ReasonLaterTimestamp},
		{"bad timestamp escalates", contactWithMeta("c1", 3, "not-a-time"), contactWithMeta("c1", 3, t0), "none", ReasonBadTimestamps},
		{"exact tie escalates", contactWithMeta("c1", 3, t0), contactWithMeta("c1", 3, t0), "none", ReasonManualResolution},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := r.Resolve(ctx, tc.source, tc.target, "satellite", "canonical")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if d.Reason != tc.wantReason {
				t.Fatalf("reason = %q, want %q", d.Reason, tc.wantReason)
			}
			switch tc.wantWinner {
			case "source":
				if d.Winner != tc.source {
					t.Fatal("source should win")
				}
			case "target":
				if d.Winner != tc.target {
					t.Fatal("target should win")
				}
			case "none":
				if d.Winner != nil {
					t.Fatal("tie must not pick a winner")
				}
			}
		})
	}

	pending, err := r.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending conflicts = %d, want 2", len(pending))
	}
	if err := r.MarkResolved(ctx, pending[0].ConflictID, domain.ConflictResolved, "kept source"); err != nil {
		t.Fatal(err)
	}
	pending, err = r.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after resolution = %d, want 1", len(pending))
	}
	if err := r.MarkResolved(ctx, pending[0].ConflictID, "pending", "no"); err == nil {
		t.Fatal("invalid resolution status accepted")
	}
}

func TestReporterThreeSideEffects(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	contact := contactWithMeta("c1", 1, "2026-03-01T10:00:00Z")
	if err := store.UpsertContact(ctx, contact); err != nil {
		t.Fatal(err)
	}

	alerter := &fakeAlerter{}
	rep := NewReporter(store, alerter, log)
	errID := rep.Report(ctx, domain.KindContact, "c1", domain.SourceRelational, domain.ErrNetwork, fmt.Errorf("connection refused"))
	if errID == "" {
		t.Fatal("no error id returned")
	}

	got, err := store.GetContact(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	var recs []domain.SyncErrorRecord
	if err := json.Unmarshal(got.SyncErrors, &recs); err != nil {
		t.Fatalf("contact sync_errors not appended: %v", err)
	}
	if len(recs) != 1 || recs[0].ErrorType != domain.ErrNetwork {
		t.Fatalf("contact sync_errors = %+v", recs)
	}
	if n := countSyncErrors(t, store); n != 1 {
		t.Fatalf("central log rows = %d, want 1", n)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts = %v", alerter.alerts)
	}

	if err := rep.Resolve(ctx, errID, "transient blip"); err != nil {
		t.Fatal(err)
	}

	// A failing alert channel must not stop the other two sinks.
	alerter.fail = true
	rep.Report(ctx, domain.KindContact, "c1", domain.SourceEmbedded, domain.ErrDatabase, fmt.Errorf("disk full"))
	if n := countSyncErrors(t, store); n != 2 {
		t.Fatalf("central log rows after alert failure = %d, want 2", n)
	}
}

func TestBusRetryThenSuccess(t *testing.T) {
	store, log := newTestStore(t)
	b := NewBus(NewReporter(store, nil, log), log)
	b.sleep = func(ctx context.Context, d time.Duration) {}

	attempts := 0
	doneCh := make(chan struct{})
	b.Subscribe(domain.KindContact, func(ctx context.Context, ev BusEvent) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky handler")
		}
		close(doneCh)
		return nil
	})

	b.Start(context.Background())
	defer b.Stop()
	if err := b.Publish(BusEvent{Kind: domain.KindContact, EntityID: "c1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("event never succeeded")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestBusAbandonsAfterMaxRetries(t *testing.T) {
	store, log := newTestStore(t)
	contact := contactWithMeta("c1", 1, "2026-03-01T10:00:00Z")
	if err := store.UpsertContact(context.Background(), contact); err != nil {
		t.Fatal(err)
	}
	b := NewBus(NewReporter(store, nil, log), log)
	b.sleep = func(ctx context.Context, d time.Duration) {}

	attempts := 0
	b.Subscribe(domain.KindContact, func(ctx context.Context, ev BusEvent) error {
		attempts++
		return fmt.Errorf("always broken")
	})

	b.Start(context.Background())
	if err := b.Publish(BusEvent{Kind: domain.KindContact, EntityID: "c1", Source: domain.SourceLocal}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for countSyncErrors(t, store) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("abandonment never reported")
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.Stop()

	// First delivery plus max_retries redeliveries.
	if attempts != 1+defaultMaxRetries {
		t.Fatalf("attempts = %d, want %d", attempts, 1+defaultMaxRetries)
	}
}

func TestBusDrainsHighPriorityFirst(t *testing.T) {
	store, log := newTestStore(t)
	b := NewBus(NewReporter(store, nil, log), log)
	if err := b.Publish(BusEvent{Kind: domain.KindContact, EntityID: "low", Priority: PriorityLow}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(BusEvent{Kind: domain.KindContact, EntityID: "crit", Priority: PriorityCritical}); err != nil {
		t.Fatal(err)
	}
	ev, ok := b.next(context.Background())
	if !ok || ev.EntityID != "crit" {
		t.Fatalf("first dequeue = %+v", ev)
	}
	ev, ok = b.next(context.Background())
	if !ok || ev.EntityID != "low" {
		t.Fatalf("second dequeue = %+v", ev)
	}
}

func TestFanoutPartialFailure(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertContact(ctx, contactWithMeta("c1", 1, "2026-03-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertIdentifier(ctx, &domain.ContactIdentifier{
		ContactID: "c1", IdentifierType: domain.IdentifierEmail, Value: "ada@example.com", IsPrimary: true,
	}); err != nil {
		t.Fatal(err)
	}

	relational := newFakeSatellite(domain.SourceRelational)
	embedded := newFakeSatellite(domain.SourceEmbedded)
	embedded.failSave = true
	crmFake := newFakeCRM()
	rep := NewReporter(store, nil, log)
	f := NewFanout(store, relational, embedded, crmFake, rep, log)

	res, err := f.SyncContact(ctx, "c1")
	if err != nil {
		t.Fatalf("partial failure must not fail the fan-out: %v", err)
	}
	if len(res.Results) != 4 {
		t.Fatalf("result slots = %d, want 4", len(res.Results))
	}
	want := map[string]string{
		domain.SourceCanonical:  StatusSynced,
		domain.SourceRelational: StatusSynced,
		domain.SourceEmbedded:   StatusError,
		domain.SourceCRM:        StatusSynced,
	}
	for dest, status := range want {
		slot, ok := res.Slot(dest)
		if !ok || slot.Status != status {
			t.Errorf("%s slot = %+v, want %s", dest, slot, status)
		}
	}
	if crmFake.creates != 1 {
		t.Fatalf("crm creates = %d, want 1", crmFake.creates)
	}
	if crmFake.people["person-1"].Email != "ada@example.com" {
		t.Fatalf("identifier not merged into crm shape: %+v", crmFake.people["person-1"])
	}
	if countSyncErrors(t, store) != 1 {
		t.Fatal("embedded failure not reported")
	}
}

func TestFanoutInlinesRelationshipsForCRM(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertContact(ctx, contactWithMeta("c1", 1, "2026-03-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertRelationship(ctx, &domain.Relationship{
		Person1ID: "c1", Person2ID: "c2", RelationshipType: "sibling", Direction: "bidirectional",
	}); err != nil {
		t.Fatal(err)
	}

	relational := newFakeSatellite(domain.SourceRelational)
	crmFake := newFakeCRM()
	f := NewFanout(store, relational, nil, crmFake, NewReporter(store, nil, log), log)
	if _, err := f.SyncContact(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	// The satellite copy keeps the blob untouched; that augmentation is
	// CRM-only by contract.
	if len(relational.contacts["c1"].SocialNetwork) != 0 {
		t.Fatal("relationship edges leaked into the satellite copy")
	}
}

func TestDispatcherReplayIdempotence(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertContact(ctx, contactWithMeta("c1", 1, "2026-03-01T10:00:00Z")); err != nil {
		t.Fatal(err)
	}

	relational := newFakeSatellite(domain.SourceRelational)
	embedded := newFakeSatellite(domain.SourceEmbedded)
	rep := NewReporter(store, nil, log)
	f := NewFanout(store, relational, embedded, nil, rep, log)
	d := NewDispatcher(store, f, rep, log)

	ev := BusEvent{
		EventID:    domain.NewEventID(domain.SourceLocal, domain.KindContact, "c1", time.Now()),
		Kind:       domain.KindContact,
		EntityID:   "c1",
		ChangeType: domain.ChangeUpdate,
	}
	if err := d.HandleContact(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if relational.saves != 1 || embedded.saves != 1 {
		t.Fatalf("saves after first delivery = %d/%d", relational.saves, embedded.saves)
	}

	if err := d.HandleContact(ctx, ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if relational.saves != 1 || embedded.saves != 1 {
		t.Fatalf("replay re-applied: saves = %d/%d", relational.saves, embedded.saves)
	}
}

func TestCDCCaptureAndPendingSweep(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	rep := NewReporter(store, nil, log)
	cdc := NewCDC(store, nil, rep, log)

	err := cdc.CaptureChange(ctx, domain.SourceLocal, domain.KindContact, "c1",
		domain.ChangeInsert, map[string]any{"canonical_name": "Ada"}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	pending, err := store.PendingChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	n, err := cdc.ProcessPendingChanges(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	pending, err = store.PendingChanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after sweep = %d, want 0", len(pending))
	}

	st, err := cdc.Status(ctx, domain.KindContact, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalEvents != 1 || st.Pending != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestInboundWinnerUpsertAndTieEscalation(t *testing.T) {
	store, log := newTestStore(t)
	ctx := context.Background()
	tie := "2026-03-01T10:00:00Z"
	if err := store.UpsertContact(ctx, contactWithMeta("c1", 3, tie)); err != nil {
		t.Fatal(err)
	}

	sat := newFakeSatellite(domain.SourceRelational)
	rep := NewReporter(store, nil, log)
	resolver := NewResolver(store, log)
	fan := NewFanout(store, sat, nil, nil, rep, log)
	in := NewInbound(store, resolver, fan, rep, log)

	// StampInbound bumps 5 to 6, beating the canonical 3: inbound wins.
	winner := contactWithMeta("c1", 5, tie)
	winner.Nickname = "Countess"
	sat.contacts["c1"] = winner
	if _, err := in.SyncContact(ctx, sat, "c1"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetContact(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Nickname != "Countess" {
		t.Fatal("winning inbound row not upserted")
	}
	if got.Meta().Version != 6 || got.Meta().LastUpdatedBy != domain.SourceRelational {
		t.Fatalf("sync metadata not stamped: %+v", got.Meta())
	}
	if sat.saves == 0 {
		t.Fatal("fan-out not re-triggered after inbound accept")
	}

	// Even after the inbound stamp bumps it, a stale satellite row carries a
	// lower version than canonical and must not win.
	canonicalNow, _ := store.GetContact(ctx, "c1")
	stale := contactWithMeta("c1", canonicalNow.Meta().Version-2, canonicalNow.Meta().LastUpdated)
	stale.Nickname = "Stale"
	sat.contacts["c1"] = stale
	savesBefore := sat.saves
	if _, err := in.SyncContact(ctx, sat, "c1"); err != nil {
		t.Fatal(err)
	}
	after, err := store.GetContact(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Nickname == "Stale" {
		t.Fatal("stale inbound row overwrote canonical")
	}
	if sat.saves != savesBefore {
		t.Fatal("fan-out triggered for a losing inbound row")
	}
}

func TestCoordinatorLifecycle(t *testing.T) {
	store, log := newTestStore(t)
	rep := NewReporter(store, nil, log)
	bus := NewBus(rep, log)
	bus.sleep = func(ctx context.Context, d time.Duration) {}
	cdc := NewCDC(store, bus, rep, log)
	c := NewCoordinator(cdc, bus, nil, log)

	ctx := context.Background()
	c.Start(ctx)
	c.Start(ctx) // idempotent
	if !c.Healthy() {
		t.Fatal("coordinator not healthy after start")
	}

	err := c.CaptureChange(ctx, domain.SourceLocal, domain.KindContact, "c1",
		domain.ChangeInsert, map[string]any{"canonical_name": "Ada"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	st, err := c.Status(ctx, domain.KindContact, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.CDC.TotalEvents != 1 {
		t.Fatalf("status = %+v", st)
	}

	c.Stop()
	if c.Healthy() {
		t.Fatal("coordinator healthy after stop")
	}
	c.Stop() // safe to call twice
}
