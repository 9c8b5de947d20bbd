package followup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/clinic-followups/internal/lease"
	"github.com/wolfman30/clinic-followups/internal/observability/metrics"
	"github.com/wolfman30/clinic-followups/pkg/logging"
)

// memStore is an in-memory due-set source that applies commits the same way the SQL does.
type memStore struct {
	mu        sync.Mutex
	items     []PendingFollowUp
	readErr   error
	commitErr map[uuid.UUID]error
	commits   map[uuid.UUID][]CommitKey
	// stale returns announced rows too, as a lagging replica would.
	stale bool
}

func newMemStore(items ...PendingFollowUp) *memStore {
	return &memStore{items: items, commits: map[uuid.UUID][]CommitKey{}, commitErr: map[uuid.UUID]error{}}
}

func (m *memStore) FindPendingFollowUps(ctx context.Context) ([]PendingFollowUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []PendingFollowUp
	for _, item := range m.items {
		if item.Notified && !m.stale {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *memStore) MarkFollowUpsNotified(ctx context.Context, clinicianID uuid.UUID, keys []CommitKey) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.commitErr[clinicianID]; err != nil {
		return 0, err
	}
	m.commits[clinicianID] = append(m.commits[clinicianID], keys...)
	var n int64
	for _, k := range keys {
		for i := range m.items {
			item := &m.items[i]
			if item.FollowUpID != k.FollowUpID || item.ClinicianID != clinicianID || item.Notified {
				continue
			}
			if item.DueAt == nil || !item.DueAt.Equal(k.DueAt) {
				continue
			}
			item.Notified = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) notified(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.FollowUpID == id {
			return item.Notified
		}
	}
	return false
}

func (m *memStore) committed(clinicianID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, k := range m.commits[clinicianID] {
		ids = append(ids, k.FollowUpID)
	}
	return ids
}

type memDirectory struct {
	clinicians map[uuid.UUID]Clinician
	err        map[uuid.UUID]error
	panicOn    uuid.UUID
}

func (d *memDirectory) GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	if id == d.panicOn {
		panic("directory exploded")
	}
	if err := d.err[id]; err != nil {
		return nil, err
	}
	c, ok := d.clinicians[id]
	if !ok {
		return nil, ErrClinicianNotFound
	}
	return &c, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*logging.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return &logging.Logger{Logger: slog.New(slog.NewJSONHandler(buf, nil))}, buf
}

type harness struct {
	store     *memStore
	directory *memDirectory
	gateway   *fakeGateway
	recorder  *fakeRecorder
	logs      *syncBuffer
	scheduler *Scheduler
}

func newHarness(t *testing.T, at time.Time, clinicians []Clinician, items ...PendingFollowUp) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(items...),
		directory: &memDirectory{clinicians: map[uuid.UUID]Clinician{}, err: map[uuid.UUID]error{}},
		gateway:   &fakeGateway{fail: map[string]error{}, block: map[string]bool{}},
		recorder:  &fakeRecorder{},
	}
	for _, c := range clinicians {
		h.directory.clinicians[c.ID] = c
	}
	logger, buf := testLogger()
	h.logs = buf
	dispatcher := NewDispatcher(h.gateway, logger).WithRecorder(h.recorder)
	h.scheduler = NewScheduler(Config{
		TriggerHour:      DefaultTriggerHour,
		Workers:          3,
		ClinicianTimeout: time.Second,
	}, h.store, h.directory, dispatcher, logger).WithClock(func() time.Time { return at })
	return h
}

func TestTickLosAngelesEndToEnd(t *testing.T) {
	la := mustLoad(t, "America/Los_Angeles")
	doc := Clinician{ID: uuid.New(), Timezone: "America/Los_Angeles", PushAddress: "tok-la"}
	// 09:03 local on 2025-03-04.
	at := time.Date(2025, 3, 4, 9, 3, 0, 0, la)

	nine := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 9, 0, 0, 0, la)))
	two := pending(doc.ID, "Bo", dueAt(time.Date(2025, 3, 5, 14, 0, 0, 0, la)))
	four := pending(doc.ID, "Cy", dueAt(time.Date(2025, 3, 5, 16, 0, 0, 0, la)))
	future1 := pending(doc.ID, "Di", dueAt(time.Date(2025, 3, 9, 10, 0, 0, 0, la)))
	future2 := pending(doc.ID, "Ed", dueAt(time.Date(2025, 3, 9, 11, 0, 0, 0, la)))

	h := newHarness(t, at, []Clinician{doc}, four, future1, nine, future2, two)

	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Clinicians)
	assert.Equal(t, 1, report.GatedOpen)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 3, report.CommittedFollowUps)

	msgs := h.gateway.sentTo("tok-la")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Follow-ups Tomorrow", msgs[0].Title)
	assert.Equal(t, "You have 3 follow-ups tomorrow: Ada (3/5/2025), Bo (3/5/2025), Cy (3/5/2025)", msgs[0].Body)
	assert.Equal(t, "3", msgs[0].Data["followUpCount"])

	var preview []PreviewEntry
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Data["followUps"]), &preview))
	assert.Len(t, preview, 3)

	assert.ElementsMatch(t, []uuid.UUID{nine.FollowUpID, two.FollowUpID, four.FollowUpID}, h.store.committed(doc.ID))
	assert.True(t, h.store.notified(nine.FollowUpID))
	assert.True(t, h.store.notified(four.FollowUpID))
	assert.False(t, h.store.notified(future1.FollowUpID))
	assert.False(t, h.store.notified(future2.FollowUpID))

	require.Len(t, h.recorder.entries, 1)
	assert.True(t, h.recorder.entries[0].Success)
}

func TestTickGateClosedDoesNothing(t *testing.T) {
	la := mustLoad(t, "America/Los_Angeles")
	doc := Clinician{ID: uuid.New(), Timezone: "America/Los_Angeles", PushAddress: "tok"}
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 9, 0, 0, 0, la)))

	for _, at := range []time.Time{
		time.Date(2025, 3, 4, 8, 59, 0, 0, la),
		time.Date(2025, 3, 4, 10, 0, 0, 0, la),
	} {
		h := newHarness(t, at, []Clinician{doc}, item)
		report, err := h.scheduler.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, report.GatedOpen)
		assert.Equal(t, 1, report.Skipped)
		assert.Empty(t, h.gateway.sent)
		assert.Empty(t, h.store.committed(doc.ID))
		assert.Empty(t, h.recorder.entries)
	}
}

func TestTickGatesEachClinicianInOwnZone(t *testing.T) {
	la := mustLoad(t, "America/Los_Angeles")
	ny := mustLoad(t, "America/New_York")
	west := Clinician{ID: uuid.New(), Timezone: "America/Los_Angeles", PushAddress: "west"}
	east := Clinician{ID: uuid.New(), Timezone: "America/New_York", PushAddress: "east"}
	at := time.Date(2025, 3, 4, 9, 15, 0, 0, la) // 12:15 in New York

	h := newHarness(t, at, []Clinician{west, east},
		pending(west.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, la))),
		pending(east.ID, "Bo", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, ny))),
	)
	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Dispatched)
	assert.Len(t, h.gateway.sentTo("west"), 1)
	assert.Empty(t, h.gateway.sentTo("east"))
}

func TestTickInvalidTimezoneFallsBackToUTC(t *testing.T) {
	doc := Clinician{ID: uuid.New(), Timezone: "Not/AZone", PushAddress: "tok"}
	at := time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)))

	reg := prometheus.NewRegistry()
	h := newHarness(t, at, []Clinician{doc}, item)
	h.scheduler.WithMetrics(metrics.NewSchedulerMetrics(reg))

	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched)
	assert.Contains(t, h.logs.String(), "invalid clinician timezone")
}

func TestTickFailureIsolation(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 5, 0, 0, time.UTC)
	a := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "tok-a"}
	b := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "tok-b"}
	itemA := pending(a.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)))
	itemB := pending(b.ID, "Bo", dueAt(time.Date(2025, 3, 5, 11, 0, 0, 0, time.UTC)))

	h := newHarness(t, at, []Clinician{a, b}, itemA, itemB)
	h.gateway.fail["tok-a"] = errors.New("unavailable")

	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.CommittedFollowUps)
	assert.False(t, h.store.notified(itemA.FollowUpID))
	assert.True(t, h.store.notified(itemB.FollowUpID))
	assert.Empty(t, h.store.committed(a.ID))
	assert.Len(t, h.recorder.entries, 2)
}

func TestTickIsolatesSlowAndPanickingClinicians(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 5, 0, 0, time.UTC)
	slow := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "slow"}
	broken := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "broken"}
	fine := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "fine"}
	due := dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC))
	slowItem := pending(slow.ID, "Ada", due)
	fineItem := pending(fine.ID, "Cy", due)

	h := newHarness(t, at, []Clinician{slow, broken, fine}, slowItem, pending(broken.ID, "Bo", due), fineItem)
	h.gateway.block["slow"] = true
	h.directory.panicOn = broken.ID
	h.scheduler.cfg.ClinicianTimeout = 30 * time.Millisecond

	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Clinicians)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 2, report.Failed)
	assert.False(t, h.store.notified(slowItem.FollowUpID))
	assert.True(t, h.store.notified(fineItem.FollowUpID))
	assert.Contains(t, h.logs.String(), "clinician pipeline panic")
}

func TestTickIsIdempotentWithinGatedHour(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	doc := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "tok"}
	x := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)))
	y := pending(doc.ID, "Bo", dueAt(time.Date(2025, 3, 5, 11, 0, 0, 0, time.UTC)))

	h := newHarness(t, at, []Clinician{doc}, x, y)
	// The read path lags and keeps returning announced rows.
	h.store.stale = true

	first, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Dispatched)

	h.scheduler.WithClock(func() time.Time { return at.Add(15 * time.Minute) })
	second, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Dispatched)
	assert.Equal(t, 1, second.GatedOpen)

	assert.Len(t, h.gateway.sentTo("tok"), 1)
	assert.Len(t, h.store.committed(doc.ID), 2)
}

func TestTickNoPushAddress(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	doc := Clinician{ID: uuid.New(), Timezone: "UTC"}
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)))

	h := newHarness(t, at, []Clinician{doc}, item)

	var report TickReport
	var err error
	assert.NotPanics(t, func() {
		report, err = h.scheduler.Tick(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.GatedOpen)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.CommittedFollowUps)
	assert.False(t, h.store.notified(item.FollowUpID))
	assert.Empty(t, h.gateway.sent)

	// The batcher still composed a payload, which is what the log shows.
	require.Len(t, h.recorder.entries, 1)
	assert.False(t, h.recorder.entries[0].Success)
	assert.Contains(t, h.recorder.entries[0].Body, "You have 1 follow-ups tomorrow")
}

func TestTickClinicianNotFoundIsSkipped(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	ghost := uuid.New()
	h := newHarness(t, at, nil, pending(ghost, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC))))

	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)
}

func TestTickDirectoryErrorIsPerClinician(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	a := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "a"}
	b := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "b"}
	due := dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC))
	h := newHarness(t, at, []Clinician{a, b}, pending(a.ID, "Ada", due), pending(b.ID, "Bo", due))
	h.directory.err[a.ID] = errors.New("connection reset")

	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Dispatched)
}

func TestTickReadFailureFailsTick(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, at, nil)
	h.store.readErr = errors.New("too many connections")

	reg := prometheus.NewRegistry()
	h.scheduler.WithMetrics(metrics.NewSchedulerMetrics(reg))

	_, err := h.scheduler.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read due set")
	assert.Empty(t, h.gateway.sent)
}

func TestTickCommitFailureAlerts(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	doc := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "tok"}
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)))

	h := newHarness(t, at, []Clinician{doc}, item)
	h.store.commitErr[doc.ID] = errors.New("deadlock detected")

	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, report.CommitFailures)
	assert.Equal(t, 0, report.CommittedFollowUps)
	assert.False(t, h.store.notified(item.FollowUpID))

	var alerted bool
	for _, line := range strings.Split(strings.TrimSpace(h.logs.String()), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if entry["alert"] == true {
			alerted = true
			assert.Equal(t, "ERROR", entry["level"])
		}
	}
	assert.True(t, alerted, "commit failure after delivery must alert")
}

func TestTickCommitSurvivesClinicianDeadline(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	doc := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "tok"}
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)))
	h := newHarness(t, at, []Clinician{doc}, item)

	ctx, cancel := context.WithCancel(context.Background())
	h.gateway.entered = make(chan string, 1)
	go func() {
		<-h.gateway.entered
		cancel()
	}()
	_, err := h.scheduler.Tick(ctx)
	require.NoError(t, err)
	// The caller's context was cancelled mid-delivery; the commit runs on its own deadline.
	require.Len(t, h.gateway.sentTo("tok"), 1)
	assert.True(t, h.store.notified(item.FollowUpID))
}

func TestTickRejectsOverlap(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	doc := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "slow"}
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)))
	h := newHarness(t, at, []Clinician{doc}, item)
	h.gateway.entered = make(chan string, 1)
	h.gateway.block["slow"] = true
	h.scheduler.cfg.ClinicianTimeout = 200 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.scheduler.Tick(context.Background())
	}()
	<-h.gateway.entered

	_, err := h.scheduler.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)
	<-done

	_, err = h.scheduler.Tick(context.Background())
	assert.NotErrorIs(t, err, ErrTickInProgress)
}

type heldLease struct{}

func (heldLease) TryAcquire(ctx context.Context) (lease.ReleaseFunc, bool, error) {
	return nil, false, nil
}

type countingLease struct {
	acquired, released int
}

func (l *countingLease) TryAcquire(ctx context.Context) (lease.ReleaseFunc, bool, error) {
	l.acquired++
	return func(context.Context) error { l.released++; return nil }, true, nil
}

func TestTickLease(t *testing.T) {
	at := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	doc := Clinician{ID: uuid.New(), Timezone: "UTC", PushAddress: "tok"}
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)))

	h := newHarness(t, at, []Clinician{doc}, item)
	h.scheduler.WithLease(heldLease{})
	report, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.LeaseHeld)
	assert.Empty(t, h.gateway.sent)

	l := &countingLease{}
	h.scheduler.WithLease(l)
	report, err = h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, report.LeaseHeld)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, l.acquired)
	assert.Equal(t, 1, l.released)
}

func TestPreviewDoesNotDispatchOrCommit(t *testing.T) {
	la := mustLoad(t, "America/Los_Angeles")
	doc := Clinician{ID: uuid.New(), Timezone: "America/Los_Angeles", PushAddress: "tok"}
	item := pending(doc.ID, "Ada", dueAt(time.Date(2025, 3, 5, 9, 0, 0, 0, la)))
	h := newHarness(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), []Clinician{doc}, item)

	attempts, err := h.scheduler.Preview(context.Background(), time.Date(2025, 3, 4, 9, 30, 0, 0, la))
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, doc.ID, attempts[0].ClinicianID)
	assert.Equal(t, DateKey("2025-03-05"), attempts[0].TomorrowKey)
	assert.Equal(t, 1, attempts[0].Count)

	assert.Empty(t, h.gateway.sent)
	assert.Empty(t, h.recorder.entries)
	assert.False(t, h.store.notified(item.FollowUpID))

	attempts, err = h.scheduler.Preview(context.Background(), time.Date(2025, 3, 4, 11, 0, 0, 0, la))
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, time.Now(), nil)
	require.NoError(t, h.scheduler.Start(context.Background()))
	assert.Error(t, h.scheduler.Start(context.Background()), "double start")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.scheduler.Stop(ctx))
	require.NoError(t, h.scheduler.Stop(ctx), "stop is idempotent")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	logger, _ := testLogger()
	s := NewScheduler(Config{Schedule: "every now and then"}, newMemStore(), &memDirectory{}, nil, logger)
	assert.Error(t, s.Start(context.Background()))
}
