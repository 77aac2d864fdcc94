package mutation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rizo8107/skiddys-learning-platform/internal/querycache"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/remote"
	"pgregory.net/rapid"
)

const (
	notesCollection = "lesson_notes"
	callTimeout     = 2 * time.Second
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type writeReply struct {
	record records.Record
	err    error
}

type writeCall struct {
	operation  Operation
	collection string
	id         string
	fields     records.Fields
	reply      chan writeReply
}

func (c *writeCall) succeed(record records.Record) {
	c.reply <- writeReply{record: record}
}

func (c *writeCall) fail(err error) {
	c.reply <- writeReply{err: err}
}

// listGate holds one list call after it has read the table, so the test can
// change server state while the stale response is still on the wire.
type listGate struct {
	entered chan struct{}
	release chan struct{}
}

// fakeRemote serves lists from an in-memory table and parks every write
// until the test answers it, unless failWith is set.
type fakeRemote struct {
	mu        sync.Mutex
	rows      map[string][]records.Record
	listErr   error
	failWith  error
	gate      *listGate
	listCalls atomic.Int32
	calls     chan *writeCall
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:  make(map[string][]records.Record),
		calls: make(chan *writeCall, 16),
	}
}

func (f *fakeRemote) setRows(collection string, items ...records.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[collection] = records.CloneAll(items)
}

func (f *fakeRemote) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// gateNextList makes the next List call block after reading the table until
// the returned gate is released.
func (f *fakeRemote) gateNextList() *listGate {
	gate := &listGate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
	return gate
}

func (f *fakeRemote) List(_ context.Context, query records.Query) ([]records.Record, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	if f.listErr != nil {
		err := f.listErr
		f.mu.Unlock()
		return nil, err
	}
	out := []records.Record{}
	for _, row := range f.rows[query.Collection] {
		if query.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()

	if gate != nil {
		close(gate.entered)
		<-gate.release
	}
	return out, nil
}

func (f *fakeRemote) Get(_ context.Context, collection, id string, _ ...string) (records.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows[collection] {
		if row.ID == id {
			return row.Clone(), nil
		}
	}
	return records.Record{}, records.ErrNotFound
}

func (f *fakeRemote) write(operation Operation, collection, id string, fields records.Fields) (records.Record, error) {
	f.mu.Lock()
	failWith := f.failWith
	f.mu.Unlock()
	if failWith != nil {
		return records.Record{}, failWith
	}
	call := &writeCall{
		operation:  operation,
		collection: collection,
		id:         id,
		fields:     fields,
		reply:      make(chan writeReply, 1),
	}
	f.calls <- call
	reply := <-call.reply
	return reply.record, reply.err
}

func (f *fakeRemote) Create(_ context.Context, collection string, fields records.Fields) (records.Record, error) {
	return f.write(OpCreate, collection, "", fields)
}

func (f *fakeRemote) Update(_ context.Context, collection, id string, fields records.Fields) (records.Record, error) {
	return f.write(OpUpdate, collection, id, fields)
}

func (f *fakeRemote) Delete(_ context.Context, collection, id string) error {
	_, err := f.write(OpDelete, collection, id, nil)
	return err
}

func (f *fakeRemote) FileURL(records.Record, string) string {
	return ""
}

func (f *fakeRemote) CurrentUser() (remote.User, bool) {
	return remote.User{ID: "user_1", Role: records.RoleStudent}, true
}

func nextCall(t *testing.T, fake *fakeRemote) *writeCall {
	t.Helper()
	select {
	case call := <-fake.calls:
		return call
	case <-time.After(callTimeout):
		t.Fatalf("timed out waiting for remote write")
		return nil
	}
}

func waitSettled(t *testing.T, m *Mutation) (records.Record, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	record, err := m.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("mutation did not settle")
	}
	return record, err
}

func notesQuery(lesson string) records.Query {
	return records.Query{
		Collection: notesCollection,
		Filter:     map[string]string{"lesson": lesson},
		Sort:       "-created",
		Expand:     []string{"user"},
	}
}

func noteRecord(id, content string) records.Record {
	return records.Record{
		ID:         id,
		Collection: notesCollection,
		Fields:     records.Fields{"lesson": "lesson42", "user": "user_1", "content": content},
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
}

func newTestCoordinator(t *testing.T, fake *fakeRemote, refetchDelay time.Duration) *Coordinator {
	t.Helper()
	coordinator, err := New(Config{
		Remote:       fake,
		Cache:        querycache.New(querycache.Config{}),
		RefetchDelay: refetchDelay,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	return coordinator
}

func loadNotes(t *testing.T, coordinator *Coordinator, lesson string) records.QueryKey {
	t.Helper()
	query := notesQuery(lesson)
	if _, err := coordinator.Load(context.Background(), query); err != nil {
		t.Fatalf("load: %v", err)
	}
	return query.Key()
}

func cachedItems(t *testing.T, coordinator *Coordinator, key records.QueryKey) []records.Record {
	t.Helper()
	entry, ok := coordinator.Cache().Get(key)
	if !ok {
		t.Fatalf("expected cache entry for %s", key)
	}
	return entry.Items
}

func waitEntered(t *testing.T, gate *listGate) {
	t.Helper()
	select {
	case <-gate.entered:
	case <-time.After(callTimeout):
		t.Fatalf("timed out waiting for list call")
	}
}

func waitChange(t *testing.T, changes <-chan querycache.Change, key records.QueryKey, reason querycache.Reason) {
	t.Helper()
	deadline := time.After(callTimeout)
	for {
		select {
		case change := <-changes:
			if change.Key == key && change.Reason == reason {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", reason, key)
		}
	}
}

func recordIDs(items []records.Record) []string {
	out := make([]string, len(items))
	for index, item := range items {
		out[index] = item.ID
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Cache: querycache.New(querycache.Config{})}); err == nil {
		t.Fatalf("expected error without remote")
	}
	if _, err := New(Config{Remote: newFakeRemote()}); err == nil {
		t.Fatalf("expected error without cache")
	}
}

func TestCreateHappyPathSwapsTemporaryRecord(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")
	if items := cachedItems(t, coordinator, key); len(items) != 0 {
		t.Fatalf("expected empty entry, got %v", recordIDs(items))
	}

	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	if m.State() != StatePending {
		t.Fatalf("expected pending state, got %s", m.State())
	}
	optimistic := cachedItems(t, coordinator, key)
	if len(optimistic) != 1 {
		t.Fatalf("expected one optimistic record, got %d", len(optimistic))
	}
	if !records.IsTemporaryID(optimistic[0].ID) || optimistic[0].ID != m.RecordID() {
		t.Fatalf("expected temporary id, got %q", optimistic[0].ID)
	}
	if optimistic[0].Fields.String("content") != "hi" {
		t.Fatalf("unexpected optimistic content %v", optimistic[0].Fields)
	}

	call := nextCall(t, fake)
	if call.operation != OpCreate || call.fields.String("content") != "hi" {
		t.Fatalf("unexpected remote call %+v", call)
	}
	call.succeed(noteRecord("rec_9", "hi"))

	created, err := waitSettled(t, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID != "rec_9" {
		t.Fatalf("expected server record, got %q", created.ID)
	}
	if m.State() != StateSettledSuccess {
		t.Fatalf("expected settled success, got %s", m.State())
	}
	entry, _ := coordinator.Cache().Get(key)
	if got := recordIDs(entry.Items); !reflect.DeepEqual(got, []string{"rec_9"}) {
		t.Fatalf("expected [rec_9], got %v", got)
	}
	if !entry.IsStale {
		t.Fatalf("expected entry to be marked for refetch")
	}
}

func TestCreateKeepsPositionOfOptimisticRecord(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("a", "first"), noteRecord("b", "second"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")

	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "new"})
	if got := recordIDs(cachedItems(t, coordinator, key)); got[0] != m.RecordID() || len(got) != 3 {
		t.Fatalf("expected optimistic record prepended, got %v", got)
	}

	// A refetch lands while the create is in flight and already contains the
	// server copy; the swap must not leave a duplicate behind.
	fake.setRows(notesCollection, noteRecord("rec_9", "new"), noteRecord("a", "first"), noteRecord("b", "second"))
	if _, err := coordinator.Refetch(context.Background(), notesQuery("lesson42")); err != nil {
		t.Fatalf("refetch: %v", err)
	}

	nextCall(t, fake).succeed(noteRecord("rec_9", "new"))
	if _, err := waitSettled(t, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := recordIDs(cachedItems(t, coordinator, key))
	count := 0
	for _, id := range got {
		if id == "rec_9" {
			count++
		}
		if records.IsTemporaryID(id) {
			t.Fatalf("temporary record survived: %v", got)
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one rec_9, got %v", got)
	}
}

func TestCreateAppendsForAscendingQueries(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows("lessons", records.Record{ID: "l1", Collection: "lessons", Fields: records.Fields{"course": "c1"}})
	coordinator := newTestCoordinator(t, fake, -1)
	query := records.Query{Collection: "lessons", Filter: map[string]string{"course": "c1"}, Sort: "order"}
	if _, err := coordinator.Load(context.Background(), query); err != nil {
		t.Fatalf("load: %v", err)
	}

	m := coordinator.Create(context.Background(), "lessons", records.Fields{"course": "c1"})
	got := recordIDs(cachedItems(t, coordinator, query.Key()))
	if len(got) != 2 || got[1] != m.RecordID() {
		t.Fatalf("expected optimistic record appended, got %v", got)
	}
	nextCall(t, fake).fail(records.ErrTransport)
	_, _ = waitSettled(t, m)
}

func TestCreateSkipsEntriesOfOtherQueries(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, -1)
	lesson42 := loadNotes(t, coordinator, "lesson42")
	lesson7 := loadNotes(t, coordinator, "lesson7")

	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	if len(cachedItems(t, coordinator, lesson7)) != 0 {
		t.Fatalf("record leaked into another lesson's notes")
	}
	if len(cachedItems(t, coordinator, lesson42)) != 1 {
		t.Fatalf("expected optimistic record in lesson42")
	}
	if !reflect.DeepEqual(m.Keys(), []records.QueryKey{lesson42}) {
		t.Fatalf("unexpected affected keys %v", m.Keys())
	}
	nextCall(t, fake).succeed(noteRecord("rec_1", "hi"))
	_, _ = waitSettled(t, m)
}

func TestCreateForbiddenRestoresEmptyEntry(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")

	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	nextCall(t, fake).fail(records.NewError(records.KindForbidden, "store.create.forbidden", "not allowed", nil))

	_, err := waitSettled(t, m)
	if !errors.Is(err, records.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if m.State() != StateSettledFailure {
		t.Fatalf("expected settled failure, got %s", m.State())
	}
	if items := cachedItems(t, coordinator, key); len(items) != 0 {
		t.Fatalf("expected rollback to empty entry, got %v", recordIDs(items))
	}
}

func TestUnclassifiedFailureIsTransport(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, -1)
	loadNotes(t, coordinator, "lesson42")

	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	nextCall(t, fake).fail(errors.New("connection reset"))
	_, err := waitSettled(t, m)
	if records.KindOf(err) != records.KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestDeleteFailureRestoresOrder(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "a"), noteRecord("B", "b"), noteRecord("C", "c"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")
	before := cachedItems(t, coordinator, key)

	m := coordinator.Delete(context.Background(), notesCollection, "B")
	if got := recordIDs(cachedItems(t, coordinator, key)); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("expected B removed optimistically, got %v", got)
	}
	nextCall(t, fake).fail(records.ErrTransport)
	if _, err := waitSettled(t, m); !errors.Is(err, records.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	after := cachedItems(t, coordinator, key)
	if !reflect.DeepEqual(after, before) {
		t.Fatalf("expected [A B C] restored, got %v", recordIDs(after))
	}
}

func TestDeleteAtIndexTwoOfFiveRestoresPosition(t *testing.T) {
	fake := newFakeRemote()
	var rows []records.Record
	for index := 0; index < 5; index++ {
		rows = append(rows, noteRecord(fmt.Sprintf("n%d", index), fmt.Sprintf("note %d", index)))
	}
	fake.setRows(notesCollection, rows...)
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")
	before := cachedItems(t, coordinator, key)

	m := coordinator.Delete(context.Background(), notesCollection, before[2].ID)
	nextCall(t, fake).fail(records.ErrNotFound)
	if _, err := waitSettled(t, m); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	after := cachedItems(t, coordinator, key)
	if len(after) != 5 || !reflect.DeepEqual(after[2], before[2]) || !reflect.DeepEqual(after, before) {
		t.Fatalf("expected original five items, got %v", recordIDs(after))
	}
}

func TestDeleteSuccessLeavesPatch(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "a"), noteRecord("B", "b"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")

	m := coordinator.Delete(context.Background(), notesCollection, "A")
	nextCall(t, fake).succeed(records.Record{})
	if _, err := waitSettled(t, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := recordIDs(cachedItems(t, coordinator, key)); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("expected [B], got %v", got)
	}
}

func TestUpdateMergesWithConcurrentRefetch(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "old"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")

	m := coordinator.Update(context.Background(), notesCollection, "A", records.Fields{"content": "new"})
	if got := cachedItems(t, coordinator, key)[0].Fields.String("content"); got != "new" {
		t.Fatalf("expected optimistic content, got %q", got)
	}

	refreshed := noteRecord("A", "old")
	refreshed.UpdatedAt = baseTime.Add(time.Minute)
	fake.setRows(notesCollection, refreshed)
	if _, err := coordinator.Refetch(context.Background(), notesQuery("lesson42")); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	merged := cachedItems(t, coordinator, key)[0]
	if merged.Fields.String("content") != "new" {
		t.Fatalf("refetch clobbered pending update: %v", merged.Fields)
	}
	if !merged.UpdatedAt.Equal(refreshed.UpdatedAt) {
		t.Fatalf("pending update clobbered refetched timestamp: %v", merged.UpdatedAt)
	}

	call := nextCall(t, fake)
	if call.operation != OpUpdate || call.id != "A" || len(call.fields) != 1 {
		t.Fatalf("expected partial update of A, got %+v", call)
	}
	server := refreshed.Clone()
	server.Fields["content"] = "new"
	call.succeed(server)
	if _, err := waitSettled(t, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := cachedItems(t, coordinator, key)[0]
	if final.Fields.String("content") != "new" || !final.UpdatedAt.Equal(refreshed.UpdatedAt) {
		t.Fatalf("expected both changes visible, got %+v", final)
	}
}

func TestUpdateFailureRestoresOriginalFields(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "old"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")
	before := cachedItems(t, coordinator, key)

	m := coordinator.Update(context.Background(), notesCollection, "A", records.Fields{"content": ""})
	nextCall(t, fake).fail(records.NewValidationError("store.update.validation", records.FieldError{Field: "content", Message: "required"}))
	_, err := waitSettled(t, m)
	var typed *records.Error
	if !errors.As(err, &typed) || typed.Kind != records.KindValidation || typed.FieldMap()["content"] != "required" {
		t.Fatalf("expected validation error with field feedback, got %v", err)
	}
	if after := cachedItems(t, coordinator, key); !reflect.DeepEqual(after, before) {
		t.Fatalf("expected original record restored")
	}
}

func TestUpdateRejectsTemporaryID(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, -1)

	m := coordinator.Update(context.Background(), notesCollection, records.NewTemporaryID(), records.Fields{"content": "x"})
	if m.State() != StateSettledFailure {
		t.Fatalf("expected immediate failure, got %s", m.State())
	}
	var typed *records.Error
	if !errors.As(m.Err(), &typed) || typed.Code != "mutation.update.pending_create" {
		t.Fatalf("unexpected error %v", m.Err())
	}
	select {
	case call := <-fake.calls:
		t.Fatalf("unexpected remote call %+v", call)
	default:
	}
}

func TestUpdateRejectsEmptyChanges(t *testing.T) {
	coordinator := newTestCoordinator(t, newFakeRemote(), -1)
	m := coordinator.Update(context.Background(), notesCollection, "A", nil)
	if records.KindOf(m.Err()) != records.KindValidation {
		t.Fatalf("expected validation error, got %v", m.Err())
	}
}

func TestOverlappingFailuresRollBackOwnChanges(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "a"), noteRecord("B", "b"), noteRecord("C", "c"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")
	before := cachedItems(t, coordinator, key)

	first := coordinator.Delete(context.Background(), notesCollection, "A")
	firstCall := nextCall(t, fake)
	second := coordinator.Delete(context.Background(), notesCollection, "B")
	secondCall := nextCall(t, fake)
	if got := recordIDs(cachedItems(t, coordinator, key)); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("expected both deletes applied, got %v", got)
	}

	secondCall.fail(records.ErrTransport)
	_, _ = waitSettled(t, second)
	if got := recordIDs(cachedItems(t, coordinator, key)); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("expected only B restored, got %v", got)
	}

	firstCall.fail(records.ErrTransport)
	_, _ = waitSettled(t, first)
	if after := cachedItems(t, coordinator, key); !reflect.DeepEqual(after, before) {
		t.Fatalf("expected [A B C], got %v", recordIDs(after))
	}
}

func TestEarlierFailureKeepsLaterPendingPatch(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "a"), noteRecord("B", "b"), noteRecord("C", "c"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")

	first := coordinator.Delete(context.Background(), notesCollection, "A")
	firstCall := nextCall(t, fake)
	second := coordinator.Delete(context.Background(), notesCollection, "B")
	secondCall := nextCall(t, fake)

	firstCall.fail(records.ErrForbidden)
	_, _ = waitSettled(t, first)
	if got := recordIDs(cachedItems(t, coordinator, key)); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("expected A restored and B still removed, got %v", got)
	}

	secondCall.succeed(records.Record{})
	if _, err := waitSettled(t, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := recordIDs(cachedItems(t, coordinator, key)); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("expected [A C], got %v", got)
	}
}

func TestRefetchScheduledAfterSuccess(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, 10*time.Millisecond)
	key := loadNotes(t, coordinator, "lesson42")
	listsBefore := fake.listCalls.Load()

	changes, cancel := coordinator.Cache().Subscribe(context.Background())
	defer cancel()

	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	server := noteRecord("rec_9", "hi")
	server.Expand = map[string]records.Record{"user": {ID: "user_1", Collection: "users", Fields: records.Fields{"name": "Asha"}}}
	fake.setRows(notesCollection, server)
	nextCall(t, fake).succeed(noteRecord("rec_9", "hi"))
	if _, err := waitSettled(t, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.After(callTimeout)
	for {
		select {
		case change := <-changes:
			if change.Key != key || change.Reason != querycache.ReasonSet {
				continue
			}
			entry, _ := coordinator.Cache().Get(key)
			if entry.IsStale {
				t.Fatalf("expected refetch to clear staleness")
			}
			if len(entry.Items) != 1 || entry.Items[0].Expand["user"].Fields.String("name") != "Asha" {
				t.Fatalf("expected server expansion after refetch, got %+v", entry.Items)
			}
			if fake.listCalls.Load() != listsBefore+1 {
				t.Fatalf("expected a single refetch, got %d", fake.listCalls.Load()-listsBefore)
			}
			return
		case <-deadline:
			t.Fatalf("refetch never ran")
		}
	}
}

func TestRefetchAfterCommitIgnoresListStartedBefore(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, 10*time.Millisecond)
	key := loadNotes(t, coordinator, "lesson42")

	gate := fake.gateNextList()
	slow := make(chan error, 1)
	go func() {
		_, err := coordinator.Refetch(context.Background(), notesQuery("lesson42"))
		slow <- err
	}()
	waitEntered(t, gate)

	changes, cancel := coordinator.Cache().Subscribe(context.Background())
	defer cancel()
	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	fake.setRows(notesCollection, noteRecord("rec_9", "hi"))
	nextCall(t, fake).succeed(noteRecord("rec_9", "hi"))
	if _, err := waitSettled(t, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The scheduled refetch must not wait on the list that started before
	// the write was committed.
	waitChange(t, changes, key, querycache.ReasonSet)
	close(gate.release)
	select {
	case err := <-slow:
		if err != nil {
			t.Fatalf("refetch: %v", err)
		}
	case <-time.After(callTimeout):
		t.Fatalf("gated refetch never returned")
	}

	entry, _ := coordinator.Cache().Get(key)
	if got := recordIDs(entry.Items); !reflect.DeepEqual(got, []string{"rec_9"}) {
		t.Fatalf("confirmed create lost after refetch: %v", got)
	}
	if entry.IsStale {
		t.Fatalf("expected entry refreshed by the post-commit refetch")
	}
}

func TestLateRefetchResultDoesNotOverwriteNewerEntry(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "a"))
	coordinator := newTestCoordinator(t, fake, -1)
	key := loadNotes(t, coordinator, "lesson42")

	gate := fake.gateNextList()
	slow := make(chan []records.Record, 1)
	go func() {
		items, _ := coordinator.Refetch(context.Background(), notesQuery("lesson42"))
		slow <- items
	}()
	waitEntered(t, gate)

	fake.setRows(notesCollection, noteRecord("A", "a"), noteRecord("B", "b"))
	if _, err := coordinator.Refetch(context.Background(), notesQuery("lesson42")); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	close(gate.release)

	var returned []records.Record
	select {
	case returned = <-slow:
	case <-time.After(callTimeout):
		t.Fatalf("gated refetch never returned")
	}
	if got := recordIDs(returned); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("expected the outdated caller to see the newer items, got %v", got)
	}
	entry, _ := coordinator.Cache().Get(key)
	if got := recordIDs(entry.Items); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("outdated list overwrote newer entry: %v", got)
	}
	if entry.IsStale {
		t.Fatalf("expected newer entry to stay fresh")
	}
}

func TestRefetchFailureKeepsOptimisticState(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, time.Millisecond)
	key := loadNotes(t, coordinator, "lesson42")
	fake.setListErr(errors.New("service unavailable"))

	m := coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	nextCall(t, fake).succeed(noteRecord("rec_9", "hi"))
	if _, err := waitSettled(t, m); err != nil {
		t.Fatalf("refetch failures must not surface: %v", err)
	}
	deadline := time.Now().Add(callTimeout)
	for fake.listCalls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	coordinator.Close()

	if got := recordIDs(cachedItems(t, coordinator, key)); !reflect.DeepEqual(got, []string{"rec_9"}) {
		t.Fatalf("expected confirmed record to remain, got %v", got)
	}
}

func TestCancelRefetchStopsScheduledRefetch(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, time.Hour)
	loadNotes(t, coordinator, "lesson42")
	listsBefore := fake.listCalls.Load()

	m := coordinator.Delete(context.Background(), notesCollection, "missing")
	nextCall(t, fake).succeed(records.Record{})
	_, _ = waitSettled(t, m)
	m.CancelRefetch()

	m = coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "hi"})
	nextCall(t, fake).succeed(noteRecord("rec_9", "hi"))
	_, _ = waitSettled(t, m)
	m.CancelRefetch()
	coordinator.Close()

	if fake.listCalls.Load() != listsBefore {
		t.Fatalf("expected no refetch after cancel")
	}
	coordinator.mu.Lock()
	pending := len(coordinator.timers)
	coordinator.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected timers released, got %d", pending)
	}
}

func TestLoadServesFreshEntriesFromCache(t *testing.T) {
	fake := newFakeRemote()
	fake.setRows(notesCollection, noteRecord("A", "a"))
	var now atomic.Int64
	now.Store(baseTime.UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()).UTC() }
	coordinator, err := New(Config{
		Remote:       fake,
		Cache:        querycache.New(querycache.Config{Clock: clock}),
		Clock:        clock,
		RefetchDelay: -1,
		FreshFor:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	query := notesQuery("lesson42")

	for attempt := 0; attempt < 3; attempt++ {
		items, err := coordinator.Load(context.Background(), query)
		if err != nil || len(items) != 1 {
			t.Fatalf("load %d: %v %v", attempt, recordIDs(items), err)
		}
	}
	if fake.listCalls.Load() != 1 {
		t.Fatalf("expected a single fetch while fresh, got %d", fake.listCalls.Load())
	}

	fake.setRows(notesCollection, noteRecord("A", "a"), noteRecord("B", "b"))
	now.Add(int64(31 * time.Second))
	stale, err := coordinator.Load(context.Background(), query)
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected stale items served, got %v %v", recordIDs(stale), err)
	}
	coordinator.Close()
	if fake.listCalls.Load() != 2 {
		t.Fatalf("expected background refetch, got %d fetches", fake.listCalls.Load())
	}
	if got := recordIDs(cachedItems(t, coordinator, query.Key())); len(got) != 2 {
		t.Fatalf("expected refreshed entry, got %v", got)
	}
}

func TestLoadReportsFetchFailure(t *testing.T) {
	fake := newFakeRemote()
	fake.setListErr(records.NewError(records.KindAuthRequired, "remote.list.status_401", "", nil))
	coordinator := newTestCoordinator(t, fake, -1)
	if _, err := coordinator.Load(context.Background(), notesQuery("lesson42")); !errors.Is(err, records.ErrAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}
}

func TestInvalidateMarksCollectionStale(t *testing.T) {
	fake := newFakeRemote()
	coordinator := newTestCoordinator(t, fake, -1)
	first := loadNotes(t, coordinator, "lesson42")
	second := loadNotes(t, coordinator, "lesson7")

	coordinator.Invalidate(notesCollection)
	for _, key := range []records.QueryKey{first, second} {
		entry, _ := coordinator.Cache().Get(key)
		if !entry.IsStale {
			t.Fatalf("expected %s stale", key)
		}
	}
}

func TestFailedMutationRestoresSnapshotProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fake := newFakeRemote()
		fake.failWith = records.ErrTransport
		count := rapid.IntRange(1, 8).Draw(t, "count")
		rows := make([]records.Record, count)
		for index := range rows {
			rows[index] = noteRecord(fmt.Sprintf("n%d", index), rapid.StringMatching(`[a-z ]{0,12}`).Draw(t, "content"))
		}
		fake.setRows(notesCollection, rows...)

		coordinator, err := New(Config{Remote: fake, Cache: querycache.New(querycache.Config{}), RefetchDelay: -1})
		if err != nil {
			t.Fatalf("new coordinator: %v", err)
		}
		defer coordinator.Close()
		query := notesQuery("lesson42")
		if _, err := coordinator.Load(context.Background(), query); err != nil {
			t.Fatalf("load: %v", err)
		}
		before, _ := coordinator.Cache().Get(query.Key())

		target := rows[rapid.IntRange(0, count-1).Draw(t, "target")].ID
		var m *Mutation
		switch rapid.SampledFrom([]Operation{OpCreate, OpUpdate, OpDelete}).Draw(t, "operation") {
		case OpCreate:
			m = coordinator.Create(context.Background(), notesCollection, records.Fields{"lesson": "lesson42", "content": "x"})
		case OpUpdate:
			m = coordinator.Update(context.Background(), notesCollection, target, records.Fields{"content": "changed"})
		default:
			m = coordinator.Delete(context.Background(), notesCollection, target)
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if _, err := m.Wait(ctx); !errors.Is(err, records.ErrTransport) {
			t.Fatalf("expected transport failure, got %v", err)
		}
		after, _ := coordinator.Cache().Get(query.Key())
		if !reflect.DeepEqual(after.Items, before.Items) {
			t.Fatalf("rollback mismatch: before %v after %v", recordIDs(before.Items), recordIDs(after.Items))
		}
	})
}
