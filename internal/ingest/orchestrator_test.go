package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitrine-shop/vitrine-server/internal/imageurl"
)

const testStorageBase = "https://media.example.com/storage/v1/object/public/products/"

// fakeStorage fails the first failFirst calls for every file name it sees, or every call when always is set.
type fakeStorage struct {
	mu        sync.Mutex
	failFirst int
	always    map[string]bool // Payloads that never upload.
	calls     map[string]int
	times     []time.Time
	deleted   []string
	onUpload  func(payload string)
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{always: make(map[string]bool), calls: make(map[string]int)}
}

func (s *fakeStorage) Upload(_ context.Context, data []byte, _, ownerID, variant string) (string, error) {
	payload := string(data)
	s.mu.Lock()
	s.calls[payload]++
	n := s.calls[payload]
	s.times = append(s.times, time.Now())
	hook := s.onUpload
	fail := s.always[payload] || n <= s.failFirst
	s.mu.Unlock()

	if hook != nil {
		hook(payload)
	}
	if fail {
		return "", fmt.Errorf("attempt %d: storage unavailable", n)
	}
	return testStorageBase + ownerID + "/" + variant + "-" + payload + ".jpg", nil
}

func (s *fakeStorage) Delete(_ context.Context, rawURL, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, rawURL)
	return nil
}

func (s *fakeStorage) callCount(payload string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[payload]
}

func newTestIntake(t *testing.T, cfg Config, opts ...Option) *Intake {
	t.Helper()
	opts = append([]Option{WithClassifier(imageurl.NewClassifier("media.example.com"))}, opts...)
	in := New(cfg, nil, opts...)
	t.Cleanup(in.Teardown)
	return in
}

func newTestOrchestrator(storage Storage, opts Options) *Orchestrator {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	return NewOrchestrator(storage, opts, zerolog.Nop())
}

var testDest = Destination{OwnerID: "p1", Variant: "gallery"}

func TestOrchestrator_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	storage.failFirst = 2
	in := newTestIntake(t, DefaultConfig(true))
	o := newTestOrchestrator(storage, Options{})

	res := in.Select(context.Background(), []Source{{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("aaa")}})
	id := res.Accepted[0].ID

	batch, err := o.Drain(context.Background(), res.Handoff, testDest)
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	payload := string(res.Accepted[0].Working)
	if got := storage.callCount(payload); got != 3 {
		t.Errorf("upload calls = %d, want 3", got)
	}
	f, _ := in.File(id)
	if f.Stage != StageUploaded {
		t.Fatalf("stage = %q, want uploaded (err %q)", f.Stage, f.Err)
	}
	if f.RemoteURL != batch.Results[0].URL || f.RemoteURL == "" {
		t.Errorf("RemoteURL = %q, want %q", f.RemoteURL, batch.Results[0].URL)
	}
	if f.Progress != 100 || f.Err != "" || f.Preview != "" {
		t.Errorf("file = %+v, want progress 100 with no error or preview", f)
	}
	if batch.Results[0].Attempts != 3 || batch.Uploaded != 1 || batch.Failed != 0 {
		t.Errorf("batch = %+v", batch)
	}
}

func TestOrchestrator_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	in := newTestIntake(t, DefaultConfig(true))
	o := newTestOrchestrator(storage, Options{})

	res := in.Select(context.Background(), []Source{{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("aaa")}})
	payload := "aaa"
	storage.always[payload] = true

	batch, err := o.Drain(context.Background(), res.Handoff, testDest)
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	if got := storage.callCount(payload); got != 3 {
		t.Errorf("upload calls = %d, want 3", got)
	}
	f, _ := in.File(res.Accepted[0].ID)
	if f.Stage != StageFailed {
		t.Fatalf("stage = %q, want failed", f.Stage)
	}
	if f.Err != "attempt 3: storage unavailable" {
		t.Errorf("Err = %q, want the last attempt's error", f.Err)
	}
	if f.RemoteURL != "" {
		t.Errorf("RemoteURL = %q, want empty", f.RemoteURL)
	}
	if batch.Failed != 1 || batch.Results[0].Err == nil {
		t.Errorf("batch = %+v", batch)
	}
}

func TestOrchestrator_LinearBackoff(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	storage.failFirst = 2
	o := newTestOrchestrator(storage, Options{RetryDelay: 20 * time.Millisecond})

	file := ImageFile{Working: []byte("x"), ContentType: "image/jpeg"}
	var attempts []int
	url, n, err := o.Upload(context.Background(), file, testDest, func(attempt int, _ error) {
		attempts = append(attempts, attempt)
	})
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if url == "" || n != 3 || !slices.Equal(attempts, []int{1, 2, 3}) {
		t.Errorf("Upload() = %q, %d attempts, callbacks %v", url, n, attempts)
	}

	if len(storage.times) != 3 {
		t.Fatalf("recorded %d calls, want 3", len(storage.times))
	}
	if gap := storage.times[1].Sub(storage.times[0]); gap < 20*time.Millisecond {
		t.Errorf("first retry after %v, want at least 20ms", gap)
	}
	if gap := storage.times[2].Sub(storage.times[1]); gap < 40*time.Millisecond {
		t.Errorf("second retry after %v, want at least 40ms", gap)
	}
}

func TestOrchestrator_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	storage.failFirst = 10
	o := newTestOrchestrator(storage, Options{RetryDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, n, err := o.Upload(ctx, ImageFile{Working: []byte("x")}, testDest, nil)
	if err == nil {
		t.Fatal("Upload() error = nil, want cancellation")
	}
	if n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestOrchestrator_FailureIsolation(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	in := newTestIntake(t, DefaultConfig(true))
	o := newTestOrchestrator(storage, Options{})

	res := in.Select(context.Background(), []Source{
		{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("aaa")},
		{Name: "b.jpg", ContentType: "image/jpeg", Data: []byte("bbb")},
		{Name: "c.jpg", ContentType: "image/jpeg", Data: []byte("ccc")},
	})
	storage.always["bbb"] = true

	batch, err := o.Drain(context.Background(), res.Handoff, testDest)
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if batch.Uploaded != 2 || batch.Failed != 1 {
		t.Fatalf("uploaded %d failed %d, want 2 and 1", batch.Uploaded, batch.Failed)
	}

	stages := []Stage{StageUploaded, StageFailed, StageUploaded}
	for i, f := range in.Files() {
		if f.Stage != stages[i] {
			t.Errorf("file %d stage = %q, want %q", i, f.Stage, stages[i])
		}
	}
	if got := in.Value(); len(got) != 2 {
		t.Errorf("Value() = %v, want two URLs", got)
	}
	if in.Handoff() != nil {
		t.Error("Handoff() not cleared after the batch drained")
	}
}

func TestOrchestrator_SequentialEventsAndProgress(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	in := newTestIntake(t, DefaultConfig(true))

	var events []Event
	o := newTestOrchestrator(storage, Options{Listener: func(ev Event) { events = append(events, ev) }})

	res := in.Select(context.Background(), []Source{
		{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("aaa")},
		{Name: "b.jpg", ContentType: "image/jpeg", Data: []byte("bbb")},
	})
	storage.always["aaa"] = true

	if _, err := o.Drain(context.Background(), res.Handoff, testDest); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	first, second := res.Accepted[0].ID, res.Accepted[1].ID
	lastFirst, firstSecond := -1, -1
	overall := 0
	perFile := map[string]int{}
	for i, ev := range events {
		if ev.Overall < overall {
			t.Errorf("event %d overall %d decreased from %d", i, ev.Overall, overall)
		}
		overall = ev.Overall

		if ev.FileID == first {
			lastFirst = i
		}
		if ev.FileID == second && firstSecond == -1 {
			firstSecond = i
		}
		if ev.Kind == EventFileProgress {
			key := ev.FileID.String()
			if ev.Progress < perFile[key] {
				t.Errorf("file progress decreased from %d to %d", perFile[key], ev.Progress)
			}
			perFile[key] = ev.Progress
		}
	}
	if lastFirst > firstSecond {
		t.Errorf("event for first file at %d after second file started at %d", lastFirst, firstSecond)
	}

	last := events[len(events)-1]
	if last.Kind != EventBatchDone || last.Overall != 100 {
		t.Errorf("last event = %+v, want batch.done at 100", last)
	}

	kinds := map[EventKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	if kinds[EventFileUploaded] != 1 || kinds[EventFileFailed] != 1 {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestOrchestrator_BoundedConcurrency(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()

	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)
	storage.onUpload = func(string) {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	var (
		evMu    sync.Mutex
		overall []int
	)
	in := newTestIntake(t, DefaultConfig(true))
	o := newTestOrchestrator(storage, Options{Concurrency: 2, Listener: func(ev Event) {
		if ev.Kind == EventFileUploaded || ev.Kind == EventFileFailed {
			evMu.Lock()
			overall = append(overall, ev.Overall)
			evMu.Unlock()
		}
	}})

	batch := make([]Source, 6)
	for i := range batch {
		batch[i] = Source{Name: fmt.Sprintf("%d.jpg", i), ContentType: "image/jpeg", Data: []byte(fmt.Sprintf("f%d", i))}
	}
	res := in.Select(context.Background(), batch)

	out, err := o.Drain(context.Background(), res.Handoff, testDest)
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if out.Uploaded != 6 {
		t.Errorf("uploaded %d, want 6", out.Uploaded)
	}
	if maxInFlight > 2 {
		t.Errorf("max in-flight uploads = %d, want at most 2", maxInFlight)
	}
	for i, r := range out.Results {
		if r.ID != res.Accepted[i].ID {
			t.Errorf("result %d out of handoff order", i)
		}
	}

	slices.Sort(overall)
	if len(overall) != 6 || overall[5] != 100 {
		t.Errorf("terminal overall values = %v, want six ending at 100", overall)
	}
	if len(slices.Compact(slices.Clone(overall))) != 6 {
		t.Errorf("terminal overall values repeat: %v", overall)
	}
}

func TestOrchestrator_RemovedFileNotMutated(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	in := newTestIntake(t, DefaultConfig(true))
	o := newTestOrchestrator(storage, Options{})

	res := in.Select(context.Background(), []Source{
		{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("aaa")},
		{Name: "b.jpg", ContentType: "image/jpeg", Data: []byte("bbb")},
	})
	removed := res.Accepted[0].ID
	storage.onUpload = func(payload string) {
		if payload == "aaa" {
			if err := in.Remove(removed); err != nil {
				t.Errorf("Remove() error: %v", err)
			}
		}
	}

	batch, err := o.Drain(context.Background(), res.Handoff, testDest)
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	if _, ok := in.File(removed); ok {
		t.Error("removed file reappeared")
	}
	if !errors.Is(batch.Results[0].Err, ErrFileNotFound) {
		t.Errorf("removed file result error = %v, want ErrFileNotFound", batch.Results[0].Err)
	}
	if got := in.Value(); len(got) != 1 {
		t.Errorf("Value() = %v, want only the second file", got)
	}
	if batch.Results[0].Orphan == "" || batch.Results[0].URL != "" {
		t.Errorf("removed file result = %+v, want the stored URL reported as an orphan", batch.Results[0])
	}
	if batch.Results[1].Orphan != "" {
		t.Errorf("uploaded file Orphan = %q, want empty", batch.Results[1].Orphan)
	}
}

func TestOrchestrator_RefusedURLReportedAsOrphan(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	// The storage host is trusted, but the URLs it returns are on a loopback address and never classify as valid.
	in := New(DefaultConfig(true), nil, WithClassifier(imageurl.NewClassifier("localhost")))
	t.Cleanup(in.Teardown)
	o := newTestOrchestrator(&loopbackStorage{fakeStorage: storage}, Options{})

	res := in.Select(context.Background(), []Source{{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("aaa")}})
	batch, err := o.Drain(context.Background(), res.Handoff, testDest)
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	r := batch.Results[0]
	if !errors.Is(r.Err, ErrInvalidRemoteURL) {
		t.Fatalf("result error = %v, want ErrInvalidRemoteURL", r.Err)
	}
	if r.Orphan != "http://localhost:8080/storage/v1/object/public/products/p1/gallery-aaa.jpg" {
		t.Errorf("Orphan = %q", r.Orphan)
	}
	if r.URL != "" || batch.Failed != 1 {
		t.Errorf("batch = %+v, want one failure without a URL", batch)
	}
	if got := in.Value(); len(got) != 0 {
		t.Errorf("Value() = %v, want empty", got)
	}
}

// loopbackStorage serves objects from a local development address.
type loopbackStorage struct {
	*fakeStorage
}

func (s *loopbackStorage) Upload(ctx context.Context, data []byte, contentType, ownerID, variant string) (string, error) {
	if _, err := s.fakeStorage.Upload(ctx, data, contentType, ownerID, variant); err != nil {
		return "", err
	}
	return "http://localhost:8080/storage/v1/object/public/products/" + ownerID + "/" + variant + "-" + string(data) + ".jpg", nil
}

func TestOrchestrator_DrainClaimsOnce(t *testing.T) {
	t.Parallel()
	in := newTestIntake(t, DefaultConfig(true))
	o := newTestOrchestrator(newFakeStorage(), Options{})

	res := in.Select(context.Background(), []Source{src("a.jpg", "image/jpeg", 1)})
	if res.Handoff.Claimed() {
		t.Fatal("Claimed() = true before Claim()")
	}
	if err := res.Handoff.Claim(); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if !res.Handoff.Claimed() {
		t.Error("Claimed() = false after Claim()")
	}
	if _, err := o.Drain(context.Background(), res.Handoff, testDest); !errors.Is(err, ErrHandoffClaimed) {
		t.Errorf("Drain() error = %v, want ErrHandoffClaimed", err)
	}
}

func TestOrchestrator_DeleteReplaced(t *testing.T) {
	t.Parallel()
	storage := newFakeStorage()
	o := newTestOrchestrator(storage, Options{})

	if err := o.DeleteReplaced(context.Background(), testStorageBase+"p1/old.jpg", "products"); err != nil {
		t.Fatalf("DeleteReplaced() error: %v", err)
	}
	if len(storage.deleted) != 1 {
		t.Errorf("deleted = %v, want one URL", storage.deleted)
	}
}
