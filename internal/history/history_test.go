package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/splatview/splatview-agent/internal/db"
	"github.com/splatview/splatview-agent/internal/images"
	"github.com/splatview/splatview-agent/internal/logging"
	"github.com/splatview/splatview-agent/internal/remote"
	"github.com/splatview/splatview-agent/internal/session"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "splatview.db"), logging.Discard())
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func TestRepository_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &Record{ID: "s1", Phase: "uploading", ImageCount: 4, Iterations: 1000, CreatedAt: created, UpdatedAt: created}
	if err := repo.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	rec.Phase = "failed"
	rec.RemoteSessionID = "abc123"
	rec.ErrorStage = "reconstruct"
	rec.ErrorMessage = "reconstruct failed with status 500"
	rec.ErrorDetail = json.RawMessage(`{"code":"OOM"}`)
	rec.UpdatedAt = created.Add(time.Minute)
	if err := repo.UpdateSession(ctx, rec); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	got, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	missing, err := repo.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetSession(missing) = %v, %v", missing, err)
	}
	if err := repo.UpdateSession(ctx, &Record{ID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSession(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRepository_ListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		ts := base.Add(time.Duration(i) * time.Hour)
		repo.CreateSession(ctx, &Record{ID: fmt.Sprintf("s%d", i), Phase: "ready", CreatedAt: ts, UpdatedAt: ts})
	}

	got, err := repo.ListSessions(ctx, 3)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"s4", "s3", "s2"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	all, _ := repo.ListSessions(ctx, 0)
	if len(all) != 5 {
		t.Errorf("ListSessions(0) returned %d, want 5", len(all))
	}
}

func TestRepository_Config(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	if v, err := repo.GetConfig(ctx, ConfigAuthToken); err != nil || v != "" {
		t.Fatalf("GetConfig(unset) = %q, %v", v, err)
	}
	repo.SetConfig(ctx, ConfigAuthToken, "first")
	repo.SetConfig(ctx, ConfigAuthToken, "second")
	if v, _ := repo.GetConfig(ctx, ConfigAuthToken); v != "second" {
		t.Errorf("GetConfig() = %q, want second", v)
	}
}

type stubBackend struct {
	release  chan struct{}
	reconErr error
}

func (b *stubBackend) Upload(ctx context.Context, files []images.Image) (*remote.UploadResponse, error) {
	if b.release != nil {
		<-b.release
	}
	return &remote.UploadResponse{SessionID: "abc123"}, nil
}

func (b *stubBackend) Reconstruct(ctx context.Context, sessionID string, iterations int) (*remote.ReconstructResponse, error) {
	if b.reconErr != nil {
		return nil, b.reconErr
	}
	return &remote.ReconstructResponse{OutputFile: "point_cloud.ply"}, nil
}

func (b *stubBackend) ResultReference(sessionID, outputFile string) string {
	return "http://svc/download/" + sessionID + "/" + outputFile
}

func startRecorder(t *testing.T, backend session.Backend) (*session.Controller, *Recorder, *SQLiteRepository) {
	t.Helper()
	repo := newTestRepo(t)
	rec := NewRecorder(repo, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rec.Start(ctx)

	c := session.NewController(backend, session.Options{}, logging.Discard())
	c.AddListener(rec.Observe)

	set, err := images.Validate([]images.Image{
		{Name: "a.jpg", MIMEType: "image/jpeg", Data: []byte("a")},
		{Name: "b.jpg", MIMEType: "image/jpeg", Data: []byte("b")},
		{Name: "c.jpg", MIMEType: "image/jpeg", Data: []byte("c")},
	}, 3, 10)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := c.Select(set); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	return c, rec, repo
}

func settle(t *testing.T, c *session.Controller, rec *Recorder) session.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	return snap
}

func TestRecorder_PersistsFinalState(t *testing.T) {
	c, rec, repo := startRecorder(t, &stubBackend{})

	start, err := c.Submit(context.Background(), 2000)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	settle(t, c, rec)

	got, err := repo.GetSession(context.Background(), start.ID)
	if err != nil || got == nil {
		t.Fatalf("GetSession() = %v, %v", got, err)
	}
	want := &Record{
		ID:              start.ID,
		RemoteSessionID: "abc123",
		Phase:           "ready",
		ImageCount:      3,
		Iterations:      2000,
		OutputFile:      "point_cloud.ply",
		Reference:       "http://svc/download/abc123/point_cloud.ply",
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Record{}, "CreatedAt", "UpdatedAt")); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorder_KeepsErrorDetail(t *testing.T) {
	failure := &remote.ReconstructError{Failure: remote.Failure{
		StatusCode: 500,
		Detail:     json.RawMessage(`"CUDA out of memory"`),
		Err:        errors.New("reconstruct failed"),
	}}
	c, rec, repo := startRecorder(t, &stubBackend{reconErr: failure})

	start, _ := c.Submit(context.Background(), 0)
	settle(t, c, rec)

	got, _ := repo.GetSession(context.Background(), start.ID)
	if got == nil || got.Phase != "failed" || got.ErrorStage != "reconstruct" {
		t.Fatalf("record = %+v", got)
	}
	if string(got.ErrorDetail) != `"CUDA out of memory"` {
		t.Errorf("ErrorDetail = %s", got.ErrorDetail)
	}
}

func TestRecorder_ResetMarksAbandoned(t *testing.T) {
	backend := &stubBackend{release: make(chan struct{})}
	c, rec, repo := startRecorder(t, backend)

	start, _ := c.Submit(context.Background(), 0)
	c.Reset()
	close(backend.release)
	settle(t, c, rec)

	got, _ := repo.GetSession(context.Background(), start.ID)
	if got == nil || got.Phase != PhaseAbandoned || got.ErrorMessage != abandonMessage {
		t.Errorf("record = %+v, want abandoned", got)
	}
	if got != nil && got.RemoteSessionID != "" {
		t.Errorf("late upload leaked into history: %+v", got)
	}
}

func TestRecorder_StartDrainsBeforeReturning(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo, logging.Discard())

	now := time.Now().UTC()
	for i := range 5 {
		snap := session.Snapshot{
			ID:         fmt.Sprintf("local-%d", i),
			Phase:      session.PhaseUploading,
			ImageCount: 3,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		rec.Observe(session.PhaseIdle, session.PhaseUploading, snap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Start(ctx)

	records, err := repo.ListSessions(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(records) != 5 {
		t.Errorf("records after Start returned = %d, want 5", len(records))
	}
}
