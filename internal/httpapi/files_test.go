package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"coinchat/backend/internal/session"

	"google.golang.org/api/option"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type stubFileStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (s *stubFileStore) Backend() string {
	return "gcs"
}

func (s *stubFileStore) PutObject(_ context.Context, objectPath, _ string, data []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[objectPath] = data
	return nil
}

func (s *stubFileStore) DeleteObject(_ context.Context, objectPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectPath)
	return nil
}

func (s *stubFileStore) PublicURL(objectPath string) string {
	return "https://cdn.example/" + objectPath
}

func uploadRequest(t *testing.T, identity session.Identity, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/files", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return withIdentity(req, identity)
}

func TestUploadFileStoresImageAndMetadata(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.regular(t, "upload@example.com", 50)
	store := env.handler.files.(*stubFileStore)

	rec := httptest.NewRecorder()
	env.handler.UploadFile(rec, uploadRequest(t, user, "../Мой кот!.PNG", pngBytes))
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		File fileResponse `json:"file"`
	}
	decodeBody(t, rec, &resp)
	if resp.File.MediaType != "image/png" || resp.File.SizeBytes != int64(len(pngBytes)) {
		t.Fatalf("unexpected file: %+v", resp.File)
	}
	wantPrefix := "https://cdn.example/chat-uploads/accounts/" + user.AccountID + "/" + resp.File.ID + "/"
	if !strings.HasPrefix(resp.File.URL, wantPrefix) || !strings.HasSuffix(resp.File.URL, ".png") {
		t.Fatalf("unexpected url %q", resp.File.URL)
	}
	if strings.Contains(resp.File.Name, "/") || strings.Contains(resp.File.Name, "!") {
		t.Fatalf("filename not sanitized: %q", resp.File.Name)
	}
	if len(store.objects) != 1 {
		t.Fatalf("expected one stored object, got %d", len(store.objects))
	}
	if got := env.count(t, `SELECT COUNT(*) FROM files WHERE id = ? AND account_id = ?;`, resp.File.ID, user.AccountID); got != 1 {
		t.Fatalf("metadata row missing")
	}
}

func TestUploadFileRejectsNonImages(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.regular(t, "text@example.com", 50)

	rec := httptest.NewRecorder()
	env.handler.UploadFile(rec, uploadRequest(t, user, "notes.png", []byte("just some text pretending to be a png")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadFileRejectsOversizedFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.regular(t, "big@example.com", 50)

	big := append(append([]byte{}, pngBytes...), bytes.Repeat([]byte{1}, maxUploadBytes)...)
	rec := httptest.NewRecorder()
	env.handler.UploadFile(rec, uploadRequest(t, user, "big.png", big))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadFileRefusesSyntheticIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	synthetic := session.Identity{AccountID: "guest-x", Type: session.AccountGuest, Synthetic: true}

	rec := httptest.NewRecorder()
	env.handler.UploadFile(rec, uploadRequest(t, synthetic, "a.png", pngBytes))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestUploadFileStorageFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.files.(*stubFileStore).putErr = errors.New("bucket gone")
	user := env.regular(t, "down@example.com", 50)

	rec := httptest.NewRecorder()
	env.handler.UploadFile(rec, uploadRequest(t, user, "a.png", pngBytes))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := env.count(t, `SELECT COUNT(*) FROM files;`); got != 0 {
		t.Fatalf("metadata stored for failed upload")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"photo.JPG", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{"  ", "image"},
		{"my cat (1).png", "my_cat_1.png"},
		{"котик.png", "image.png"},
		{strings.Repeat("a", 300) + ".png", strings.Repeat("a", 180)},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLocalObjectStoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := newLocalObjectStore(root, "/uploads/")
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	if err := store.PutObject(ctx, "chat-uploads/a/b.png", "image/png", pngBytes); err != nil {
		t.Fatalf("put object: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "chat-uploads", "a", "b.png"))
	if err != nil || !bytes.Equal(data, pngBytes) {
		t.Fatalf("object not written: %v", err)
	}
	if got := store.PublicURL("chat-uploads/a/b.png"); got != "/uploads/chat-uploads/a/b.png" {
		t.Fatalf("unexpected public url %q", got)
	}

	if err := store.PutObject(ctx, "../outside.png", "image/png", pngBytes); err == nil {
		t.Fatal("expected path escape to be rejected")
	}

	if err := store.DeleteObject(ctx, "chat-uploads/a/b.png"); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if err := store.DeleteObject(ctx, "chat-uploads/a/b.png"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}
}

func TestLocalUploadsAreServedByRouter(t *testing.T) {
	env := newTestEnv(t, nil)
	store, err := newLocalObjectStore(t.TempDir(), "/uploads")
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	if err := store.PutObject(context.Background(), "x/cat.png", "image/png", pngBytes); err != nil {
		t.Fatalf("put object: %v", err)
	}
	env.handler.files = store

	rec := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/x/cat.png", nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Fatalf("unexpected upload response: %d", rec.Code)
	}
}

func TestGCSObjectStoreAgainstFakeServer(t *testing.T) {
	var (
		mu      sync.Mutex
		uploads []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/test-bucket"):
			_, _ = io.WriteString(w, `{"name":"test-bucket"}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/b/test-bucket/o"):
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploads = append(uploads, string(body))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"name":"chat-uploads/a.png","bucket":"test-bucket"}`)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"No such object"}}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	store, err := newGCSObjectStore(ctx, "test-bucket", "",
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("new gcs store: %v", err)
	}

	if err := store.PutObject(ctx, "/chat-uploads/a.png", "image/png", pngBytes); err != nil {
		t.Fatalf("put object: %v", err)
	}
	mu.Lock()
	uploaded := len(uploads) == 1 && strings.Contains(uploads[0], "chat-uploads/a.png")
	mu.Unlock()
	if !uploaded {
		t.Fatalf("upload did not reach server: %v", uploads)
	}

	if err := store.DeleteObject(ctx, "chat-uploads/a.png"); err != nil {
		t.Fatalf("missing object delete must succeed: %v", err)
	}
	if got := store.PublicURL("chat-uploads/a.png"); got != "https://storage.googleapis.com/test-bucket/chat-uploads/a.png" {
		t.Fatalf("unexpected public url %q", got)
	}
}
