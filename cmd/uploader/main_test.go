package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploadService struct {
	mu        sync.Mutex
	completed []string
	transfers int
}

func (f *fakeUploadService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/file/upload/prepare", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		name := body["file_name"].(string)
		_, _ = fmt.Fprintf(w, `{"errno":0,"data":{"file_id":"id-%s","upload_url":"http://%s/storage/%s"}}`, name, r.Host, name)
	})
	mux.HandleFunc("/api/v1/file/upload/complete/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.completed = append(f.completed, strings.TrimPrefix(r.URL.Path, "/api/v1/file/upload/complete/"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"errno":0,"errmsg":"","data":null}`))
	})
	mux.HandleFunc("/storage/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		f.mu.Lock()
		f.transfers++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestUploadCommand(t *testing.T) {
	service := &fakeUploadService{}
	server := httptest.NewServer(service.handler(t))
	defer server.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"a":1}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bbb"), 0600))

	t.Setenv("UPLOADER_API_URL", server.URL+"/api/v1/file/upload")

	root := newRootCommand()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetArgs([]string{"upload", filepath.Join(dir, "*")})

	require.NoError(t, root.Execute())

	assert.Equal(t, "id-a.json\nid-b.txt\n", stdout.String())
	assert.ElementsMatch(t, []string{"id-a.json", "id-b.txt"}, service.completed)
	assert.Equal(t, 2, service.transfers)
}

func TestUploadCommand_UnreadableFileDoesNotBlockOthers(t *testing.T) {
	service := &fakeUploadService{}
	server := httptest.NewServer(service.handler(t))
	defer server.Close()

	dir := t.TempDir()
	valid := filepath.Join(dir, "a.json")
	require.NoError(t, os.WriteFile(valid, []byte(`{"a":1}`), 0600))
	// the link exists for the path expander but can't be opened
	broken := filepath.Join(dir, "broken.txt")
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing.txt"), broken))

	t.Setenv("UPLOADER_API_URL", server.URL+"/api/v1/file/upload")

	root := newRootCommand()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetArgs([]string{"upload", broken, valid})

	err := root.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 file(s) failed")
	assert.Equal(t, "id-a.json\n", stdout.String())
	assert.Equal(t, []string{"id-a.json"}, service.completed)
	assert.Equal(t, 1, service.transfers)
}

func TestUploadCommand_TooManyFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.txt", i)), []byte("x"), 0600))
	}

	t.Setenv("UPLOADER_API_URL", "http://127.0.0.1:1")
	t.Setenv("UPLOADER_MAX_FILES", "2")

	root := newRootCommand()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"upload", dir})

	assert.Error(t, root.Execute())
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "dev\n", stdout.String())
}
