package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/episodehub/go-uploader/upload/network"
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	m.Called(eventName, properties)
}

func (m *mockTracker) Wait() {
	m.Called()
}

func TestCoordinator_FailedFileDoesNotBlockSiblings(t *testing.T) {
	storage := newStorageServer(t)
	var prepareCalls int32
	backend := &fakeBackend{storageURL: storage.URL}
	backend.prepareFn = func(request network.PrepareRequest) (*network.Plan, error) {
		atomic.AddInt32(&prepareCalls, 1)
		if request.FileName == "b.txt" {
			return nil, errors.New("rejected")
		}
		return &network.Plan{FileID: "id-" + request.FileName, UploadURL: storage.URL + "/" + request.FileName}, nil
	}

	tracker := new(mockTracker)
	tracker.On("Enqueue", "upload_session_succeeded", mock.Anything).Return().Twice()
	tracker.On("Enqueue", "upload_session_failed", mock.Anything).Return().Once()

	coordinator := NewCoordinator(backend, newTestTransporter(), BatchConfig{SessionConcurrency: 2}, Callbacks{}, tracker, log.NewLogger())
	files := []*File{newTestFile("a.txt", 10), newTestFile("b.txt", 10), newTestFile("c.txt", 10)}

	result, err := coordinator.Upload(context.Background(), files)

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&prepareCalls))
	assert.Equal(t, []string{"id-a.txt", "id-c.txt"}, result.FileIDs())
	assert.Equal(t, 1, result.FailedCount())
	assert.True(t, errors.Is(result.Errors[1], ErrPlanFailure))
	assert.Equal(t, StateFailed, result.Results[1].State)
	tracker.AssertExpectations(t)
}

func TestCoordinator_TooManyFiles(t *testing.T) {
	backend := &fakeBackend{}
	coordinator := NewCoordinator(backend, newTestTransporter(), BatchConfig{MaxFiles: 2}, Callbacks{}, nil, log.NewLogger())

	var files []*File
	for i := 0; i < 3; i++ {
		files = append(files, newTestFile(fmt.Sprintf("%d.txt", i), 1))
	}

	_, err := coordinator.Upload(context.Background(), files)

	assert.True(t, errors.Is(err, ErrTooManyFiles))
	assert.Empty(t, backend.prepared)
}

func TestCoordinator_CancelAllBeforeRun(t *testing.T) {
	storage := newStorageServer(t)
	backend := &fakeBackend{storageURL: storage.URL}
	coordinator := NewCoordinator(backend, newTestTransporter(), BatchConfig{}, Callbacks{}, nil, log.NewLogger())

	sessions := []*Session{
		coordinator.NewSession(newTestFile("a.txt", 10)),
		coordinator.NewSession(newTestFile("b.txt", 10)),
	}
	for _, session := range sessions {
		session.Cancel()
	}

	result := coordinator.Run(context.Background(), sessions)

	assert.Equal(t, 2, result.FailedCount())
	assert.Empty(t, result.FileIDs())
	for _, err := range result.Errors {
		assert.True(t, errors.Is(err, ErrCancelledByUser))
	}
	assert.Empty(t, storage.recorded())
	assert.False(t, coordinator.Cancel(sessions[0].ID()))
}

func TestCoordinator_UploadPaths_UnopenableFile(t *testing.T) {
	storage := newStorageServer(t)
	backend := &fakeBackend{storageURL: storage.URL}
	coordinator := NewCoordinator(backend, newTestTransporter(), BatchConfig{}, Callbacks{}, nil, log.NewLogger())

	dir := t.TempDir()
	valid := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(valid, []byte("hello"), 0600))
	missing := filepath.Join(dir, "gone.txt")

	result, err := coordinator.UploadPaths(context.Background(), []string{missing, valid})

	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, []string{"file-a.txt"}, result.FileIDs())
	assert.Equal(t, 1, result.FailedCount())

	assert.Equal(t, "gone.txt", result.Results[0].FileName)
	assert.Equal(t, StateFailed, result.Results[0].State)
	assert.True(t, errors.Is(result.Errors[0], ErrHashFailure))
	assert.True(t, errors.Is(result.Errors[0], os.ErrNotExist))
	var sessionErr *SessionError
	require.True(t, errors.As(result.Errors[0], &sessionErr))
	assert.Equal(t, "gone.txt", sessionErr.FileName)

	require.Len(t, backend.prepared, 1)
	assert.Equal(t, "a.txt", backend.prepared[0].FileName)
	assert.Equal(t, StateSucceeded, result.Results[1].State)
}

func TestCoordinator_UploadPaths_TooManyFiles(t *testing.T) {
	backend := &fakeBackend{}
	coordinator := NewCoordinator(backend, newTestTransporter(), BatchConfig{MaxFiles: 1}, Callbacks{}, nil, log.NewLogger())

	_, err := coordinator.UploadPaths(context.Background(), []string{"a.txt", "b.txt"})

	assert.True(t, errors.Is(err, ErrTooManyFiles))
	assert.Empty(t, backend.prepared)
}

func TestCoordinator_CancelPendingSession(t *testing.T) {
	storage := newStorageServer(t)
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{storageURL: storage.URL}
	backend.prepareFn = func(request network.PrepareRequest) (*network.Plan, error) {
		if request.FileName == "a.txt" {
			close(started)
			<-release
		}
		return &network.Plan{FileID: "id-" + request.FileName, UploadURL: storage.URL + "/" + request.FileName}, nil
	}

	coordinator := NewCoordinator(backend, newTestTransporter(), BatchConfig{SessionConcurrency: 1}, Callbacks{}, nil, log.NewLogger())
	sessions := []*Session{
		coordinator.NewSession(newTestFile("a.txt", 10)),
		coordinator.NewSession(newTestFile("b.txt", 10)),
	}

	done := make(chan BatchResult)
	go func() {
		done <- coordinator.Run(context.Background(), sessions)
	}()

	<-started
	assert.True(t, coordinator.Cancel(sessions[1].ID()))
	assert.False(t, coordinator.Cancel("unknown"))
	close(release)
	result := <-done

	assert.NoError(t, result.Errors[0])
	assert.Equal(t, StateSucceeded, result.Results[0].State)
	assert.True(t, errors.Is(result.Errors[1], ErrCancelledByUser))
	assert.Equal(t, StateCancelled, result.Results[1].State)
	require.Len(t, backend.prepared, 1)
	assert.Equal(t, "a.txt", backend.prepared[0].FileName)
	assert.Equal(t, []string{"id-a.txt"}, result.FileIDs())
}
