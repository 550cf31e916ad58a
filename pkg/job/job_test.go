package job

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/harborctl/pkg/agent"
	"github.com/cuemby/harborctl/pkg/attempt"
	"github.com/cuemby/harborctl/pkg/cancel"
	"github.com/cuemby/harborctl/pkg/registry"
	"github.com/cuemby/harborctl/pkg/store/storetest"
	"github.com/cuemby/harborctl/pkg/types"
)

func TestIsWithinDirRejectsEscapingPaths(t *testing.T) {
	assert.True(t, isWithinDir("/work/job-1", "/work/job-1/task.toml"))
	assert.True(t, isWithinDir("/work/job-1", "/work/job-1/nested/dir/file.txt"))
	assert.False(t, isWithinDir("/work/job-1", "/work/evil.txt"))
	assert.False(t, isWithinDir("/work/job-1", "/etc/passwd"))
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, contents := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractZipWritesRegularFilesAndDirectories(t *testing.T) {
	destDir := t.TempDir()
	data := buildZip(t, map[string]string{
		"task.toml":       `name = "hello"`,
		"nested/file.txt": "hello world",
	})
	zipPath := filepath.Join(t.TempDir(), "task.zip")
	require.NoError(t, os.WriteFile(zipPath, data, 0o644))

	require.NoError(t, extractZip(zipPath, destDir))

	got, err := os.ReadFile(filepath.Join(destDir, "task.toml"))
	require.NoError(t, err)
	assert.Equal(t, `name = "hello"`, string(got))

	got, err = os.ReadFile(filepath.Join(destDir, "nested", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestExtractZipRejectsZipSlipEntries(t *testing.T) {
	destDir := t.TempDir()
	data := buildZip(t, map[string]string{
		"../../etc/evil.txt": "pwned",
	})
	zipPath := filepath.Join(t.TempDir(), "task.zip")
	require.NoError(t, os.WriteFile(zipPath, data, 0o644))

	err := extractZip(zipPath, destDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination directory")
}

func TestLocateTaskRootPrefersBaseDirWhenManifestPresent(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "task.toml"), []byte("name = \"x\""), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(workDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "sub", "task.toml"), []byte("name = \"y\""), 0o644))

	root, err := locateTaskRoot(workDir)
	require.NoError(t, err)
	assert.Equal(t, workDir, root)
}

func TestLocateTaskRootFallsBackToSubdirManifest(t *testing.T) {
	workDir := t.TempDir()
	sub := filepath.Join(workDir, "hello-world")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "task.toml"), []byte("name = \"y\""), 0o644))

	root, err := locateTaskRoot(workDir)
	require.NoError(t, err)
	assert.Equal(t, sub, root)
}

func TestLocateTaskRootErrorsWhenNoManifestAnywhere(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(workDir, "sub"), 0o755))

	_, err := locateTaskRoot(workDir)
	assert.Error(t, err)
}

// fakeObjects is a minimal objectstore.Store fake: Get always returns the
// configured zip bytes regardless of key, PutDirectory uploads nothing and
// returns no URLs.
type fakeObjects struct {
	zipData []byte
}

func (f *fakeObjects) Put(context.Context, string, []byte, string) (string, error) { return "", nil }
func (f *fakeObjects) Get(context.Context, string) ([]byte, error)                 { return f.zipData, nil }
func (f *fakeObjects) Head(context.Context, string) (bool, error)                  { return false, nil }
func (f *fakeObjects) PresignGet(context.Context, string, int) (string, error)      { return "", nil }
func (f *fakeObjects) PutDirectory(context.Context, string, string) ([]string, error) {
	return nil, nil
}

type fakeAgentRunner struct{}

func (fakeAgentRunner) Run(_ context.Context, _ agent.Config, _ agent.CancellationChecker, _ func(*agent.ProcessGroup)) (*agent.Result, error) {
	return &agent.Result{ExitCode: 0}, nil
}

type noopCleaner struct{}

func (noopCleaner) CleanupTask(context.Context, string) {}

func newTestDriver(t *testing.T, zipData []byte) (*Driver, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	objects := &fakeObjects{zipData: zipData}
	reg := registry.New()
	oracle := cancel.New(st, reg, noopCleaner{})
	attempts := attempt.New(st, objects, fakeAgentRunner{}, reg, oracle)

	d := New(st, objects, nil, reg, oracle, attempts, Config{
		WorkRoot:                 t.TempDir(),
		MaxConcurrentAttemptsJob: 2,
		HarborTimeout:            time.Second,
	})
	return d, st
}

func TestRunExtractsZipAndCompletesJob(t *testing.T) {
	zipData := buildZip(t, map[string]string{"task.toml": `name = "hello"`})
	d, st := newTestDriver(t, zipData)

	jobID := uuid.New()
	j := &types.Job{
		ID:            jobID,
		TaskName:      "hello-world",
		RunsRequested: 1,
		ZipLocation:   "gs://bucket/hello-world.zip",
	}
	require.NoError(t, st.CreateJob(context.Background(), j))

	d.Run(context.Background(), j)

	got, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)

	attempts, err := st.ListAttemptsByJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	_, statErr := os.Stat(filepath.Join(d.cfg.WorkRoot, jobID.String()))
	assert.True(t, os.IsNotExist(statErr), "work directory must be cleaned up unconditionally")
}

func TestRunFailsJobWhenZipHasNoManifest(t *testing.T) {
	zipData := buildZip(t, map[string]string{"readme.txt": "no manifest here"})
	d, st := newTestDriver(t, zipData)

	jobID := uuid.New()
	j := &types.Job{ID: jobID, TaskName: "broken", RunsRequested: 1, ZipLocation: "gs://bucket/broken.zip"}
	require.NoError(t, st.CreateJob(context.Background(), j))

	d.Run(context.Background(), j)

	got, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
}

func TestRunFailsJobWhenZipCannotBeDownloaded(t *testing.T) {
	d, st := newTestDriver(t, nil)
	d.objects = &erroringObjects{}

	jobID := uuid.New()
	j := &types.Job{ID: jobID, TaskName: "hello-world", RunsRequested: 1, ZipLocation: "gs://bucket/hello-world.zip"}
	require.NoError(t, st.CreateJob(context.Background(), j))

	d.Run(context.Background(), j)

	got, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "failed to download task zip")
}

type erroringObjects struct{ fakeObjects }

func (e *erroringObjects) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("download failed")
}
