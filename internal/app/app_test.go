package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/five82/reportsync/internal/prefs"
)

func newService(t *testing.T, feedDials *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/reports/R1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"R1","title":"Q3","status":"draft","sections":[{"id":"A","title":"Intro","content":{"text":"hi"}}]}`)
	})
	mux.HandleFunc("/api/reports/R1/feed", func(w http.ResponseWriter, _ *http.Request) {
		feedDials.Add(1)
		http.Error(w, "no feed", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, apiURL string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf(`api_url = %q
log_file = %q
health_poll_ms = 20
`, apiURL, filepath.Join(dir, "reportsync.log"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestStart_LoadsReportAndRemembersIt(t *testing.T) {
	var dials atomic.Int32
	srv := newService(t, &dials)
	dir := t.TempDir()
	prefsPath := filepath.Join(dir, "prefs.toml")

	rt, err := start(context.Background(), Options{
		ConfigPath: writeConfig(t, dir, srv.URL),
		PrefsPath:  prefsPath,
		ReportID:   "R1",
	})
	require.NoError(t, err)

	snap := rt.engine.Snapshot()
	require.NotNil(t, snap.Report)
	assert.Equal(t, "Q3", snap.Report.Title)
	assert.Equal(t, []string{"A"}, snap.SectionIDs())
	assert.Nil(t, snap.LastError)
	assert.NotNil(t, rt.feedDone, "feed started for the loaded report")

	assert.Eventually(t, func() bool { return dials.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	rt.close()

	saved, err := prefs.Load(prefsPath)
	require.NoError(t, err)
	assert.Equal(t, "R1", saved.LastReport)

	_, err = os.Stat(filepath.Join(dir, "reportsync.log"))
	assert.NoError(t, err, "log file written")
}

func TestStart_FailedLoadIsNotFatal(t *testing.T) {
	var dials atomic.Int32
	srv := newService(t, &dials)
	dir := t.TempDir()
	prefsPath := filepath.Join(dir, "prefs.toml")

	rt, err := start(context.Background(), Options{
		ConfigPath: writeConfig(t, dir, srv.URL),
		PrefsPath:  prefsPath,
		ReportID:   "missing",
	})
	require.NoError(t, err)
	defer rt.close()

	snap := rt.engine.Snapshot()
	assert.Nil(t, snap.Report)
	require.NotNil(t, snap.LastError)

	saved, _ := prefs.Load(prefsPath)
	assert.Empty(t, saved.LastReport, "failed loads are not remembered")
}

func TestStart_WithoutReport(t *testing.T) {
	var dials atomic.Int32
	srv := newService(t, &dials)
	dir := t.TempDir()

	rt, err := start(context.Background(), Options{
		ConfigPath: writeConfig(t, dir, srv.URL),
		PrefsPath:  filepath.Join(dir, "prefs.toml"),
	})
	require.NoError(t, err)
	defer rt.close()

	assert.Nil(t, rt.engine.Snapshot().Report)
	assert.Nil(t, rt.feedDone)
}

func TestStart_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("api_url = [unterminated"), 0o644))

	_, err := start(context.Background(), Options{ConfigPath: path, PrefsPath: filepath.Join(dir, "prefs.toml")})
	assert.ErrorContains(t, err, "load config")
}
