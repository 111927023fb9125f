package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storf/internal/config"
	"storf/internal/events"
	"storf/internal/lock"
	"storf/internal/models"
	"storf/internal/testutil"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	script := testutil.WriteScript(t, testutil.SuccessScript)
	yaml := fmt.Sprintf(`
database:
  driver: sqlite
  dsn: %s
  log_level: silent
storage:
  jobs_dir: %s
queue:
  backoff_base: 1ms
  poll_interval: 10ms
worker:
  runtime: local
  binary: %s
  heartbeat_interval: 1s
admin:
  jwt_secret: test-secret
`, filepath.Join(dir, "storf.db"), filepath.Join(dir, "jobs"), script)

	path := filepath.Join(dir, "storf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestContainer_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := loadConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewContainer(ctx, cfg)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping(ctx))
	assert.IsType(t, &events.LocalBus{}, c.Bus)
	assert.IsType(t, &lock.LocalLocker{}, c.Locker)

	server, hub, err := c.NewServer()
	require.NoError(t, err)
	go hub.Run(ctx)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "genome.fna")
	require.NoError(t, err)
	_, err = fw.Write([]byte(">c1\nATGAAATAG\n>c2\nATGCCCTAA\n>c3\nATGTTTTGA\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	pool, err := c.NewWorkerPool(2)
	require.NoError(t, err)
	require.Len(t, pool.Workers(), 2)
	assert.NotEqual(t, pool.Workers()[0].ID(), pool.Workers()[1].ID())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := c.Status.Get(context.Background(), resp.JobID)
		return err == nil && st.State == models.JobCompleted
	}, 10*time.Second, 20*time.Millisecond)

	report, err := c.NewSweeper().RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}

func TestContainer_RedisUnavailable(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := NewContainer(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}
