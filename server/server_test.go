package server

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"

	"sandrun/entities"
	"sandrun/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverHarness struct {
	srv    *Server
	queue  *Queue
	runner *stubRunner
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	signer, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	runner := newStubRunner()
	limiter := NewRateLimiter()
	queue := NewQueue(runner, limiter, 1)
	srv := New(queue, limiter, signer)
	queue.SetFinishHook(srv.SignCompleted)
	queue.Start(context.Background())
	t.Cleanup(queue.Shutdown)

	return &serverHarness{srv: srv, queue: queue, runner: runner}
}

func (h *serverHarness) do(method, target string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, recorder.Body.String())
	}
	return body
}

func (h *serverHarness) submit(t *testing.T, req map[string]any) string {
	t.Helper()
	recorder := h.do(http.MethodPost, "/jobs", req)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("submit returned %d: %s", recorder.Code, recorder.Body.String())
	}
	jobId, _ := decodeBody(t, recorder)["job_id"].(string)
	if jobId == "" {
		t.Fatal("no job id in the submit response")
	}
	return jobId
}

func (h *serverHarness) waitTerminal(t *testing.T, jobId string) Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, ok := h.queue.Get(jobId)
		if ok && (job.Status == StatusCompleted || job.Status == StatusFailed) {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never finished, last: %+v", jobId, job)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// waitSigned polls until the finish hook has attached the signature; the
// hook runs after the job's terminal status becomes visible.
func (h *serverHarness) waitSigned(t *testing.T, jobId string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, ok := h.queue.Get(jobId)
		if ok && job.Signature != "" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never got signed", jobId)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestInfoEndpoint(t *testing.T) {
	h := newServerHarness(t)

	recorder := h.do(http.MethodGet, "/", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["service"] != "sandrun" {
		t.Fatalf("body %v", body)
	}
	if key, _ := body["public_key"].(string); key == "" {
		t.Fatal("public key not advertised")
	}
}

func TestSubmitStatusAndLogsFlow(t *testing.T) {
	h := newServerHarness(t)
	h.runner.output = RunOutput{Result: entities.JobResult{
		ExitCode:   0,
		Stdout:     "hello\n",
		CpuSeconds: 0.1,
	}}

	jobId := h.submit(t, map[string]any{"code": "print('hello')", "interpreter": "python3"})
	h.waitTerminal(t, jobId)
	h.waitSigned(t, jobId)

	status := decodeBody(t, h.do(http.MethodGet, "/jobs/"+jobId, nil))
	if status["status"] != string(StatusCompleted) {
		t.Fatalf("status body %v", status)
	}
	if status["exit_code"].(float64) != 0 {
		t.Fatalf("status body %v", status)
	}
	if sig, _ := status["signature"].(string); sig == "" {
		t.Fatal("completed job not signed")
	}
	if key, _ := status["public_key"].(string); key == "" {
		t.Fatal("public key missing from the signed status")
	}

	logs := decodeBody(t, h.do(http.MethodGet, "/jobs/"+jobId+"/logs", nil))
	if logs["stdout"] != "hello\n" {
		t.Fatalf("logs body %v", logs)
	}
}

func TestSubmitRejectsUnsupportedInterpreter(t *testing.T) {
	h := newServerHarness(t)

	recorder := h.do(http.MethodPost, "/jobs", map[string]any{"code": "x", "interpreter": "ruby"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if !strings.Contains(body["error"].(string), "Unsupported interpreter") {
		t.Fatalf("body %v", body)
	}
	if body["supported"] == nil {
		t.Fatal("supported interpreter list missing")
	}
}

func TestSubmitRejectsMissingCode(t *testing.T) {
	h := newServerHarness(t)

	recorder := h.do(http.MethodPost, "/jobs", map[string]any{"interpreter": "python3"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status %d", recorder.Code)
	}
}

func TestSubmitRejectsOversizedTimeout(t *testing.T) {
	h := newServerHarness(t)

	recorder := h.do(http.MethodPost, "/jobs", map[string]any{
		"code": "x", "interpreter": "python3", "timeout_seconds": 301,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status %d", recorder.Code)
	}
}

func TestSubmitEnforcesQuota(t *testing.T) {
	h := newServerHarness(t)
	h.runner.block = make(chan struct{})
	defer h.runner.unblock()

	req := map[string]any{"code": "x", "interpreter": "bash"}
	h.submit(t, req)
	h.submit(t, req)

	recorder := h.do(http.MethodPost, "/jobs", req)
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestSecretProtectedJob(t *testing.T) {
	h := newServerHarness(t)

	jobId := h.submit(t, map[string]any{
		"code": "x", "interpreter": "bash", "secret": "hunter2",
	})
	h.waitTerminal(t, jobId)

	if recorder := h.do(http.MethodGet, "/jobs/"+jobId, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated status request returned %d", recorder.Code)
	}
	if recorder := h.do(http.MethodGet, "/jobs/"+jobId+"?secret=wrong", nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("wrong secret returned %d", recorder.Code)
	}
	if recorder := h.do(http.MethodGet, "/jobs/"+jobId+"?secret=hunter2", nil); recorder.Code != http.StatusOK {
		t.Fatalf("correct secret returned %d", recorder.Code)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	h := newServerHarness(t)
	if recorder := h.do(http.MethodGet, "/jobs/nope", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("status %d", recorder.Code)
	}
}

func TestOutputsAndDownload(t *testing.T) {
	h := newServerHarness(t)
	h.runner.output = RunOutput{
		Result: entities.JobResult{
			ExitCode: 0,
			Artifacts: []entities.Artifact{
				{Path: "out.txt", Size: 8, Sha256: "aa"},
			},
		},
		Archive: buildArchive(t, map[string][]byte{"out.txt": []byte("payload\n")}),
	}

	jobId := h.submit(t, map[string]any{"code": "x", "interpreter": "bash"})
	h.waitTerminal(t, jobId)

	outputs := decodeBody(t, h.do(http.MethodGet, "/jobs/"+jobId+"/outputs", nil))
	files := outputs["files"].([]any)
	if len(files) != 1 {
		t.Fatalf("outputs %v", outputs)
	}

	full := h.do(http.MethodGet, "/jobs/"+jobId+"/download", nil)
	if full.Code != http.StatusOK || full.Header().Get("Content-Type") != "application/zstd" {
		t.Fatalf("archive download %d %s", full.Code, full.Header().Get("Content-Type"))
	}

	single := h.do(http.MethodGet, "/jobs/"+jobId+"/download?path=out.txt", nil)
	if single.Code != http.StatusOK || single.Body.String() != "payload\n" {
		t.Fatalf("file download %d %q", single.Code, single.Body.String())
	}

	missing := h.do(http.MethodGet, "/jobs/"+jobId+"/download?path=other.txt", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing file returned %d", missing.Code)
	}
}

func TestDownloadScopesTraversalPaths(t *testing.T) {
	h := newServerHarness(t)
	h.runner.output = RunOutput{
		Result:  entities.JobResult{ExitCode: 0},
		Archive: buildArchive(t, map[string][]byte{"etc/passwd": []byte("fake")}),
	}

	jobId := h.submit(t, map[string]any{"code": "x", "interpreter": "bash"})
	h.waitTerminal(t, jobId)

	// Traversal components collapse to a path inside the archive root, so
	// the escape attempt resolves to the archived entry, never the host.
	escaped := h.do(http.MethodGet, "/jobs/"+jobId+"/download?path=../../etc/passwd", nil)
	if escaped.Code != http.StatusOK || escaped.Body.String() != "fake" {
		t.Fatalf("scoped lookup %d %q", escaped.Code, escaped.Body.String())
	}
}

func TestCancelEndpoint(t *testing.T) {
	h := newServerHarness(t)
	h.runner.block = make(chan struct{})
	h.runner.output = RunOutput{Result: entities.JobResult{ExitCode: -9}}

	jobId := h.submit(t, map[string]any{"code": "sleep 60", "interpreter": "bash"})

	deadline := time.After(5 * time.Second)
	for {
		job, _ := h.queue.Get(jobId)
		if job.Status == StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if recorder := h.do(http.MethodDelete, "/jobs/"+jobId, nil); recorder.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", recorder.Code, recorder.Body.String())
	}
	h.waitTerminal(t, jobId)
}

func TestStatsEndpoint(t *testing.T) {
	h := newServerHarness(t)

	recorder := h.do(http.MethodGet, "/stats", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["quota"] == nil || body["jobs"] == nil {
		t.Fatalf("stats body %v", body)
	}
}

func buildArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	compressor, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tarWriter := tar.NewWriter(compressor)
	for name, content := range files {
		if err := tarWriter.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tarWriter.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		t.Fatal(err)
	}
	if err := compressor.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
