package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/admission"
	"github.com/stemsplit/api/internal/client"
	"github.com/stemsplit/api/internal/middleware"
	"github.com/stemsplit/api/internal/mixcache"
	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/registry"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/stage"
	"github.com/stemsplit/api/internal/storage"
)

type fakeDownloader struct{}

func (fakeDownloader) Probe(ctx context.Context, ref string) (*client.VideoInfo, error) {
	return &client.VideoInfo{ID: "dQw4w9WgXcQ", Title: "Test video", DurationSeconds: 30}, nil
}

func (fakeDownloader) Fetch(ctx context.Context, ref, destDir string, onBytes client.ByteProgressFunc) (string, error) {
	path := filepath.Join(destDir, "source.mp4")
	return path, os.WriteFile(path, []byte("video"), 0o644)
}

// fakeTranscoder writes 1000 bytes to whatever output it is asked for.
type fakeTranscoder struct{}

func (fakeTranscoder) Probe(ctx context.Context, path string) (*client.MediaInfo, error) {
	return &client.MediaInfo{DurationSeconds: 0.05, HasVideo: strings.HasSuffix(path, ".mp4"), HasAudio: true}, nil
}

func (fakeTranscoder) Run(ctx context.Context, args []string, onOutTime client.OutTimeFunc) error {
	return os.WriteFile(args[len(args)-1], bytes.Repeat([]byte("a"), 1000), 0o644)
}

type fakeEngine struct{}

func (fakeEngine) Separate(ctx context.Context, req *client.SeparateRequest) (*client.SeparateResponse, error) {
	stems := make(map[string]string)
	for _, s := range model.AllStems {
		p := filepath.Join(req.OutputDir, "raw_"+string(s)+".wav")
		if err := os.WriteFile(p, []byte("RIFF"), 0o644); err != nil {
			return nil, err
		}
		stems[string(s)] = p
	}
	return &client.SeparateResponse{Stems: stems, Device: "cpu"}, nil
}

func (fakeEngine) Device() string { return client.DeviceCPU }

type testApp struct {
	app       *fiber.App
	jobs      *registry.Registry
	admission *admission.Controller
	jobSvc    *service.JobService
	cache     *mixcache.Cache
}

// setupApp wires the same routes as main with fake engines behind them.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewLocal(filepath.Join(dir, "uploads"), filepath.Join(dir, "results"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	jobs := registry.New(time.Hour)
	adm := admission.New(2)
	cache := mixcache.New()
	tr := fakeTranscoder{}

	jobSvc := service.NewJobService(jobs, adm, store, service.Pipeline{
		Acquirer:  stage.NewAcquirer(fakeDownloader{}, tr, 600),
		Separator: stage.NewSeparator(fakeEngine{}, tr).WithTick(5 * time.Millisecond),
		Merger:    stage.NewMerger(tr),
	}, time.Minute)
	mixSvc := service.NewMixService(jobs, cache, store, stage.NewMixer(tr))

	validate := validator.New()
	app := fiber.New(fiber.Config{BodyLimit: 10 * 1024 * 1024})

	health := NewHealthHandler(store, adm, nil, nil, nil)
	app.Get("/health", health.Check)

	Register(app.Group("/api/v1"), Routes{
		Jobs:        NewJobHandler(jobSvc, validate, 5),
		Mixes:       NewMixHandler(mixSvc, validate),
		Limiter:     middleware.NewRateLimiter(nil, false),
		JobsPerHour: 10000,
		MixPerHour:  10000,
	})

	return &testApp{app: app, jobs: jobs, admission: adm, jobSvc: jobSvc, cache: cache}
}

func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	errObj, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", result)
	}
	code, _ := errObj["code"].(string)
	return code
}

// submitCompleted creates a remote job and waits for the pipeline.
func submitCompleted(t *testing.T, ta *testApp) string {
	t.Helper()
	resp, err := doRequest(ta.app, "POST", "/api/v1/jobs", `{"sourceType":"remote","sourceUrl":"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	jobID, _ := result["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in %v", result)
	}
	ta.jobSvc.Wait()
	return jobID
}

func TestCreateJob_Validation(t *testing.T) {
	ta := setupApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{not json`},
		{"missing url", `{"sourceType":"remote"}`},
		{"not a url", `{"sourceUrl":"hello"}`},
		{"unsupported host", `{"sourceUrl":"https://vimeo.com/123456"}`},
		{"bad source type", `{"sourceType":"ftp","sourceUrl":"https://youtu.be/dQw4w9WgXcQ"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := doRequest(ta.app, "POST", "/api/v1/jobs", tt.body, nil)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)
			if code := errorCode(t, resp); code != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %s", code)
			}
		})
	}
	if ta.jobs.Count() != 0 {
		t.Errorf("invalid submissions created %d jobs", ta.jobs.Count())
	}
}

func TestCreateJob_RunsToCompletion(t *testing.T) {
	ta := setupApp(t)
	jobID := submitCompleted(t, ta)

	resp, err := doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	if result["status"] != "completed" || result["progress"] != float64(100) {
		t.Fatalf("unexpected status body %v", result)
	}
	res, ok := result["result"].(map[string]interface{})
	if !ok || res["downloadUrl"] != "/api/v1/jobs/"+jobID+"/download" || res["hasVideo"] != true {
		t.Errorf("unexpected result %v", result["result"])
	}
}

func TestCreateJob_AdmissionRejected(t *testing.T) {
	ta := setupApp(t)
	ta.admission.TryAdmit()
	ta.admission.TryAdmit()

	resp, err := doRequest(ta.app, "POST", "/api/v1/jobs", `{"sourceUrl":"https://youtu.be/dQw4w9WgXcQ"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusServiceUnavailable)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if code := errorCode(t, resp); code != "ADMISSION_REJECTED" {
		t.Errorf("expected ADMISSION_REJECTED, got %s", code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	ta := setupApp(t)

	for _, path := range []string{"/api/v1/jobs/nope", "/api/v1/jobs/nope/download", "/api/v1/jobs/nope/mix/0123456789abcdef"} {
		resp, err := doRequest(ta.app, "GET", path, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusNotFound)
		resp.Body.Close()
	}
}

func TestDownload_NotReady(t *testing.T) {
	ta := setupApp(t)
	job := ta.jobs.Create(&model.Job{Source: model.Source{Kind: model.SourceRemote, URL: "https://youtu.be/dQw4w9WgXcQ"}})

	resp, err := doRequest(ta.app, "GET", "/api/v1/jobs/"+job.ID+"/download", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
	if code := errorCode(t, resp); code != "JOB_NOT_READY" {
		t.Errorf("expected JOB_NOT_READY, got %s", code)
	}
}

func TestDownload_Ranges(t *testing.T) {
	ta := setupApp(t)
	jobID := submitCompleted(t, ta)

	resp, err := doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID+"/stream", "", map[string]string{"Range": "bytes=0-"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusPartialContent)
	if got := resp.Header.Get("Content-Range"); got != "bytes 0-999/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	resp.Body.Close()

	resp, err = doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID+"/download", "", map[string]string{"Range": "bytes=1000-"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusRequestedRangeNotSatisfiable)
	resp.Body.Close()

	resp, err = doRequest(ta.app, "HEAD", "/api/v1/jobs/"+jobID+"/download", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Accept-Ranges") != "bytes" || resp.Header.Get("Content-Length") != "1000" {
		t.Errorf("unexpected HEAD headers %v", resp.Header)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "attachment") {
		t.Errorf("download should be an attachment")
	}
	resp.Body.Close()
}

func TestTracks(t *testing.T) {
	ta := setupApp(t)
	jobID := submitCompleted(t, ta)

	resp, err := doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID+"/tracks", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	stems, _ := result["stems"].([]interface{})
	if len(stems) != 4 {
		t.Fatalf("expected 4 stems, got %v", result)
	}

	resp, err = doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID+"/tracks/vocals", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("Content-Type"); got != "audio/wav" {
		t.Errorf("Content-Type = %q", got)
	}
	resp.Body.Close()

	resp, err = doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID+"/tracks/piano", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestMix_Lifecycle(t *testing.T) {
	ta := setupApp(t)
	jobID := submitCompleted(t, ta)

	body := `{"gains":{"vocals":0},"pitchShift":-2,"outputFormat":"mp3"}`
	resp, err := doRequest(ta.app, "POST", "/api/v1/jobs/"+jobID+"/mix", body, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	result := parseJSON(t, resp)
	mixID, _ := result["mixId"].(string)
	if !mixcache.ValidKey(mixID) {
		t.Fatalf("unexpected mixId %q", mixID)
	}
	ta.cache.Wait()

	resp, err = doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID+"/mix/"+mixID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	status := parseJSON(t, resp)
	if status["status"] != "completed" || status["downloadUrl"] == nil {
		t.Fatalf("unexpected mix status %v", status)
	}

	resp, err = doRequest(ta.app, "GET", "/api/v1/jobs/"+jobID+"/mix/"+mixID+"/download", "", map[string]string{"Range": "bytes=-10"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusPartialContent)
	if got := resp.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := readBody(t, resp); len(got) != 10 {
		t.Errorf("expected 10 bytes, got %d", len(got))
	}

	// Same settings in another order hit the cache
	resp, err = doRequest(ta.app, "POST", "/api/v1/jobs/"+jobID+"/mix", `{"outputFormat":"mp3","pitchShift":-2,"gains":{"vocals":0,"bass":1}}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	again := parseJSON(t, resp)
	if again["mixId"] != mixID || again["cached"] != true {
		t.Errorf("expected cached hit for %s, got %v", mixID, again)
	}
}

func TestMix_Validation(t *testing.T) {
	ta := setupApp(t)
	jobID := submitCompleted(t, ta)

	for _, body := range []string{
		`{"outputFormat":"flac"}`,
		`{"gains":{"piano":1},"outputFormat":"mp3"}`,
		`{"gains":{"vocals":3},"outputFormat":"mp3"}`,
		`{"pitchShift":24,"outputFormat":"mp3"}`,
	} {
		resp, err := doRequest(ta.app, "POST", "/api/v1/jobs/"+jobID+"/mix", body, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	}
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	partHeader.Set("Content-Type", "application/octet-stream")
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	_, _ = part.Write(content)
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/api/v1/jobs/upload", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUpload_SniffsContent(t *testing.T) {
	ta := setupApp(t)

	wav := append([]byte("RIFF\x24\x08\x00\x00WAVEfmt "), make([]byte, 1024)...)
	resp, err := ta.app.Test(uploadRequest(t, "song.wav", wav), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	if result["jobId"] == nil || result["status"] != "pending" {
		t.Errorf("unexpected body %v", result)
	}
	ta.jobSvc.Wait()

	resp, err = ta.app.Test(uploadRequest(t, "notes.wav", []byte("just some text pretending to be audio")), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestUpload_MissingFile(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, "POST", "/api/v1/jobs/upload", `{}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, "GET", "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["status"] != "degraded" {
		t.Errorf("unconfigured separator should degrade health, got %v", result["status"])
	}
	jobs, _ := result["jobs"].(map[string]interface{})
	if jobs["capacity"] != float64(2) {
		t.Errorf("unexpected jobs block %v", jobs)
	}
}
