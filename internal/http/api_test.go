package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytica-server/internal/analytics"
	"analytica-server/internal/auth"
	"analytica-server/internal/repository/sqlite"
	"analytica-server/internal/service"
	"analytica-server/internal/storage"
)

type testEnv struct {
	t         *testing.T
	router    *gin.Engine
	users     service.UserService
	datasets  service.DatasetService
	tokens    *auth.TokenIssuer
	logger    *logrus.Logger
	uploadDir string
}

func newTestEnv(t *testing.T, analyticsURL string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	userRepo := sqlite.NewUserRepository(db)
	require.NoError(t, userRepo.Init(ctx))
	datasetRepo := sqlite.NewDatasetRepository(db)
	require.NoError(t, datasetRepo.Init(ctx))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		t:         t,
		users:     service.NewUserService(userRepo),
		datasets:  service.NewDatasetService(datasetRepo, filepath.Join(dir, "uploads"), nil, storage.UploadOptions{}, logger),
		tokens:    auth.NewTokenIssuer("test-secret", time.Hour),
		logger:    logger,
		uploadDir: filepath.Join(dir, "uploads"),
	}
	env.router = env.buildRouter(analyticsURL)
	return env
}

// buildRouter lets a test swap the analytics endpoint while keeping the same
// services and database.
func (e *testEnv) buildRouter(analyticsURL string) *gin.Engine {
	client := analytics.NewClient(analyticsURL, 2*time.Second, e.logger)
	router := gin.New()
	NewHandler(e.users, e.datasets, client, e.tokens, e.logger).RegisterRoutes(router)
	return router
}

func (e *testEnv) do(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doUpload(router *gin.Engine, token, fileName, content string) *httptest.ResponseRecorder {
	e.t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if fileName != "" {
		fw, err := w.CreateFormFile("dataFile", fileName)
		require.NoError(e.t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(e.t, err)
	}
	require.NoError(e.t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signup(username, email string) string {
	e.t.Helper()

	rec := e.do(e.router, http.MethodPost, "/api/auth/signup", "", gin.H{
		"username": username,
		"email":    email,
		"password": "s3cret-pass",
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(e.t, rec)["token"].(string)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// analyticsStub counts requests and serves canned responses.
func analyticsStub(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/analyze":
			w.Write([]byte(`{"file_info":{"total_rows":3,"total_columns":2,"total_missing_values":0},"column_details":[]}`))
		case "/predict":
			w.Write([]byte(`{"problem_type":"regression","model_results":[{"model_name":"Linear Regression","metrics":{"r2_score":0.9},"status":"success"}]}`))
		case "/query":
			w.Write([]byte(`{"answer":"3 rows"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"unknown endpoint"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHealthAndRoot(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)

	rec := env.do(env.router, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Analytica Backend is running!", rec.Body.String())

	rec = env.do(env.router, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSignupIssuesUsableToken(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)

	token := env.signup("alice", "alice@example.com")

	rec := env.do(env.router, http.MethodGet, "/api/datasets", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignupDuplicates(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)

	env.signup("alice", "alice@example.com")

	rec := env.do(env.router, http.MethodPost, "/api/auth/signup", "", gin.H{
		"username": "alice2", "email": "alice@example.com", "password": "p",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User with this email already exists", decode(t, rec)["msg"])

	rec = env.do(env.router, http.MethodPost, "/api/auth/signup", "", gin.H{
		"username": "alice", "email": "alice2@example.com", "password": "p",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Username is already taken", decode(t, rec)["msg"])

	// both fields duplicated: the email conflict wins, as in the signup flow
	rec = env.do(env.router, http.MethodPost, "/api/auth/signup", "", gin.H{
		"username": "alice", "email": "alice@example.com", "password": "p",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "User with this email already exists", decode(t, rec)["msg"])
}

func TestLoginFailuresAreUniform(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)

	env.signup("alice", "alice@example.com")

	wrongPassword := env.do(env.router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "alice@example.com", "password": "wrong",
	})
	unknownEmail := env.do(env.router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "nobody@example.com", "password": "s3cret-pass",
	})

	assert.Equal(t, http.StatusBadRequest, wrongPassword.Code)
	assert.Equal(t, http.StatusBadRequest, unknownEmail.Code)
	assert.Equal(t, decode(t, wrongPassword)["msg"], decode(t, unknownEmail)["msg"])
	assert.Equal(t, "Invalid credentials", decode(t, wrongPassword)["msg"])
}

func TestLoginSucceedsWithSignupPassword(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)

	env.signup("alice", "alice@example.com")

	rec := env.do(env.router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "alice@example.com", "password": "s3cret-pass",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["token"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)

	rec := env.doUpload(env.router, "", "data.csv", "a,b\n1,2\n")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(env.router, http.MethodPost, "/api/predict", "", gin.H{
		"fileName": "x.csv", "targetColumn": "b",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/datasets", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	out := httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
	assert.Equal(t, "Token is not valid", decode(t, out)["msg"])
}

func TestUploadValidation(t *testing.T) {
	srv, calls := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.doUpload(env.router, token, "data.txt", "hello")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Error: Only .csv, .xlsx, and .json files are allowed!", decode(t, rec)["msg"])

	rec = env.doUpload(env.router, token, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Error: No file selected!", decode(t, rec)["msg"])

	assert.Zero(t, calls.Load(), "rejected uploads must not reach the analytics service")
}

func TestUploadAndAnalyze(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	for _, name := range []string{"data.csv", "data.xlsx", "data.json"} {
		rec := env.doUpload(env.router, token, name, "a,b\n1,2\n")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		body := decode(t, rec)
		assert.Equal(t, "File uploaded and analyzed successfully!", body["msg"])
		assert.Regexp(t, `^dataFile-\d+-\d+\.(csv|xlsx|json)$`, body["fileName"])
		assert.Equal(t, "/uploads/"+body["fileName"].(string), body["filePath"])
		assert.Contains(t, body["analysis"], "file_info")
	}
}

func TestUploadSurvivesUnreachableAnalytics(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	env := newTestEnv(t, deadURL)
	token := env.signup("alice", "alice@example.com")

	rec := env.doUpload(env.router, token, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "File uploaded, but analysis service could not be reached. Is the Python server running?", body["msg"])
	fileName, _ := body["fileName"].(string)
	require.NotEmpty(t, fileName)
	assert.Equal(t, "/uploads/"+fileName, body["filePath"])

	// the stored file is still on disk and resolvable for a later retry
	_, err := os.Stat(filepath.Join(env.uploadDir, fileName))
	require.NoError(t, err)

	live, _ := analyticsStub(t)
	retryRouter := env.buildRouter(live.URL)
	rec = env.do(retryRouter, http.MethodPost, "/api/predict", token, gin.H{
		"fileName": fileName, "targetColumn": "b",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestUploadForwardsAnalysisFailureDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"Unsupported file format. Please use .csv or .xlsx"}`))
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.doUpload(env.router, token, "data.json", `{"a":1}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "File uploaded, but analysis failed.", body["msg"])
	assert.Equal(t, "Unsupported file format. Please use .csv or .xlsx", body["detail"])
	assert.NotEmpty(t, body["fileName"])
}

func TestPredictMissingParameters(t *testing.T) {
	srv, calls := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.do(env.router, http.MethodPost, "/api/predict", token, gin.H{"fileName": "x.csv"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing file name or target column", decode(t, rec)["msg"])

	rec = env.do(env.router, http.MethodPost, "/api/predict", token, gin.H{"targetColumn": "b"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, calls.Load(), "validation failures must not reach the analytics service")
}

func TestPredictRelaysRawPayload(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.doUpload(env.router, token, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, rec.Code)
	fileName := decode(t, rec)["fileName"].(string)

	first := env.do(env.router, http.MethodPost, "/api/predict", token, gin.H{
		"fileName": fileName, "targetColumn": "b",
	})
	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"problem_type":"regression","model_results":[{"model_name":"Linear Regression","metrics":{"r2_score":0.9},"status":"success"}]}`, first.Body.String())

	// deterministic upstream means a repeated call yields the identical report
	second := env.do(env.router, http.MethodPost, "/api/predict", token, gin.H{
		"fileName": fileName, "targetColumn": "b",
	})
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestPredictUnknownAndForeignFiles(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	alice := env.signup("alice", "alice@example.com")
	bob := env.signup("bob", "bob@example.com")

	rec := env.do(env.router, http.MethodPost, "/api/predict", alice, gin.H{
		"fileName": "dataFile-0-0.csv", "targetColumn": "b",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doUpload(env.router, alice, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, rec.Code)
	fileName := decode(t, rec)["fileName"].(string)

	rec = env.do(env.router, http.MethodPost, "/api/predict", bob, gin.H{
		"fileName": fileName, "targetColumn": "b",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPredictForwardsUpstreamDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/analyze") {
			w.Write([]byte(`{"file_info":{}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"No data remaining after dropping rows with missing target values."}`))
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.doUpload(env.router, token, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, rec.Code)
	fileName := decode(t, rec)["fileName"].(string)

	rec = env.do(env.router, http.MethodPost, "/api/predict", token, gin.H{
		"fileName": fileName, "targetColumn": "b",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Prediction service failed.", body["msg"])
	assert.Equal(t, "No data remaining after dropping rows with missing target values.", body["detail"])
}

func TestQueryEndpoint(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.do(env.router, http.MethodPost, "/api/query", token, gin.H{"fileName": "x.csv"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing file name or query", decode(t, rec)["msg"])

	rec = env.doUpload(env.router, token, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, rec.Code)
	fileName := decode(t, rec)["fileName"].(string)

	rec = env.do(env.router, http.MethodPost, "/api/query", token, gin.H{
		"fileName": fileName, "query": "how many rows?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"answer":"3 rows"}`, rec.Body.String())
}

func TestListDatasets(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	alice := env.signup("alice", "alice@example.com")
	bob := env.signup("bob", "bob@example.com")

	rec := env.doUpload(env.router, alice, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, rec.Code)

	out := env.do(env.router, http.MethodGet, "/api/datasets", alice, nil)
	require.Equal(t, http.StatusOK, out.Code)
	var mine []DatasetResponse
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, "data.csv", mine[0].OriginalName)
	assert.False(t, mine[0].Mirrored)

	out = env.do(env.router, http.MethodGet, "/api/datasets", bob, nil)
	require.Equal(t, http.StatusOK, out.Code)
	var theirs []DatasetResponse
	require.NoError(t, json.Unmarshal(out.Body.Bytes(), &theirs))
	assert.Empty(t, theirs)
}

func TestDeleteDataset(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	alice := env.signup("alice", "alice@example.com")
	bob := env.signup("bob", "bob@example.com")

	rec := env.doUpload(env.router, alice, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, rec.Code)
	fileName := decode(t, rec)["fileName"].(string)

	out := env.do(env.router, http.MethodDelete, "/api/datasets/"+fileName, bob, nil)
	assert.Equal(t, http.StatusForbidden, out.Code)

	out = env.do(env.router, http.MethodDelete, "/api/datasets/"+fileName, alice, nil)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, fileName, decode(t, out)["deleted"])

	_, err := os.Stat(filepath.Join(env.uploadDir, fileName))
	assert.True(t, os.IsNotExist(err))

	out = env.do(env.router, http.MethodPost, "/api/predict", alice, gin.H{
		"fileName": fileName, "targetColumn": "b",
	})
	assert.Equal(t, http.StatusNotFound, out.Code)

	out = env.do(env.router, http.MethodDelete, "/api/datasets/dataFile-0-0.csv", alice, nil)
	assert.Equal(t, http.StatusNotFound, out.Code)
}

func TestStorageObjectsWithoutMirror(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.do(env.router, http.MethodGet, "/api/storage/objects", token, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Storage service not configured", decode(t, rec)["msg"])

	rec = env.do(env.router, http.MethodGet, "/api/storage/objects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDatasetURLWithoutMirror(t *testing.T) {
	srv, _ := analyticsStub(t)
	env := newTestEnv(t, srv.URL)
	token := env.signup("alice", "alice@example.com")

	rec := env.doUpload(env.router, token, "data.csv", "a,b\n1,2\n")
	require.Equal(t, http.StatusOK, rec.Code)
	fileName := decode(t, rec)["fileName"].(string)

	out := env.do(env.router, http.MethodGet, "/api/datasets/"+fileName+"/url", token, nil)
	assert.Equal(t, http.StatusNotFound, out.Code)
}
