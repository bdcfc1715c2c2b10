package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/listactions"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/ratelimit"
	"recruiter-outreach-scheduler/internal/scheduler"
	"recruiter-outreach-scheduler/internal/store"
)

type testAPI struct {
	handler http.Handler
	repo    *store.Memory
}

func newTestAPI(t *testing.T, capacity int) *testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 1, Protocol: 2})
	delay := delaystore.NewWithClient(client, 1)
	repo := store.NewMemory()
	repo.PutList(models.RecruiterList{ID: 5, RecruiterID: 42, Name: "sales", Applicants: []int64{1}})

	svc := listactions.New(repo, scheduler.New(delay, repo, 30, 120, zerolog.Nop()), delay, redislock.New(client),
		listactions.Options{IntroMessage: "hi", BasePath: "/api/v1"}, zerolog.Nop())
	limiter := ratelimit.NewTokenBucket(client, capacity, 0.001, time.Hour)
	return &testAPI{handler: New("/api/v1", svc, limiter, delay).Router(), repo: repo}
}

func (a *testAPI) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env.Error.Code
}

func TestSendReturnsStatusURL(t *testing.T) {
	a := newTestAPI(t, 20)
	rec := a.do(t, http.MethodPost, "/api/v1/list-actions/5/send", "42",
		`{"request":{"applicants":[1,2],"additional_config":{"template_message":"we are hiring"}}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
	var env struct {
		Data []struct {
			ActionID  string `json:"action_id"`
			Status    string `json:"status"`
			StatusURL string `json:"status_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("data must be an array: %v (%s)", err, rec.Body.String())
	}
	if len(env.Data) != 1 {
		t.Fatalf("expected one send entry, got %d", len(env.Data))
	}
	item := env.Data[0]
	if item.Status != "SCHEDULED" || item.StatusURL != "/api/v1/list-actions/5/"+item.ActionID+"/status" {
		t.Fatalf("unexpected send response %+v", item)
	}

	status := a.do(t, http.MethodGet, item.StatusURL, "42", "")
	if status.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d %s", status.Code, status.Body.String())
	}
	if !strings.Contains(status.Body.String(), `"status":"SCHEDULED"`) {
		t.Fatalf("expected scheduled details, got %s", status.Body.String())
	}
}

func TestTopLevelBodyAndBucketResponse(t *testing.T) {
	a := newTestAPI(t, 20)
	rec := a.do(t, http.MethodPost, "/api/v1/list-actions/5/add", "42", `{"applicants":[1,7,8]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data []models.StatusBucket `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("data must be an array of buckets: %v (%s)", err, rec.Body.String())
	}
	if len(env.Data) != 2 ||
		env.Data[0].Status != models.ActionCompleted || len(env.Data[0].Applicants) != 2 ||
		env.Data[1].Status != models.ActionNoChange || len(env.Data[1].Applicants) != 1 {
		t.Fatalf("unexpected buckets %+v", env.Data)
	}

	nudge := a.do(t, http.MethodPost, "/api/v1/list-actions/5/nudge", "42", `{"applicants":[7]}`)
	if nudge.Code != http.StatusAccepted || !strings.HasPrefix(nudge.Body.String(), `{"data":[{"action_id":`) {
		t.Fatalf("unexpected nudge response %d %s", nudge.Code, nudge.Body.String())
	}
}

func TestCancelReturnsDetails(t *testing.T) {
	a := newTestAPI(t, 20)
	rec := a.do(t, http.MethodPost, "/api/v1/list-actions/5/send", "42", `{"applicants":[1,2]}`)
	var sent struct {
		Data []struct {
			ActionID string `json:"action_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil || len(sent.Data) != 1 {
		t.Fatalf("send: %v %s", err, rec.Body.String())
	}

	cancel := a.do(t, http.MethodGet, "/api/v1/list-actions/5/"+sent.Data[0].ActionID+"/cancel", "42", "")
	if cancel.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", cancel.Code, cancel.Body.String())
	}
	var env struct {
		Data []models.ActionDetail `json:"data"`
	}
	if err := json.Unmarshal(cancel.Body.Bytes(), &env); err != nil {
		t.Fatalf("data must be an array of details: %v (%s)", err, cancel.Body.String())
	}
	if len(env.Data) != 2 {
		t.Fatalf("expected 2 details, got %+v", env.Data)
	}
	for _, d := range env.Data {
		if d.Status != models.DetailCancelled {
			t.Fatalf("expected CANCELLED detail, got %+v", d)
		}
	}
}

func TestAddThenListActions(t *testing.T) {
	a := newTestAPI(t, 20)
	rec := a.do(t, http.MethodPost, "/api/v1/list-actions/5/add", "42", `{"request":{"applicants":[1,3]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	list, _ := a.repo.GetList(context.Background(), 5)
	if !list.Contains(3) {
		t.Fatalf("expected applicant 3 on the list, got %v", list.Applicants)
	}

	listed := a.do(t, http.MethodGet, "/api/v1/list-actions/5?action=ADD", "42", "")
	var env struct {
		Data []models.Action `json:"data"`
	}
	if err := json.Unmarshal(listed.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 1 || env.Data[0].Status != models.ActionCompleted {
		t.Fatalf("unexpected actions %+v", env.Data)
	}
}

func TestErrorMapping(t *testing.T) {
	a := newTestAPI(t, 20)
	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
		code   string
	}{
		{"no principal", http.MethodPost, "/api/v1/list-actions/5/add", "", `{"request":{"applicants":[1]}}`, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"not owner", http.MethodPost, "/api/v1/list-actions/5/add", "7", `{"request":{"applicants":[1]}}`, http.StatusForbidden, ErrCodeForbidden},
		{"missing list", http.MethodPost, "/api/v1/list-actions/99/disable", "42", `{"request":{"applicants":[1]}}`, http.StatusNotFound, ErrCodeNotFound},
		{"missing action", http.MethodGet, "/api/v1/list-actions/5/77/cancel", "42", "", http.StatusNotFound, ErrCodeNotFound},
		{"bad json", http.MethodPost, "/api/v1/list-actions/5/send", "42", `{`, http.StatusBadRequest, ErrCodeBadRequest},
		{"empty applicants", http.MethodPost, "/api/v1/list-actions/5/nudge", "42", `{"request":{"applicants":[]}}`, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad list id", http.MethodGet, "/api/v1/list-actions/abc", "42", "", http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tc := range cases {
		rec := a.do(t, tc.method, tc.path, tc.user, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if got := errorCode(t, rec); got != tc.code {
			t.Fatalf("%s: expected code %s, got %s", tc.name, tc.code, got)
		}
	}
}

func TestBusyListMapsToConflict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	failErr(rec, req, errors.Join(listactions.ErrListBusy))
	if rec.Code != http.StatusConflict || errorCode(t, rec) != ErrCodeConflict {
		t.Fatalf("expected 409 conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitPerRecruiter(t *testing.T) {
	a := newTestAPI(t, 2)
	for i := 0; i < 2; i++ {
		if rec := a.do(t, http.MethodGet, "/api/v1/list-actions/5", "42", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec := a.do(t, http.MethodGet, "/api/v1/list-actions/5", "42", "")
	if rec.Code != http.StatusTooManyRequests || errorCode(t, rec) != ErrCodeRateLimited {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodGet, "/api/v1/list-actions/5", "7", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("other recruiter should have its own bucket, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, 1)
	rec := a.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}
