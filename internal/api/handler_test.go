package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"petwash-station-backend/config"
	"petwash-station-backend/internal/auth"
	"petwash-station-backend/internal/broker"
	dbpkg "petwash-station-backend/internal/db"
	"petwash-station-backend/internal/dispatch"
	"petwash-station-backend/internal/model"
	"petwash-station-backend/internal/provision"
	"petwash-station-backend/internal/store"
	"petwash-station-backend/internal/watchdog"
)

const (
	jwtSecret      = "api-test-secret"
	schedulerToken = "cron-secret"
)

type fakePublisher struct {
	err  error
	sent []broker.Message
}

func (p *fakePublisher) Publish(ctx context.Context, msg broker.Message) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

type fakeChecker struct {
	report *watchdog.Report
	err    error
	runs   int
}

func (f *fakeChecker) CheckOnce(ctx context.Context) (*watchdog.Report, error) {
	f.runs++
	return f.report, f.err
}

type fakeFiscal struct {
	out *provision.Outcome
	err error
	got provision.Request
}

func (f *fakeFiscal) Setup(ctx context.Context, req provision.Request) (*provision.Outcome, error) {
	f.got = req
	return f.out, f.err
}

var envSeq atomic.Int64

type testEnv struct {
	db        *gorm.DB
	router    *gin.Engine
	publisher *fakePublisher
	checker   *fakeChecker
	fiscal    *fakeFiscal
}

func newTestEnv(t *testing.T, push *webpush.Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := fmt.Sprintf("%s_%d", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()), envSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(dbpkg.Models...))
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	owner := "partner-1"
	require.NoError(t, db.Create(&[]model.Profile{
		{ID: "admin-1", Role: model.RoleAdmin},
		{ID: "manager-1", Role: model.RoleManager},
		{ID: "partner-1", Role: model.RolePartner},
		{ID: "partner-2", Role: model.RolePartner},
	}).Error)
	require.NoError(t, db.Create(&[]model.Station{
		{ID: "SN-1", Status: model.StationAvailable, OwnerID: &owner},
		{ID: "SN-2", Status: model.StationBusy},
	}).Error)

	log := logrus.New()
	log.SetOutput(io.Discard)

	s := store.NewGormStore(db)
	env := &testEnv{
		db:        db,
		publisher: &fakePublisher{},
		checker:   &fakeChecker{report: &watchdog.Report{Results: []watchdog.Result{}}},
		fiscal:    &fakeFiscal{},
	}
	h := NewHandler(s, dispatch.NewDispatcher(env.publisher, s, "petwash", log), env.checker, env.fiscal, push, log)
	a := auth.NewAuthenticator(jwtSecret, s, time.Minute, schedulerToken, log)
	env.router = NewRouter(h, a, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 1})
	return env
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestPostCommand(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/stations/commands", "partner-1", `{"station_id":"SN-1","command":"PULSE","duration_minutes":1}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"topic":"petwash/SN-1/relay1/pulse","payload":"60000"}`, w.Body.String())

	var audit model.GateCommand
	require.NoError(t, env.db.First(&audit, "station_id = ?", "SN-1").Error)
	assert.Equal(t, "partner-1", audit.UserID)
	assert.Equal(t, "PULSE", audit.Command)

	w = env.do(t, http.MethodPost, "/api/stations/commands", "manager-1", `{"station_id":"SN-2","command":"OFF"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"topic":"petwash/SN-2/relay1/command","payload":"0"}`, w.Body.String())
}

func TestPostCommand_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		user   string
		body   string
		pubErr error
		status int
	}{
		{"no token", "", `{"station_id":"SN-1","command":"ON"}`, nil, http.StatusUnauthorized},
		{"malformed json", "admin-1", `{"station_id":`, nil, http.StatusBadRequest},
		{"bad station id", "admin-1", `{"station_id":"SN 1","command":"ON"}`, nil, http.StatusBadRequest},
		{"unknown command", "admin-1", `{"station_id":"SN-1","command":"RESET"}`, nil, http.StatusBadRequest},
		{"pulse without duration", "admin-1", `{"station_id":"SN-1","command":"PULSE"}`, nil, http.StatusBadRequest},
		{"partner forcing on", "partner-1", `{"station_id":"SN-1","command":"ON"}`, nil, http.StatusForbidden},
		{"broker timeout", "admin-1", `{"station_id":"SN-1","command":"ON"}`, broker.ErrTimeout, http.StatusGatewayTimeout},
		{"broker down", "admin-1", `{"station_id":"SN-1","command":"ON"}`, errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.publisher.err = tt.pubErr
			w := env.do(t, http.MethodPost, "/api/stations/commands", tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
			assert.NotContains(t, w.Body.String(), "connection refused")
		})
	}
	assert.Empty(t, env.publisher.sent)
}

func TestPostHeartbeatCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	env.checker.report = &watchdog.Report{
		Checked: 1,
		Results: []watchdog.Result{{StationID: "SN-2", Action: watchdog.ActionTicketCreated}},
	}

	req, _ := http.NewRequest(http.MethodPost, "/api/heartbeat/check", nil)
	req.Header.Set(auth.HeaderSchedulerToken, schedulerToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"checked":1,"results":[{"station_id":"SN-2","action":"ticket_created"}]}`, w.Body.String())

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/heartbeat/check", "admin-1", "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/heartbeat/check", "partner-1", "").Code)
	assert.Equal(t, 2, env.checker.runs)

	env.checker.err = errors.New("pq: relation does not exist")
	w = env.do(t, http.MethodPost, "/api/heartbeat/check", "admin-1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestPostFiscalSetup(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/api/partners/fiscal/setup"

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, path, "manager-1", `{"partner_id":"partner-1"}`).Code)

	env.fiscal.out = &provision.Outcome{Success: true, SystemID: "s1", EntityID: "e1", Message: "Fiscal system configured"}
	w := env.do(t, http.MethodPost, path, "admin-1", `{"partner_id":"partner-1","force":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"system_id":"s1","entity_id":"e1","message":"Fiscal system configured"}`, w.Body.String())
	assert.Equal(t, provision.Request{PartnerID: "partner-1", Force: true}, env.fiscal.got)

	env.fiscal.out = nil
	env.fiscal.err = &provision.Error{
		Status:        http.StatusUnprocessableEntity,
		Message:       "missing required fiscal fields",
		MissingFields: []string{"Partita IVA", "Città"},
	}
	w = env.do(t, http.MethodPost, path, "admin-1", `{"partner_id":"partner-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"error":"missing required fiscal fields","missing_fields":["Partita IVA","Città"]}`, w.Body.String())

	env.fiscal.err = &provision.Error{
		Status:   http.StatusBadGateway,
		Message:  "fiscal api call failed at create_system",
		Step:     provision.StepCreateSystem,
		Details:  &provision.Details{Status: 500, Body: "boom"},
		EntityID: "e1",
	}
	w = env.do(t, http.MethodPost, path, "admin-1", `{"partner_id":"partner-1"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"fiscal api call failed at create_system","step":"create_system","details":{"status":500,"body":"boom"},"entity_id":"e1"}`, w.Body.String())

	env.fiscal.err = errors.New("database is locked")
	w = env.do(t, http.MethodPost, path, "admin-1", `{"partner_id":"partner-1"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, "admin-1", `not json`).Code)
}

func TestGetStation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/stations/SN-1", "partner-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"SN-1"`)
	assert.Contains(t, w.Body.String(), `"status":"AVAILABLE"`)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/stations/SN-1", "partner-2", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/stations/SN-2", "partner-1", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/stations/SN-2", "manager-1", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/stations/SN-404", "admin-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/stations/SN.1", "admin-1", "").Code)
}

func TestSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)
	endpoint := "https://push.example.com/abc"

	w := env.do(t, http.MethodPut, "/api/subscriptions", "partner-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := fmt.Sprintf(`{"endpoint":%q,"p256dh":"key","auth":"secret","subscribed_stations":["SN-1","SN-2"]}`, endpoint)
	w = env.do(t, http.MethodPut, "/api/subscriptions", "partner-1", body)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"subscribed_stations":["SN-1"]}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "partner-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subscribed_stations":["SN-1"]}`, w.Body.String())

	// Managers may follow any station; re-subscribing replaces the set.
	w = env.do(t, http.MethodPut, "/api/subscriptions", "manager-1", body)
	assert.JSONEq(t, `{"subscribed_stations":["SN-1","SN-2"]}`, w.Body.String())

	w = env.do(t, http.MethodDelete, "/api/subscriptions", "manager-1", fmt.Sprintf(`{"endpoint":%q}`, endpoint))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "manager-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var mappings int64
	require.NoError(t, env.db.Table("subscription_station_mapping").Count(&mappings).Error)
	assert.Zero(t, mappings)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	w := newTestEnv(t, nil).do(t, http.MethodGet, "/api/vapid_public_key", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = newTestEnv(t, &webpush.Options{VAPIDPublicKey: "BPub"}).do(t, http.MethodGet, "/api/vapid_public_key", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"BPub"}`, w.Body.String())
}
