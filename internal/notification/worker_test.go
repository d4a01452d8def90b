package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"petwash-station-backend/internal/model"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Send calls the mock SendFunc.
func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func newSQLiteDB(t *testing.T) *gorm.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Station{}, &model.PushSubscription{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func response(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(""))}
}

func TestWorkerPool_Dispatch(t *testing.T) {
	db, _ := newMockDB(t)
	wp := NewWorkerPool(1, db, &webpush.Options{}, quietLogger())

	wp.Dispatch(context.Background(), "SN-123")

	select {
	case job := <-wp.Jobs():
		assert.Equal(t, "SN-123", job)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerPool_DispatchDropsWhenQueueFull(t *testing.T) {
	db, _ := newMockDB(t)
	wp := NewWorkerPool(1, db, &webpush.Options{}, quietLogger())
	for i := 0; i < cap(wp.jobs); i++ {
		wp.jobs <- "filler"
	}

	done := make(chan struct{})
	go func() {
		wp.Dispatch(context.Background(), "SN-1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
	assert.Len(t, wp.jobs, cap(wp.jobs))
	for len(wp.jobs) > 0 {
		assert.Equal(t, "filler", <-wp.jobs)
	}
}

func TestWorkerPool_DispatchSkipsAfterContextEnds(t *testing.T) {
	db, _ := newMockDB(t)
	wp := NewWorkerPool(1, db, &webpush.Options{}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wp.Dispatch(ctx, "SN-1")

	assert.Empty(t, wp.jobs)
}

func TestWorkerPool_SendsAlertToSubscribers(t *testing.T) {
	gormDB, mock := newMockDB(t)
	wp := NewWorkerPool(1, gormDB, &webpush.Options{}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			defer wg.Done()
			assert.Equal(t, "https://example.com/push", sub.Endpoint)
			assert.Equal(t, "test_p256dh", sub.Keys.P256dh)

			var alert Alert
			require.NoError(t, json.Unmarshal(payload, &alert))
			assert.Equal(t, "SN-101", alert.StationID)
			assert.Equal(t, "Stazione SN-101 offline", alert.Title)
			return response(http.StatusCreated), nil
		},
	}

	mock.ExpectQuery(`SELECT .* FROM "push_subscriptions".*JOIN subscription_station_mapping ssm.*WHERE ssm\.station_id = \$1`).
		WithArgs("SN-101").
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}).
			AddRow("https://example.com/push", "test_p256dh", "test_auth", time.Now()))

	wp.Start(ctx)
	wp.Dispatch(ctx, "SN-101")
	wg.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPool_DeletesExpiredSubscription(t *testing.T) {
	db := newSQLiteDB(t)
	station := model.Station{ID: "SN-102", Status: model.StationOffline}
	require.NoError(t, db.Create(&station).Error)
	require.NoError(t, db.Create(&[]model.PushSubscription{
		{Endpoint: "https://example.com/expired", P256DH: "k1", Auth: "a1", CreatedAt: time.Now(), Stations: []*model.Station{&station}},
		{Endpoint: "https://example.com/live", P256DH: "k2", Auth: "a2", CreatedAt: time.Now(), Stations: []*model.Station{&station}},
	}).Error)

	wp := NewWorkerPool(1, db, &webpush.Options{}, quietLogger())
	var mu sync.Mutex
	var sent []string
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			mu.Lock()
			sent = append(sent, sub.Endpoint)
			mu.Unlock()
			if strings.HasSuffix(sub.Endpoint, "expired") {
				return response(http.StatusGone), nil
			}
			return response(http.StatusCreated), nil
		},
	}

	wp.sendAlertsForStation(context.Background(), "SN-102")

	assert.ElementsMatch(t, []string{"https://example.com/expired", "https://example.com/live"}, sent)

	var endpoints []string
	require.NoError(t, db.Model(&model.PushSubscription{}).Pluck("endpoint", &endpoints).Error)
	assert.Equal(t, []string{"https://example.com/live"}, endpoints)

	var mappings int64
	require.NoError(t, db.Table("subscription_station_mapping").Count(&mappings).Error)
	assert.Equal(t, int64(1), mappings)
}

func TestWorkerPool_NoSubscribers(t *testing.T) {
	db := newSQLiteDB(t)
	wp := NewWorkerPool(1, db, &webpush.Options{}, quietLogger())
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			t.Fatal("no subscriber should be notified")
			return nil, nil
		},
	}

	wp.sendAlertsForStation(context.Background(), "SN-404")
}
