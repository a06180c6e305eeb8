package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pumpengine/src/model"
	"pumpengine/src/repository"
)

type mockOrderSearcher struct {
	orders      []model.Order
	err         error
	lastOptions repository.OrderSearchOptions
	calledCount int
}

func (m *mockOrderSearcher) Search(_ context.Context, options repository.OrderSearchOptions) ([]model.Order, error) {
	m.calledCount++
	m.lastOptions = options
	return m.orders, m.err
}

func TestSearchOrdersHandler_MissingSession(t *testing.T) {
	handler := SearchOrdersHandler(&mockOrderSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSearchOrdersHandler_InvalidWindow(t *testing.T) {
	handler := SearchOrdersHandler(&mockOrderSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/orders?sessionId=s1&createdFrom=yesterday", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSearchOrdersHandler_RepoError(t *testing.T) {
	mockRepo := &mockOrderSearcher{err: assert.AnError}
	handler := SearchOrdersHandler(mockRepo)

	req := httptest.NewRequest(http.MethodGet, "/orders?sessionId=s1", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if mockRepo.calledCount != 1 {
		t.Fatalf("expected repository to be called once, got %d", mockRepo.calledCount)
	}
}

func TestSearchOrdersHandler_Success(t *testing.T) {
	orders := []model.Order{{ID: 1, Symbol: "BTC_USDT", Status: model.OrderStatusFilled}}
	mockRepo := &mockOrderSearcher{orders: orders}
	handler := SearchOrdersHandler(mockRepo)

	target := "/orders?sessionId=s1&symbol=BTC_USDT&status=FILLED" +
		"&createdFrom=2026-01-01T00:00:00Z&createdTo=2026-02-01T00:00:00Z&page=2&pageSize=5"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	opts := mockRepo.lastOptions
	assert.Equal(t, "s1", opts.SessionID)
	assert.Equal(t, "BTC_USDT", *opts.Symbol)
	assert.Equal(t, model.OrderStatusFilled, *opts.Status)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *opts.CreatedAfter)
	assert.Equal(t, 5, opts.Limit)
	assert.Equal(t, 5, opts.Offset)
	assert.Contains(t, rr.Body.String(), "BTC_USDT")
}

type mockDriftLister struct {
	drifts []model.DriftEvent
	err    error
	lastID string
}

func (m *mockDriftLister) FindLatestBySession(_ context.Context, sessionID string, _ int) ([]model.DriftEvent, error) {
	m.lastID = sessionID
	return m.drifts, m.err
}

func TestListDriftsHandler(t *testing.T) {
	mockRepo := &mockDriftLister{
		drifts: []model.DriftEvent{{ID: 1, SessionID: "s1", Symbol: "BTC_USDT", Kind: model.DriftKindExternalOpen}},
	}
	handler := ListDriftsHandler(mockRepo)

	req := httptest.NewRequest(http.MethodGet, "/drifts?sessionId=s1", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	assert.Equal(t, "s1", mockRepo.lastID)
	assert.Contains(t, rr.Body.String(), model.DriftKindExternalOpen)
}
