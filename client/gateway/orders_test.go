package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitOrder() OrderRequest {
	price := decimal.NewFromFloat(123.45)
	return OrderRequest{
		Conid:     "265598",
		Side:      "BUY",
		Quantity:  decimal.NewFromInt(100),
		OrderType: "LMT",
		AcctID:    "DU123456",
		Price:     &price,
		COID:      "my-order-1",
	}
}

func TestPlaceOrderAnswersQuestions(t *testing.T) {
	var replies int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/iserver/account/DU123456/orders"):
			body, _ := io.ReadAll(r.Body)
			var payload map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &payload))
			orders := payload["orders"].([]interface{})
			require.Len(t, orders, 1)
			order := orders[0].(map[string]interface{})
			assert.Equal(t, "265598", order["conid"])
			assert.Equal(t, 123.45, order["price"])
			assert.Equal(t, float64(100), order["quantity"])
			assert.Equal(t, "GTC", order["tif"])

			w.Write([]byte(`[{"id":"q1","message":["` + QuestionPricePercentageConstraint + `"]}]`))

		case strings.HasPrefix(r.URL.Path, "/iserver/reply/q1"):
			atomic.AddInt32(&replies, 1)
			w.Write([]byte(`[{"order_id":"987654","order_status":"Submitted"}]`))

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := newTestGatewayClient(t, ts.URL)

	result, err := c.PlaceOrder([]OrderRequest{limitOrder()}, Answers{
		QuestionPricePercentageConstraint: true,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&replies))
	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "987654", data["order_id"])
}

func TestPlaceOrderNegativeAnswerAborts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"q1","message":["` + QuestionStopOrderRisks + `"]}]`))
	}))
	defer ts.Close()

	c := newTestGatewayClient(t, ts.URL)

	_, err := c.PlaceOrder([]OrderRequest{limitOrder()}, Answers{
		QuestionStopOrderRisks: false,
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not given a positive reply")
}

func TestPlaceOrderUnknownQuestion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"q1","message":["something entirely unexpected"]}]`))
	}))
	defer ts.Close()

	c := newTestGatewayClient(t, ts.URL)

	_, err := c.PlaceOrder([]OrderRequest{limitOrder()}, Answers{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no answer found")
}

func TestPlaceOrderTooManyQuestions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every response, including replies, carries another question.
		w.Write([]byte(`[{"id":"q1","message":["` + QuestionMissingMarketData + `"]}]`))
	}))
	defer ts.Close()

	c := newTestGatewayClient(t, ts.URL)

	_, err := c.PlaceOrder([]OrderRequest{limitOrder()}, Answers{
		QuestionMissingMarketData: true,
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many questions")
}

func TestPlaceOrderErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Order couldn't be submitted"}`))
	}))
	defer ts.Close()

	c := newTestGatewayClient(t, ts.URL)

	_, err := c.PlaceOrder([]OrderRequest{limitOrder()}, Answers{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "an error was returned")
}

func TestOrderPayloadElidesUnsetOptionals(t *testing.T) {
	payload := OrderRequest{
		Conid:     "1",
		Side:      "SELL",
		Quantity:  decimal.NewFromInt(5),
		OrderType: "MKT",
		AcctID:    "DU1",
	}.toPayload()

	assert.NotContains(t, payload, "price")
	assert.NotContains(t, payload, "cOID")
	assert.NotContains(t, payload, "outsideRTH")
	assert.Equal(t, "GTC", payload["tif"])
}

func TestWhatIfOrderPath(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"amount":{}}`))
	}))
	defer ts.Close()

	c := newTestGatewayClient(t, ts.URL)

	_, err := c.WhatIfOrder(limitOrder(), "DU123456")
	require.NoError(t, err)
	assert.Equal(t, "/iserver/account/DU123456/orders/whatif", gotPath)
}
