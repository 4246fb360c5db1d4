package line

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush_Success(t *testing.T) {
	var got pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/bot/message/push", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"sentMessages":[{"id":"461230966842064897","quoteToken":"q"}]}`))
	}))
	defer server.Close()

	c := NewClient("tok", server.URL)
	id, err := c.Push(context.Background(), "U123", "hello")
	require.NoError(t, err)
	assert.Equal(t, "461230966842064897", id)
	assert.Equal(t, "U123", got.To)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "text", got.Messages[0].Type)
	assert.Equal(t, "hello", got.Messages[0].Text)
}

func TestPush_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"The request body has 1 error(s)"}`))
	}))
	defer server.Close()

	_, err := NewClient("tok", server.URL).Push(context.Background(), "U1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "1 error(s)")
}

func TestPush_NoRecipient(t *testing.T) {
	_, err := NewClient("tok", "").Push(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestPush_TruncatesLongText(t *testing.T) {
	var got pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"sentMessages":[]}`))
	}))
	defer server.Close()

	_, err := NewClient("tok", server.URL).Push(context.Background(), "U1", strings.Repeat("a", maxTextLen+10))
	require.NoError(t, err)
	assert.Len(t, got.Messages[0].Text, maxTextLen)
}

func TestParseWebhook(t *testing.T) {
	body := `{"events":[
		{"type":"postback","source":{"userId":"U1"},"postback":{"data":"accept_work:WO-1"}},
		{"type":"message","source":{"userId":"U2"}},
		{"type":"postback","source":{"userId":"U3"},"postback":{"data":"complete_work:WO-2"}},
		{"type":"postback","source":{"userId":"U4"},"postback":{"data":"dance:WO-3"}},
		{"type":"postback","source":{"userId":"U5"},"postback":{"data":"accept_work:"}}
	]}`
	got, err := ParseWebhook([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, []Postback{
		{Action: ActionAcceptWork, WONumber: "WO-1", UserID: "U1"},
		{Action: ActionCompleteWork, WONumber: "WO-2", UserID: "U3"},
	}, got)

	_, err = ParseWebhook([]byte("not json"))
	assert.Error(t, err)
}

func TestPostback_WorkOrderAction(t *testing.T) {
	assert.Equal(t, "accept", Postback{Action: ActionAcceptWork}.WorkOrderAction())
	assert.Equal(t, "complete", Postback{Action: ActionCompleteWork}.WorkOrderAction())
	assert.Empty(t, Postback{Action: "dance"}.WorkOrderAction())
}
