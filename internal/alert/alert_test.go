package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	topic string
	msgs  []queue.Message
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, name string, msg queue.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topic = name
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestBusSinkPublishesToAlertTopic(t *testing.T) {
	pub := &fakePublisher{}
	NewBusSink(pub).Send(context.Background(), Alert{
		ProjectID: 3, Type: MergeBlocked, Level: High, Title: "blocked",
		Details: map[string]any{"violations": []string{"Insufficient reviewers"}},
	})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, queue.AlertNotification, pub.topic)
	var got Alert
	require.NoError(t, json.Unmarshal(pub.msgs[0].EventData, &got))
	assert.Equal(t, MergeBlocked, got.Type)
	assert.Equal(t, High, got.Level)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBusSinkSwallowsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("bus down")}
	assert.NotPanics(t, func() {
		NewBusSink(pub).Send(context.Background(), Alert{Type: EmergencyBypass, Level: Critical})
	})
}

func TestDelivererPostsToWebhook(t *testing.T) {
	var hits atomic.Int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDeliverer(config.AlertConfig{WebhookURL: srv.URL, Timeout: time.Second, MaxRetries: 2}, logging.Discard())
	payload, _ := json.Marshal(Alert{Type: PolicyViolation, Level: High, Title: "merged without approval"})
	require.NoError(t, d.Handle(context.Background(), queue.Message{EventData: payload}))

	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, body.Load(), "merged without approval")
}

func TestDelivererNeverFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDeliverer(config.AlertConfig{WebhookURL: srv.URL, Timeout: time.Second, MaxRetries: 2}, logging.Discard())
	assert.NoError(t, d.Handle(context.Background(), queue.Message{EventData: []byte(`{"type":"MERGE_BLOCKED"}`)}))
	assert.NoError(t, d.Handle(context.Background(), queue.Message{EventData: []byte(`not json`)}))
}
