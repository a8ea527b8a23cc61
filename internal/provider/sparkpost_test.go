package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sparkpostServer(t *testing.T, handler http.HandlerFunc) (*SparkPost, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sp := NewSparkPost(SparkPostConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err := sp.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return sp, srv
}

func TestSparkPost_Send(t *testing.T) {
	var captured map[string]interface{}
	sp, _ := sparkpostServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transmissions" {
			t.Errorf("path = %s, want /transmissions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "test-key" {
			t.Errorf("Authorization = %q, want api key", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"results":{"id":"tx-123"}}`))
	})

	msg := &EmailMessage{
		Recipients: []Recipient{
			{Email: "a@example.com", Name: "Alice", MergeFields: map[string]string{"first_name": "Alice"}},
			{Email: "b@example.com"},
		},
		Subject:     "Weekly digest",
		HTMLContent: "<p>hi</p>",
		TextContent: "hi",
		From:        SenderIdentity{Email: "tech-weekly@mail.newsletterfy.com", Name: "Tech Weekly", ReplyTo: "owner@example.com"},
		Tags:        map[string]string{"newsletter_id": "n-1"},
	}

	res, err := sp.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "tx-123" {
		t.Errorf("MessageID = %s, want tx-123", res.MessageID)
	}
	if res.Provider != "sparkpost" {
		t.Errorf("Provider = %s", res.Provider)
	}

	recipients, _ := captured["recipients"].([]interface{})
	if len(recipients) != 2 {
		t.Fatalf("payload has %d recipients, want 2", len(recipients))
	}
	first := recipients[0].(map[string]interface{})
	if _, ok := first["substitution_data"]; !ok {
		t.Error("merge fields must map to substitution_data")
	}
	content, _ := captured["content"].(map[string]interface{})
	if content["reply_to"] != "owner@example.com" {
		t.Errorf("reply_to = %v", content["reply_to"])
	}
	options, _ := captured["options"].(map[string]interface{})
	if options["open_tracking"] != false || options["click_tracking"] != false {
		t.Error("tracking must be disabled")
	}
	if _, ok := captured["metadata"]; !ok {
		t.Error("tags must map to metadata")
	}
}

func TestSparkPost_SendAPIError(t *testing.T) {
	sp, _ := sparkpostServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"message":"invalid domain"}]}`))
	})

	_, err := sp.Send(context.Background(), testMessage("SparkPost", "x@example.com"))
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if sendErr.Provider != "sparkpost" {
		t.Errorf("Provider = %s", sendErr.Provider)
	}
}

func TestSparkPost_InitializeMissingKey(t *testing.T) {
	sp := NewSparkPost(SparkPostConfig{})
	err := sp.Initialize(context.Background())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if len(cfgErr.Missing) != 1 || cfgErr.Missing[0] != "SPARKPOST_API_KEY" {
		t.Errorf("Missing = %v", cfgErr.Missing)
	}
}

// A success between failures resets the consecutive-error budget: two
// failures, one success, then two more failures must leave the provider
// healthy; the third consecutive failure tips it over.
func TestSparkPost_ErrorBudgetResetsOnSuccess(t *testing.T) {
	var fail bool
	sp, _ := sparkpostServer(t, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"errors":[{"message":"boom"}]}`))
			return
		}
		w.Write([]byte(`{"results":{"id":"ok"}}`))
	})
	ctx := context.Background()
	msg := testMessage("SparkPost", "x@example.com")

	send := func(wantErr bool) {
		t.Helper()
		_, err := sp.Send(ctx, msg)
		if (err != nil) != wantErr {
			t.Fatalf("Send error = %v, wantErr %v", err, wantErr)
		}
	}

	fail = true
	send(true)
	send(true)
	fail = false
	send(false)
	fail = true
	send(true)
	send(true)
	if !sp.HealthStatus(ctx).Healthy {
		t.Fatal("two consecutive failures after a success must not mark unhealthy")
	}
	send(true)
	if sp.HealthStatus(ctx).Healthy {
		t.Fatal("third consecutive failure must mark unhealthy")
	}
}

func TestSparkPost_HealthStatusUninitialized(t *testing.T) {
	sp := NewSparkPost(SparkPostConfig{})
	st := sp.HealthStatus(context.Background())
	if st.Healthy {
		t.Error("unconfigured provider must report unhealthy")
	}
	if st.Message == "" {
		t.Error("expected a status message")
	}
}
