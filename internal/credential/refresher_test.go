package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

type capturingPublisher struct {
	messages []workflow.Message
}

func (p *capturingPublisher) Publish(_ context.Context, msg workflow.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token endpoint hit with %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProviderFetch(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"tok-abc","token_type":"Bearer","expires_in":3600,"scope":"system/Patient.write"}`)

	provider := NewProvider(ProviderConfig{
		TokenURL:     srv.URL,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}, logging.Default())

	cred, err := provider.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cred.AccessToken != "tok-abc" || cred.TokenType != "Bearer" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	expiry := cred.ExpiresAtTime()
	if expiry.Before(time.Now().Add(55 * time.Minute)) {
		t.Fatalf("expiry too soon: %v", expiry)
	}
}

func TestProviderFetchRejection(t *testing.T) {
	srv := tokenServer(t, http.StatusUnauthorized, `{"error":"invalid_client"}`)

	provider := NewProvider(ProviderConfig{TokenURL: srv.URL}, logging.Default())
	if _, err := provider.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for rejected token request")
	}
}

func TestRefresherStoresTokenAndIncrementsCounter(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"tok-new","token_type":"Bearer","expires_in":3600}`)

	mock := &mockDynamo{}
	store := NewStore(mock, "api_credentials", 10*time.Minute, logging.Default())
	seedCredential(t, mock, Credential{
		AccessToken:  "tok-old",
		ExpiresAt:    time.Now().UTC().Add(5 * time.Minute).Format(time.RFC3339Nano),
		RefreshCount: 4,
	})

	provider := NewProvider(ProviderConfig{TokenURL: srv.URL}, logging.Default())
	refresher := NewRefresher(provider, store, nil, nil, logging.Default())

	if err := refresher.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	cred, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.AccessToken != "tok-new" {
		t.Fatalf("access token = %q, want tok-new", cred.AccessToken)
	}
	if cred.RefreshCount != 5 {
		t.Fatalf("refresh count = %d, want 5", cred.RefreshCount)
	}
}

func TestRefresherKeepsOldTokenOnFailure(t *testing.T) {
	srv := tokenServer(t, http.StatusBadGateway, `upstream down`)

	mock := &mockDynamo{}
	store := NewStore(mock, "api_credentials", 10*time.Minute, logging.Default())
	seedCredential(t, mock, Credential{
		AccessToken:  "tok-old",
		ExpiresAt:    time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano),
		RefreshCount: 2,
	})

	publisher := &capturingPublisher{}
	provider := NewProvider(ProviderConfig{TokenURL: srv.URL}, logging.Default())
	refresher := NewRefresher(provider, store, nil, publisher, logging.Default())

	if err := refresher.RunOnce(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}

	cred, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.AccessToken != "tok-old" || cred.RefreshCount != 2 {
		t.Fatalf("failed refresh must not clobber the stored credential: %+v", cred)
	}

	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 failure report, got %d", len(publisher.messages))
	}
	report := publisher.messages[0]
	if report.Channel != workflow.ChannelErrors || report.Failure == nil {
		t.Fatalf("unexpected failure report: %+v", report)
	}
	if report.Failure.Stage != "credential-refresh" {
		t.Fatalf("failure stage = %q", report.Failure.Stage)
	}
}

func TestRefresherFirstRunSetsCounterToOne(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"tok-first","expires_in":3600}`)

	store := NewStore(&mockDynamo{}, "api_credentials", 10*time.Minute, logging.Default())
	provider := NewProvider(ProviderConfig{TokenURL: srv.URL}, logging.Default())
	refresher := NewRefresher(provider, store, nil, nil, logging.Default())

	if err := refresher.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	cred, err := store.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.RefreshCount != 1 {
		t.Fatalf("refresh count = %d, want 1", cred.RefreshCount)
	}
}
