package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteAuthenticateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/authenticate" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req remoteAuthRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Username != "dev1" || req.Password != base64.StdEncoding.EncodeToString([]byte("secret")) {
			t.Fatalf("unexpected request body: %+v", req)
		}
		json.NewEncoder(w).Encode(remoteAuthResponse{Version: remoteAPIVersion, Result: 200, Identity: "dev1"})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL)
	id, ok, err := r.Authenticate(context.Background(), Credentials{Username: "dev1", Password: "secret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !ok || id != "dev1" {
		t.Fatalf("Authenticate() = %q, %v", id, ok)
	}
}

func TestRemoteAuthenticateDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remoteAuthResponse{Version: remoteAPIVersion, Result: 403})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL)
	_, ok, err := r.Authenticate(context.Background(), Credentials{Username: "dev1", Password: "wrong"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ok {
		t.Fatal("a 403 result must not authenticate")
	}
}

func TestRemoteAuthorize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/authorize" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req remoteAuthzRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(remoteAuthzResponse{Allow: req.Topic == "dev1/telemetry"})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL)
	if !r.Authorize(context.Background(), "dev1", OpPublish, "dev1/telemetry") {
		t.Fatal("expected authorization for dev1/telemetry")
	}
	if r.Authorize(context.Background(), "dev1", OpPublish, "dev2/telemetry") {
		t.Fatal("expected no authorization for dev2/telemetry")
	}
}
