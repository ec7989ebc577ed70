package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/golang-io/requests"
)

// remoteAPIVersion is the contract version this broker speaks to a
// remote identity service, mirrored from the authentication_edgehub.rs
// "2020-04-20" wire contract it is grounded on.
const remoteAPIVersion = "2020-04-20"

// Remote authenticates and authorizes against an external HTTP service,
// the edge-device analogue of a cloud identity provider (spec.md §4.5
// "Remote authenticator", §6 "auth.mode=remote").
type Remote struct {
	sess *requests.Session
	url  string
}

// NewRemote builds a Remote authenticator/authorizer posting requests to
// url.
func NewRemote(url string) *Remote {
	return &Remote{sess: requests.New(), url: url}
}

type remoteAuthRequest struct {
	Version     string `json:"version"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Certificate string `json:"certificate,omitempty"`
}

type remoteAuthResponse struct {
	Version  string `json:"version"`
	Result   int    `json:"result"` // 200 authenticated, 403 unauthenticated
	Identity string `json:"identity,omitempty"`
}

func (r *Remote) Authenticate(ctx context.Context, creds Credentials) (Identity, bool, error) {
	req := remoteAuthRequest{Version: remoteAPIVersion, Username: creds.Username}
	if creds.CertificatePEM != "" {
		req.Certificate = base64.StdEncoding.EncodeToString([]byte(creds.CertificatePEM))
	} else {
		req.Password = base64.StdEncoding.EncodeToString([]byte(creds.Password))
	}

	resp, err := r.sess.DoRequest(ctx,
		requests.URL(r.url),
		requests.Path("/authenticate"),
		requests.Header("content-type", "application/json"),
		requests.Body(req),
	)
	if err != nil {
		return "", false, fmt.Errorf("auth: remote authenticate request: %w", err)
	}
	if resp.StatusCode != 200 {
		return "", false, fmt.Errorf("auth: remote authenticate status=%d", resp.StatusCode)
	}

	var out remoteAuthResponse
	if err := json.Unmarshal(resp.Content.Bytes(), &out); err != nil {
		return "", false, fmt.Errorf("auth: decode remote authenticate response: %w", err)
	}
	if out.Version != remoteAPIVersion {
		return "", false, fmt.Errorf("auth: remote API version mismatch: got %q want %q", out.Version, remoteAPIVersion)
	}
	if out.Result != 200 {
		return "", false, nil
	}
	if out.Identity == "" {
		return "", false, fmt.Errorf("auth: remote authenticate returned no identity for a 200 result")
	}
	return Identity(out.Identity), true, nil
}

type remoteAuthzRequest struct {
	Identity  string `json:"identity"`
	Operation string `json:"operation"`
	Topic     string `json:"topic"`
}

type remoteAuthzResponse struct {
	Allow bool `json:"allow"`
}

func (r *Remote) Authorize(ctx context.Context, id Identity, op Operation, topic string) bool {
	opName := "publish"
	switch op {
	case OpSubscribe:
		opName = "subscribe"
	case OpConnect:
		opName = "connect"
	case OpReceive:
		opName = "receive"
	}
	resp, err := r.sess.DoRequest(ctx,
		requests.URL(r.url),
		requests.Path("/authorize"),
		requests.Header("content-type", "application/json"),
		requests.Body(remoteAuthzRequest{Identity: string(id), Operation: opName, Topic: topic}),
	)
	if err != nil || resp.StatusCode != 200 {
		return false
	}
	var out remoteAuthzResponse
	if err := json.Unmarshal(resp.Content.Bytes(), &out); err != nil {
		return false
	}
	return out.Allow
}
