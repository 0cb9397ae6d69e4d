package awssigv4

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testSigner() *Signer {
	s := New("us-east-1", "bedrock")
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.clock = func() time.Time { return fixed }
	return s
}

func TestSign_SetsAuthorizationHeader(t *testing.T) {
	s := testSigner()
	req := httptest.NewRequest(http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/foo/converse", nil)
	req.Header.Set("Content-Type", "application/json")

	body := []byte(`{"messages":[]}`)
	if err := s.Sign(req, body, Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, algorithm+" Credential=AKIDEXAMPLE/20240102/us-east-1/bedrock/aws4_request") {
		t.Fatalf("unexpected Authorization header: %s", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=content-type;host;x-amz-date") {
		t.Fatalf("missing expected signed headers: %s", auth)
	}
	if req.Header.Get("X-Amz-Date") != "20240102T030405Z" {
		t.Fatalf("unexpected X-Amz-Date: %s", req.Header.Get("X-Amz-Date"))
	}
}

func TestSign_SessionTokenIncludedInSignedHeaders(t *testing.T) {
	s := testSigner()
	req := httptest.NewRequest(http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/foo/converse", nil)
	req.Header.Set("Content-Type", "application/json")

	err := s.Sign(req, nil, Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "sessiontok",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if req.Header.Get("X-Amz-Security-Token") != "sessiontok" {
		t.Fatalf("expected session token header to be set")
	}
	auth := req.Header.Get("Authorization")
	if !strings.Contains(auth, "x-amz-security-token") {
		t.Fatalf("expected x-amz-security-token in signed headers: %s", auth)
	}
}

// TestSign_DifferentPerAttempt verifies the invariant that each call to Sign
// produces an independent, time-bound signature — the retry engine must
// call Sign on every attempt rather than caching one signature.
func TestSign_DifferentPerAttempt(t *testing.T) {
	s := New("us-east-1", "bedrock")

	tick := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var mu sync.Mutex
	s.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}

	creds := Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}
	body := []byte(`{}`)

	req1 := httptest.NewRequest(http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/foo/converse", nil)
	req1.Header.Set("Content-Type", "application/json")
	if err := s.Sign(req1, body, creds); err != nil {
		t.Fatalf("Sign 1: %v", err)
	}

	req2 := httptest.NewRequest(http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/foo/converse", nil)
	req2.Header.Set("Content-Type", "application/json")
	if err := s.Sign(req2, body, creds); err != nil {
		t.Fatalf("Sign 2: %v", err)
	}

	if req1.Header.Get("Authorization") == req2.Header.Get("Authorization") {
		t.Fatalf("expected distinct signatures across attempts at different timestamps")
	}
}
