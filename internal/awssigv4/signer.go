// Package awssigv4 implements AWS Signature Version 4 request signing.
//
// It is a minimal, dependency-free signer covering what Bedrock's Converse
// and control-plane APIs need: header-based signing of an (method, url,
// header, body) tuple for a given region/service pair. It holds no state —
// callers sign once per HTTP attempt, never once per logical request, since
// a signature is time-bound (the X-Amz-Date it is computed against rotates).
package awssigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const algorithm = "AWS4-HMAC-SHA256"

// Credentials identifies the AWS principal signing the request.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // optional, set for temporary/STS credentials
}

// Signer signs HTTP requests for a fixed region and service.
type Signer struct {
	Region  string
	Service string

	// clock is overridable in tests; defaults to time.Now.
	clock func() time.Time
}

// New returns a Signer for the given AWS region and service name (e.g.
// "bedrock" or "bedrock-runtime").
func New(region, service string) *Signer {
	return &Signer{Region: region, Service: service, clock: time.Now}
}

// Sign computes and attaches SigV4 headers (Authorization, X-Amz-Date, and
// X-Amz-Security-Token when a session token is present) to req in place.
// body is the exact byte sequence that will be sent; it must already be set
// as req's body — Sign only reads it to compute the payload hash.
func (s *Signer) Sign(req *http.Request, body []byte, creds Credentials) error {
	now := s.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req.Header, host, amzDate, creds.SessionToken)
	payloadHash := hashHex(body)

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQueryString(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := strings.Join([]string{dateStamp, s.Region, s.Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", algorithm+" "+strings.Join([]string{
		"Credential=" + creds.AccessKeyID + "/" + credentialScope,
		"SignedHeaders=" + signedHeaders,
		"Signature=" + signature,
	}, ", "))

	return nil
}

func (s *Signer) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// canonicalizeHeaders builds the canonical header block and signed-header
// list. Only content-type, host, x-amz-date and (optionally)
// x-amz-security-token participate — this matches what Bedrock's API
// requires and avoids the complexity of signing arbitrary header sets.
func canonicalizeHeaders(h http.Header, host, amzDate, sessionToken string) (canonical, signed string) {
	type kv struct{ k, v string }
	entries := []kv{
		{"content-type", h.Get("Content-Type")},
		{"host", host},
		{"x-amz-date", amzDate},
	}
	if sessionToken != "" {
		entries = append(entries, kv{"x-amz-security-token", sessionToken})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].k < entries[j].k })

	var cb strings.Builder
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		cb.WriteString(e.k)
		cb.WriteByte(':')
		cb.WriteString(strings.TrimSpace(e.v))
		cb.WriteByte('\n')
		names = append(names, e.k)
	}
	return cb.String(), strings.Join(names, ";")
}

func canonicalQueryString(u *url.URL) string {
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := q[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func deriveSigningKey(secretKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
