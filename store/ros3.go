package store

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ROS3Credentials holds the AWS access key used to SigV4-sign requests.
// If absent, ROS3 issues unsigned requests (public buckets only).
type ROS3Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// ROS3Config configures a read-only S3 range-GET store (spec.md §4.4).
type ROS3Config struct {
	Endpoint    string // e.g. "https://bucket.s3.amazonaws.com"
	Region      string // e.g. "us-east-1"
	Key         string // object key / path
	Credentials *ROS3Credentials
	// ProfileFile, if set and Credentials is nil, is read for a
	// "[default]\naws_access_key_id=...\naws_secret_access_key=..." style
	// profile, per spec.md §4.4 "Load credentials from a profile file".
	ProfileFile string
	HTTPClient  *http.Client
}

// ROS3 implements Store as a read-only network byte store issuing HTTP
// range-GET requests, per spec.md §4.4. Write, Truncate, and locking are
// not supported: this store exists purely to let a SWMR reader, or any
// read-only client, fetch metadata over HTTP instead of from a local file.
type ROS3 struct {
	cfg        ROS3Config
	httpClient *http.Client
	fileSize   uint64
}

// OpenROS3 establishes the connection (a HEAD request to learn file size)
// per spec.md §4.4 "Establish connection on open and learn filesize via
// HEAD", loading credentials from a profile file if not supplied.
func OpenROS3(ctx context.Context, cfg ROS3Config) (*ROS3, error) {
	if cfg.Credentials == nil && cfg.ProfileFile != "" {
		creds, err := loadROS3Profile(cfg.ProfileFile)
		if err != nil {
			return nil, errors.Wrap(err, "store: ros3 load profile")
		}
		cfg.Credentials = creds
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	s := &ROS3{cfg: cfg, httpClient: client}

	req, err := s.newRequest(ctx, http.MethodHead, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ReadFailedError{Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &ReadFailedError{Detail: fmt.Sprintf("HEAD status %d", resp.StatusCode)}
	}
	size, err := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return nil, &ReadFailedError{Detail: "HEAD missing Content-Length"}
	}
	s.fileSize = size
	return s, nil
}

func (s *ROS3) Read(ctx context.Context, off uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	last := off + uint64(len(buf)) - 1
	req, err := s.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, last))
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ReadFailedError{Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return &ReadFailedError{Detail: fmt.Sprintf("GET status %d", resp.StatusCode)}
	}
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return &ReadFailedError{Detail: err.Error()}
	}
	return nil
}

func (s *ROS3) Write(ctx context.Context, off uint64, buf []byte) error {
	return errors.New("store: ROS3 is read-only")
}

func (s *ROS3) EOA() uint64 { return s.fileSize }

func (s *ROS3) SetEOA(off uint64) { s.fileSize = off }

func (s *ROS3) Truncate(ctx context.Context, off uint64) error {
	return errors.New("store: ROS3 does not support truncate")
}

func (s *ROS3) Lock(exclusive bool) error {
	if exclusive {
		return errors.New("store: ROS3 is read-only, cannot take an exclusive lock")
	}
	return nil
}

func (s *ROS3) Unlock() error { return nil }

func (s *ROS3) Close() error { return nil }

// ReadFailedError is the store-boundary failure kind spec.md §4.4 mandates:
// "any HTTP error or I/O error translates to ReadFailed(detail) ... the
// cache treats it uniformly with local I/O errors."
type ReadFailedError struct{ Detail string }

func (e *ReadFailedError) Error() string { return "store: read failed: " + e.Detail }

func (s *ROS3) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	url := strings.TrimRight(s.cfg.Endpoint, "/") + "/" + strings.TrimLeft(s.cfg.Key, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "store: ros3 new request")
	}
	if s.cfg.Credentials != nil {
		signSigV4(req, body, s.cfg.Region, *s.cfg.Credentials, time.Now().UTC())
	}
	return req, nil
}

// signSigV4 signs req in place using AWS Signature Version 4, per spec.md
// §4.4: canonical request (verb, path, query, sorted headers, signed-
// headers list, empty-body SHA-256), string-to-sign, and a signature
// derived from a chain of HMAC-SHA256 derivations ("signing key").
func signSigV4(req *http.Request, body []byte, region string, creds ROS3Credentials, now time.Time) {
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	payloadHash := sha256Hex(body)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	if req.Host == "" {
		req.Host = req.URL.Host
	}

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalQuery := canonicalQueryString(req.URL.RawQuery)

	headerNames, canonicalHeaders := canonicalHeaders(req)
	signedHeaders := strings.Join(headerNames, ";")

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, region, "s3")
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	auth := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, scope, signedHeaders, signature,
	)
	req.Header.Set("Authorization", auth)
}

func canonicalQueryString(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func canonicalHeaders(req *http.Request) (names []string, canonical string) {
	headers := map[string]string{
		"host":                 req.Host,
		"x-amz-date":           req.Header.Get("X-Amz-Date"),
		"x-amz-content-sha256": req.Header.Get("X-Amz-Content-Sha256"),
	}
	if tok := req.Header.Get("X-Amz-Security-Token"); tok != "" {
		headers["x-amz-security-token"] = tok
	}
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(headers[n]))
		b.WriteByte('\n')
	}
	return names, b.String()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

// loadROS3Profile reads a minimal "key=value" profile file for
// aws_access_key_id / aws_secret_access_key / aws_session_token, per
// spec.md §4.4 "Load credentials from a profile file if not supplied
// programmatically."
func loadROS3Profile(path string) (*ROS3Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	creds := &ROS3Credentials{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch key {
		case "aws_access_key_id":
			creds.AccessKeyID = val
		case "aws_secret_access_key":
			creds.SecretAccessKey = val
		case "aws_session_token":
			creds.SessionToken = val
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if creds.AccessKeyID == "" {
		return nil, errors.New("store: profile file has no aws_access_key_id")
	}
	return creds, nil
}
