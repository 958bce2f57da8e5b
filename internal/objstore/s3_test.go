package objstore

import (
	"strings"
	"testing"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantBkt   string
		wantKey   string
		errSubstr string
	}{
		{name: "bucket only", raw: "s3://my-bucket", wantBkt: "my-bucket"},
		{name: "bucket with key", raw: "s3://my-bucket/udf/transform.js", wantBkt: "my-bucket", wantKey: "udf/transform.js"},
		{name: "trailing slash", raw: "s3://my-bucket/sluice/backups/", wantBkt: "my-bucket", wantKey: "sluice/backups"},
		{name: "invalid scheme", raw: "https://my-bucket/x", wantErr: true, errSubstr: "s3:// scheme"},
		{name: "missing bucket", raw: "s3:///x", wantErr: true, errSubstr: "missing bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotBkt, gotKey, err := ParseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errSubstr) {
					t.Fatalf("err = %q, want substring %q", err.Error(), tt.errSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURL error: %v", err)
			}
			if gotBkt != tt.wantBkt || gotKey != tt.wantKey {
				t.Fatalf("ParseURL = (%q, %q), want (%q, %q)", gotBkt, gotKey, tt.wantBkt, tt.wantKey)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint   string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{endpoint: "", wantHost: defaultEndpoint, wantSecure: true},
		{endpoint: "minio:9000", useSSL: false, wantHost: "minio:9000"},
		{endpoint: "minio:9000", useSSL: true, wantHost: "minio:9000", wantSecure: true},
		{endpoint: "http://127.0.0.1:9000", useSSL: true, wantHost: "127.0.0.1:9000"},
		{endpoint: "https://s3.example.com", wantHost: "s3.example.com", wantSecure: true},
		{endpoint: "ftp://s3.example.com", wantErr: true},
	}

	for _, tt := range tests {
		host, secure, err := normalizeEndpoint(tt.endpoint, tt.useSSL)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("normalizeEndpoint(%q) expected error", tt.endpoint)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeEndpoint(%q) error: %v", tt.endpoint, err)
		}
		if host != tt.wantHost || secure != tt.wantSecure {
			t.Fatalf("normalizeEndpoint(%q) = (%q, %v), want (%q, %v)", tt.endpoint, host, secure, tt.wantHost, tt.wantSecure)
		}
	}
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Endpoint: "http://127.0.0.1:9000", AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if c == nil {
		t.Fatal("NewClient returned nil client")
	}
}

func TestJoinKey(t *testing.T) {
	t.Parallel()

	if got := JoinKey("", "a.duckdb"); got != "a.duckdb" {
		t.Fatalf("JoinKey empty prefix = %q", got)
	}
	if got := JoinKey("sluice/backups", "a.duckdb"); got != "sluice/backups/a.duckdb" {
		t.Fatalf("JoinKey = %q", got)
	}
}
