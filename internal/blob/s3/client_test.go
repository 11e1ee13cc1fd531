package s3blob

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"e2.example.com", true, "https://e2.example.com"},
		{"localhost:9000", true, "https://localhost:9000"},
		{"http://127.0.0.1:9000", true, "http://127.0.0.1:9000"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.ssl, got, tt.want)
		}
	}
}

type statusErr int

func (s statusErr) Error() string       { return "http error" }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&types.NoSuchKey{}) || !isNotFound(&types.NotFound{}) {
		t.Fatal("typed not-found errors should match")
	}
	if !isNotFound(statusErr(404)) {
		t.Fatal("bare 404 should match")
	}
	if isNotFound(statusErr(403)) || isNotFound(errors.New("boom")) {
		t.Fatal("other errors must not match")
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(context.Background(), ClientConfig{Region: "us-east-1"}); err == nil {
		t.Fatal("missing bucket should fail")
	}
	if _, err := New(context.Background(), ClientConfig{Bucket: "b"}); err == nil {
		t.Fatal("missing region should fail")
	}
}
