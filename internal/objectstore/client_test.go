package objectstore

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"

	"reviewstream/internal/domain"
)

func TestNew_RequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(Config{Bucket: "assets"}); err == nil {
		t.Fatal("missing endpoint accepted")
	}
	if _, err := New(Config{Endpoint: "minio:9000"}); err == nil {
		t.Fatal("missing bucket accepted")
	}
	if _, err := New(Config{Endpoint: "  ", Bucket: "assets"}); err == nil {
		t.Fatal("blank endpoint accepted")
	}
}

func TestNew_ValidConfig(t *testing.T) {
	c, err := New(Config{
		Endpoint:  "minio:9000",
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "assets",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c == nil {
		t.Fatal("nil client")
	}
}

func TestMapStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "NoSuchKey",
			err:  minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist.", StatusCode: 404},
			want: domain.ErrNotFound,
		},
		{
			name: "NoSuchBucket",
			err:  minio.ErrorResponse{Code: "NoSuchBucket", Message: "The specified bucket does not exist.", StatusCode: 404},
			want: domain.ErrNotFound,
		},
		{
			name: "AccessDenied",
			err:  minio.ErrorResponse{Code: "AccessDenied", Message: "Access Denied.", StatusCode: 403},
			want: domain.ErrCredential,
		},
		{
			name: "InvalidAccessKeyId",
			err:  minio.ErrorResponse{Code: "InvalidAccessKeyId", Message: "The access key ID you provided does not exist.", StatusCode: 403},
			want: domain.ErrCredential,
		},
		{
			name: "SignatureDoesNotMatch",
			err:  minio.ErrorResponse{Code: "SignatureDoesNotMatch", Message: "Signature mismatch.", StatusCode: 403},
			want: domain.ErrCredential,
		},
		{
			name: "UnknownCode403",
			err:  minio.ErrorResponse{Code: "SomeNewCode", StatusCode: 403},
			want: domain.ErrCredential,
		},
		{
			name: "UnknownCode401",
			err:  minio.ErrorResponse{Code: "SomeNewCode", StatusCode: 401},
			want: domain.ErrCredential,
		},
		{
			name: "UnknownCode404",
			err:  minio.ErrorResponse{Code: "SomeNewCode", StatusCode: 404},
			want: domain.ErrNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := mapStoreError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapped to %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMapStoreError_Passthrough(t *testing.T) {
	// Non-minio errors and unrecognized codes come back unchanged.
	plain := errors.New("connection refused")
	if got := mapStoreError(plain); got != plain {
		t.Fatalf("plain error mapped to %v", got)
	}

	throttle := minio.ErrorResponse{Code: "SlowDown", StatusCode: 503}
	got := mapStoreError(throttle)
	if errors.Is(got, domain.ErrNotFound) || errors.Is(got, domain.ErrCredential) {
		t.Fatalf("throttle error misclassified: %v", got)
	}
}
