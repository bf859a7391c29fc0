package media

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
)

type mockS3Client struct {
	putObjectFn func(ctx context.Context, params *s3aws.PutObjectInput) (*s3aws.PutObjectOutput, error)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3aws.PutObjectInput, _ ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error) {
	if m.putObjectFn != nil {
		return m.putObjectFn(ctx, params)
	}
	return &s3aws.PutObjectOutput{}, nil
}

var _ S3Client = (*mockS3Client)(nil)

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}, WithS3Client(&mockS3Client{})); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestS3Store_Put_SendsObject(t *testing.T) {
	var got *s3aws.PutObjectInput
	var body []byte
	client := &mockS3Client{
		putObjectFn: func(ctx context.Context, params *s3aws.PutObjectInput) (*s3aws.PutObjectOutput, error) {
			got = params
			body, _ = io.ReadAll(params.Body)
			return &s3aws.PutObjectOutput{}, nil
		},
	}
	store, err := NewS3Store(context.Background(), S3Config{Bucket: "media"}, WithS3Client(client))
	if err != nil {
		t.Fatalf("NewS3Store() error = %v", err)
	}

	if err := store.Put(context.Background(), "editor/1-abc.png", []byte("png-bytes"), "image/png"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if aws.ToString(got.Bucket) != "media" {
		t.Errorf("bucket = %q, want media", aws.ToString(got.Bucket))
	}
	if aws.ToString(got.Key) != "editor/1-abc.png" {
		t.Errorf("key = %q", aws.ToString(got.Key))
	}
	if aws.ToString(got.ContentType) != "image/png" {
		t.Errorf("content type = %q", aws.ToString(got.ContentType))
	}
	if aws.ToInt64(got.ContentLength) != int64(len("png-bytes")) {
		t.Errorf("content length = %d", aws.ToInt64(got.ContentLength))
	}
	if string(body) != "png-bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestS3Store_Put_WrapsError(t *testing.T) {
	sentinel := errors.New("access denied")
	client := &mockS3Client{
		putObjectFn: func(ctx context.Context, params *s3aws.PutObjectInput) (*s3aws.PutObjectOutput, error) {
			return nil, sentinel
		},
	}
	store, _ := NewS3Store(context.Background(), S3Config{Bucket: "media"}, WithS3Client(client))

	err := store.Put(context.Background(), "k.png", []byte("x"), "image/png")
	if !errors.Is(err, sentinel) {
		t.Errorf("Put() error = %v, want wrapped sentinel", err)
	}
}

func TestS3Store_URL(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
		want string
	}{
		{
			name: "public base URL",
			cfg:  S3Config{Bucket: "media", PublicBaseURL: "https://cdn.example.com/"},
			want: "https://cdn.example.com/a.png",
		},
		{
			name: "MinIO path style",
			cfg:  S3Config{Bucket: "media", Endpoint: "http://localhost:9000", ForcePathStyle: true},
			want: "http://localhost:9000/media/a.png",
		},
		{
			name: "custom endpoint virtual hosted",
			cfg:  S3Config{Bucket: "media", Endpoint: "https://storage.example.com"},
			want: "https://media.storage.example.com/a.png",
		},
		{
			name: "AWS default region",
			cfg:  S3Config{Bucket: "media"},
			want: "https://media.s3.us-east-1.amazonaws.com/a.png",
		},
		{
			name: "AWS path style",
			cfg:  S3Config{Bucket: "media", Region: "eu-central-1", ForcePathStyle: true},
			want: "https://s3.eu-central-1.amazonaws.com/media/a.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewS3Store(context.Background(), tt.cfg, WithS3Client(&mockS3Client{}))
			if err != nil {
				t.Fatalf("NewS3Store() error = %v", err)
			}
			if got := store.URL("/a.png"); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}
