package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir(), "http://localhost:8080/files/")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	loc, err := s.Upload(ctx, "job-1/output/my title.mkv", strings.NewReader("muxed"), "video/x-matroska")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	key, err := s.KeyOf(loc)
	if err != nil {
		t.Fatalf("KeyOf: %v", err)
	}
	if key != "job-1/output/my title.mkv" {
		t.Fatalf("KeyOf = %q", key)
	}

	rc, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "muxed" {
		t.Fatalf("content = %q", data)
	}

	signed, err := s.Presign(ctx, key, time.Hour)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	if signed != "http://localhost:8080/files/job-1/output/my%20title.mkv" {
		t.Fatalf("Presign = %q", signed)
	}
}

func TestLocalStorageMissingAndInvalidKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	if _, err := s.Open(ctx, "nope.mkv"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := s.Presign(ctx, "nope.mkv", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	for _, key := range []string{"", "../escape", "/etc/passwd"} {
		if _, err := s.Upload(ctx, key, strings.NewReader("x"), ""); err == nil {
			t.Fatalf("Upload(%q) should fail", key)
		}
	}
	if _, err := s.KeyOf("s3://bucket/key"); err == nil {
		t.Fatal("KeyOf should reject foreign locations")
	}
}

func TestS3KeyFromURL(t *testing.T) {
	cases := map[string]string{
		"s3://bucket/job/output/a.mp4":                                    "job/output/a.mp4",
		"https://bucket.s3.us-east-1.amazonaws.com/job/output/a.mp4":      "job/output/a.mp4",
		"https://s3.us-east-1.amazonaws.com/bucket/job/output/a.mp4":      "job/output/a.mp4",
		"https://bucket.s3.amazonaws.com/job/a.mp4?X-Amz-Signature=abcd": "job/a.mp4",
	}
	for in, want := range cases {
		got, err := S3KeyFromURL(in)
		if err != nil {
			t.Fatalf("S3KeyFromURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("S3KeyFromURL(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"ftp://bucket/key", "s3://bucket", "::"} {
		if _, err := S3KeyFromURL(bad); err == nil {
			t.Fatalf("S3KeyFromURL(%q) should fail", bad)
		}
	}
	if got := S3URI("bucket", "/a/b.mkv"); got != "s3://bucket/a/b.mkv" {
		t.Fatalf("S3URI = %q", got)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(context.Background(), Options{Type: "gcs"}); err == nil {
		t.Fatal("expected error for unsupported storage type")
	}
	s, err := New(context.Background(), Options{Type: "local", LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New(local): %v", err)
	}
	if s.Type() != "local" {
		t.Fatalf("Type = %q", s.Type())
	}
}
