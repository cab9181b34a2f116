package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/aws/smithy-go"
)

func TestLocalArchiverKeepsFirstWrite(t *testing.T) {
	t.Parallel()

	a, err := NewLocalArchiver(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalArchiver: %v", err)
	}
	ctx := context.Background()

	loc, err := a.Archive(ctx, "audit/2026/10/15/x.json", []byte(`{"v":1}`), "application/json")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := a.Archive(ctx, "audit/2026/10/15/x.json", []byte(`{"v":2}`), "application/json"); err != nil {
		t.Fatalf("second Archive: %v", err)
	}

	got, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Fatalf("archive overwritten: %s", got)
	}
}

func TestLocalArchiverRejectsTraversal(t *testing.T) {
	t.Parallel()

	a, err := NewLocalArchiver(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalArchiver: %v", err)
	}
	if _, err := a.Archive(context.Background(), "../escape", []byte("x"), "text/plain"); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	t.Parallel()

	a, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.(Nop); !ok {
		t.Fatalf("expected Nop archiver, got %T", a)
	}
	if _, err := New(Config{Backend: "ftp"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := New(Config{Backend: "s3"}); err == nil {
		t.Fatal("expected error for s3 without bucket")
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	if !isNotFound(&smithy.GenericAPIError{Code: "NotFound"}) {
		t.Fatal("NotFound should be recognised")
	}
	if isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}) {
		t.Fatal("AccessDenied is not a missing object")
	}
	if isNotFound(errors.New("boom")) {
		t.Fatal("plain errors are not API errors")
	}
}
