package firestore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/voltvault/api/internal/platform/config"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.DeadlineExceeded, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))
			var fsErr *Error
			if !errors.As(err, &fsErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if fsErr.IsNotFound() != tc.notFound || fsErr.IsConflict() != tc.conflict || fsErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification %+v", fsErr)
			}
			if fsErr.Op != "orders.get" {
				t.Fatalf("expected op to be recorded, got %q", fsErr.Op)
			}
		})
	}
}

func TestWrapErrorPassesThrough(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	if err := WrapError("op", status.Error(codes.Canceled, "stop")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	wrappedCtx := fmt.Errorf("query: %w", context.DeadlineExceeded)
	if err := WrapError("op", wrappedCtx); err != wrappedCtx {
		t.Fatalf("expected context error unchanged, got %v", err)
	}

	domainErr := errors.New("insufficient stock")
	if err := WrapError("transaction", domainErr); err != domainErr {
		t.Fatalf("expected non-status error unchanged, got %v", err)
	}

	first := WrapError("inner", status.Error(codes.NotFound, "missing"))
	if err := WrapError("outer", first); err != first {
		t.Fatalf("expected already wrapped error unchanged")
	}
}

func TestProviderClosed(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "voltvault-test"})
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
	if err := p.RunTransaction(context.Background(), func(context.Context, *firestore.Transaction) error { return nil }); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed from transaction, got %v", err)
	}
}
