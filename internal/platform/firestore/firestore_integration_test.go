//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/voltvault/api/internal/platform/config"
	pfirestore "github.com/voltvault/api/internal/platform/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type stockEntity struct {
	SKU    string `firestore:"sku"`
	OnHand int    `firestore:"onHand"`
}

type classified interface {
	IsNotFound() bool
	IsConflict() bool
}

func TestCollectionAgainstEmulator(t *testing.T) {
	endpoint := startEmulator(t)
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: "collection-test", EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stocks := pfirestore.NewCollection[stockEntity](provider, "inventory")
	for sku, onHand := range map[string]int{"BAT-12V-100AH": 4, "INV-3KW": 2} {
		ref, err := stocks.Ref(ctx, sku)
		if err != nil {
			t.Fatalf("ref %s: %v", sku, err)
		}
		if _, err := ref.Create(ctx, stockEntity{SKU: sku, OnHand: onHand}); err != nil {
			t.Fatalf("create %s: %v", sku, err)
		}
	}

	ref, _ := stocks.Ref(ctx, "INV-3KW")
	_, err := ref.Create(ctx, stockEntity{SKU: "INV-3KW"})
	var cls classified
	if err = pfirestore.WrapError("inventory.create", err); !errors.As(err, &cls) || !cls.IsConflict() {
		t.Fatalf("expected conflict for duplicate create, got %v", err)
	}

	doc, err := stocks.Get(ctx, "BAT-12V-100AH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ID != "BAT-12V-100AH" || doc.Data.OnHand != 4 || doc.UpdateTime.IsZero() {
		t.Fatalf("unexpected document %+v", doc)
	}

	if _, err := stocks.Get(ctx, "missing"); !errors.As(err, &cls) || !cls.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}

	many, err := stocks.GetMany(ctx, []string{"BAT-12V-100AH", "missing", " ", "BAT-12V-100AH", "INV-3KW"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(many) != 2 || many["INV-3KW"].Data.OnHand != 2 {
		t.Fatalf("unexpected batch %+v", many)
	}

	low, err := stocks.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("onHand", "<", 3)
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(low) != 1 || low[0].ID != "INV-3KW" {
		t.Fatalf("unexpected query result %+v", low)
	}

	err = provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := stocks.Ref(ctx, "BAT-12V-100AH")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var entity stockEntity
		if err := snap.DataTo(&entity); err != nil {
			return err
		}
		entity.OnHand--
		return tx.Set(ref, entity)
	}, pfirestore.WithTxAttempts(2))
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if doc, _ := stocks.Get(ctx, "BAT-12V-100AH"); doc.Data.OnHand != 3 {
		t.Fatalf("expected onHand 3 after transaction, got %d", doc.Data.OnHand)
	}

	sentinel := errors.New("out of stock")
	err = provider.RunTransaction(ctx, func(context.Context, *firestore.Transaction) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error to pass through, got %v", err)
	}

	canceled, stop := context.WithCancel(context.Background())
	stop()
	if err := provider.RunTransaction(canceled, func(context.Context, *firestore.Transaction) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func startEmulator(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	infoCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(infoCtx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start emulator: %v - %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
	})

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			return endpoint
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator at %s did not become ready", endpoint)
	return ""
}
