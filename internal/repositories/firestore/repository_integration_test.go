//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/shopvn/orderflow/internal/domain"
	pconfig "github.com/shopvn/orderflow/internal/platform/config"
	pfirestore "github.com/shopvn/orderflow/internal/platform/firestore"
	"github.com/shopvn/orderflow/internal/repositories"
)

func newEmulatorRegistry(t *testing.T, project string) (*Registry, *pfirestore.Provider) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })
	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: project, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	registry, err := NewRegistry(provider, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry, provider
}

func TestInventoryRepositoryIntegration(t *testing.T) {
	registry, provider := newEmulatorRegistry(t, "inventory-test")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}
	seed := map[string]productDocument{
		"p1": {Name: "Mug", Price: 100, Stock: 5},
		"p2": {Name: "Plate", Price: 50, Stock: 1},
	}
	for id, doc := range seed {
		if _, err := client.Collection(productCollection).Doc(id).Set(ctx, doc); err != nil {
			t.Fatalf("seed product: %v", err)
		}
	}

	inventory := registry.Inventory()
	err = inventory.CheckAndDecrement(ctx, []domain.StockLine{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 2}})
	invErr, ok := repositories.AsInventoryError(err)
	if !ok || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	products, err := inventory.FindProducts(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("find products: %v", err)
	}
	if products["p1"].Stock != 5 {
		t.Fatalf("expected p1 untouched, got %d", products["p1"].Stock)
	}

	if err := inventory.CheckAndDecrement(ctx, []domain.StockLine{{ProductID: "p1", Quantity: 2}}); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := inventory.Increment(ctx, []domain.StockLine{{ProductID: "p1", Quantity: 2}}); err != nil {
		t.Fatalf("increment: %v", err)
	}
	products, err = inventory.FindProducts(ctx, []string{"p1"})
	if err != nil {
		t.Fatalf("find products: %v", err)
	}
	if products["p1"].Stock != 5 {
		t.Fatalf("expected round trip to restore stock, got %d", products["p1"].Stock)
	}
}

func TestOrderRepositoryIntegration(t *testing.T) {
	registry, _ := newEmulatorRegistry(t, "orders-test")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	order := domain.Order{
		ID:            "ord_1",
		OrderNumber:   "ORD-1-ABCDEF12",
		UserID:        "u1",
		Status:        domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusPaid,
		TotalAmount:   200,
		Lines:         []domain.OrderLine{{ProductID: "p1", ProductName: "Mug", Quantity: 2, UnitPrice: 100, Subtotal: 200}},
		CreatedAt:     now,
		UpdatedAt:     now.Add(-11 * time.Minute),
	}
	if err := registry.Orders().Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := order
	dup.ID = "ord_2"
	err := registry.Orders().Insert(ctx, dup)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict on duplicate order number, got %v", err)
	}

	byNumber, err := registry.Orders().FindByNumber(ctx, order.OrderNumber)
	if err != nil {
		t.Fatalf("find by number: %v", err)
	}
	if byNumber.ID != order.ID || len(byNumber.Lines) != 1 {
		t.Fatalf("unexpected order %+v", byNumber)
	}

	stale, err := registry.Orders().ListStale(ctx, repositories.StaleOrderQuery{
		Status:        domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusPaid,
		UpdatedBefore: now.Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected one stale order, got %d", len(stale))
	}

	stats, err := registry.Orders().Stats(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalOrders != 1 || stats.TotalRevenue != 200 || stats.CountsByStatus[domain.OrderStatusPaid] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
