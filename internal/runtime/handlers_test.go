package runtime

import (
	"context"
	"testing"

	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
)

func noopHandler(ctx context.Context, d Delivery) (map[string]any, error) {
	return nil, nil
}

func TestHandlerRegistryRegisterAndResolve(t *testing.T) {
	reg := NewHandlerRegistry()
	if err := reg.Register("bill-user", noopHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler, ok := reg.Resolve("bill-user")
	if !ok || handler == nil {
		t.Fatal("expected handler resolved")
	}
	if _, ok := reg.Resolve("missing"); ok {
		t.Fatal("expected unknown name to miss")
	}
}

func TestHandlerRegistryRejectsBadInput(t *testing.T) {
	reg := NewHandlerRegistry()
	if err := reg.Register("", noopHandler); err != errspkg.ErrHandlerNameRequired {
		t.Fatalf("expected ErrHandlerNameRequired, got %v", err)
	}
	if err := reg.Register("bill-user", nil); err != errspkg.ErrHandlerRequired {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
}

func TestHandlerRegistryRejectsDuplicates(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.MustRegister("bill-user", noopHandler)
	if err := reg.Register("bill-user", noopHandler); err == nil {
		t.Fatal("expected duplicate registration error")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected MustRegister to panic on duplicate")
		}
	}()
	reg.MustRegister("bill-user", noopHandler)
}

func TestHandlerRegistryNamesSorted(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.MustRegister("notify", noopHandler)
	reg.MustRegister("audit", noopHandler)
	reg.MustRegister("bill-user", noopHandler)

	names := reg.Names()
	want := []string{"audit", "bill-user", "notify"}
	if len(names) != len(want) {
		t.Fatalf("unexpected names: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected sorted names %v, got %v", want, names)
		}
	}
}
