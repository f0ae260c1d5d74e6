package transport

import (
	"errors"
	"testing"
)

type mockCloser struct {
	name     string
	order    *[]string
	closeErr error
	calls    int
}

func (m *mockCloser) Close() error {
	m.calls++
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	return m.closeErr
}

func TestResourceCleanup_ReverseOrder(t *testing.T) {
	var order []string
	cleanup := NewResourceCleanup(nil)
	for _, name := range []string{"a", "b", "c"} {
		cleanup.Add(&mockCloser{name: name, order: &order}, name)
	}
	if cleanup.Len() != 3 {
		t.Fatalf("Expected 3 resources, got %d", cleanup.Len())
	}

	cleanup.Cleanup()

	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("close %d: expected %s, got %s", i, want[i], order[i])
		}
	}
	if cleanup.Len() != 0 {
		t.Errorf("Expected 0 resources after cleanup, got %d", cleanup.Len())
	}
}

func TestResourceCleanup_Clear(t *testing.T) {
	c := &mockCloser{}
	cleanup := NewResourceCleanup(nil)
	cleanup.Add(c, "kept")
	cleanup.Clear()
	cleanup.Cleanup()

	if c.calls != 0 {
		t.Errorf("Expected cleared resource to stay open, closed %d times", c.calls)
	}
}

func TestResourceCleanup_CloseAllReturnsFirstError(t *testing.T) {
	errFirst := errors.New("first")
	errSecond := errors.New("second")
	cleanup := NewResourceCleanup(nil)
	cleanup.Add(&mockCloser{closeErr: errSecond}, "one")
	cleanup.Add(&mockCloser{closeErr: errFirst}, "two")
	cleanup.Add(nil, "nil closer")

	if err := cleanup.CloseAll(); !errors.Is(err, errFirst) {
		t.Errorf("Expected %v, got %v", errFirst, err)
	}
	if err := cleanup.CloseAll(); err != nil {
		t.Errorf("Expected second CloseAll to be a no-op, got %v", err)
	}
}
