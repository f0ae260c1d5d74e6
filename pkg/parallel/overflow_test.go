package parallel

import (
	"math"
	"testing"
)

func TestWorkerPoolOverflow(t *testing.T) {
	_, err := NewWorkerPool(math.MaxInt)
	if err == nil {
		t.Error("Expected error for too many workers")
	}
}

func TestWorkerPoolReasonableSize(t *testing.T) {
	testCases := []int{1, 10, 100, 1000}

	for _, workers := range testCases {
		pool, err := NewWorkerPool(workers)
		if err != nil {
			t.Fatalf("NewWorkerPool(%d) failed: %v", workers, err)
		}
		if pool.Workers() != workers {
			t.Errorf("Expected %d workers, got %d", workers, pool.Workers())
		}
		pool.Close()
	}
}

func TestWorkerPoolZeroWorkers(t *testing.T) {
	// Zero workers should default to 1
	pool, _ := NewWorkerPool(0)
	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker for zero input, got %d", pool.Workers())
	}
	pool.Close()
}

func TestWorkerPoolNegativeWorkers(t *testing.T) {
	// Negative workers should default to 1
	pool, _ := NewWorkerPool(-5)
	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker for negative input, got %d", pool.Workers())
	}
	pool.Close()
}

func BenchmarkWorkerPoolSmall(b *testing.B) {
	pool, _ := NewWorkerPool(4)
	defer pool.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(func() {})
	}
}

func BenchmarkWorkerPoolLarge(b *testing.B) {
	pool, _ := NewWorkerPool(100)
	defer pool.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(func() {})
	}
}
