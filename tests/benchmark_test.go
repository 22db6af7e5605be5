package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"codegate/internal/engine"
)

func BenchmarkExecution(b *testing.B) {
	backend, err := engine.NewBackend(context.Background(), engine.BackendConfig{})
	if err != nil {
		b.Skipf("no isolation backend available: %v", err)
	}

	e := engine.New(backend, nil, engine.Options{Workers: 4})
	defer e.Close()

	languages := []struct {
		name string
		code string
	}{
		{"python", "print('hello')"},
		{"node", "console.log('hello')"},
		{"bash", "echo hello"},
	}

	for _, lang := range languages {
		b.Run(lang.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				result, err := e.Submit(context.Background(), engine.Job{
					Source:   lang.code,
					Language: lang.name,
				})
				if err != nil {
					b.Fatalf("Submit: %v", err)
				}
				if result.Outcome != engine.OutcomeCompleted {
					b.Fatalf("Outcome = %s", result.Outcome)
				}
			}
		})
	}
}

func BenchmarkConcurrentExecutions(b *testing.B) {
	backend, err := engine.NewBackend(context.Background(), engine.BackendConfig{})
	if err != nil {
		b.Skipf("no isolation backend available: %v", err)
	}

	e := engine.New(backend, nil, engine.Options{Workers: 8, QueueDepth: 64})
	defer e.Close()

	for _, parallel := range []int{2, 4, 8} {
		b.Run(fmt.Sprintf("parallel-%d", parallel), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				var wg sync.WaitGroup
				for p := 0; p < parallel; p++ {
					wg.Add(1)
					go func(n int) {
						defer wg.Done()
						e.Submit(context.Background(), engine.Job{
							Source:   fmt.Sprintf("print(%d)", n),
							Language: "python",
						})
					}(p)
				}
				wg.Wait()
			}
		})
	}
}

func BenchmarkScan(b *testing.B) {
	scanner := engine.NewScanner()
	source := `import json
data = {"values": [i * i for i in range(100)]}
print(json.dumps(data))`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scanner.Scan(source)
	}
}
