package reports

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"indexerGateway/internal/model"
)

type memorySink struct {
	mu       sync.Mutex
	outcomes []model.QueryOutcome
}

func (s *memorySink) Report(_ context.Context, outcome model.QueryOutcome) error {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, outcome)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func TestReporterDrainsOnShutdown(t *testing.T) {
	sink := &memorySink{}
	reporter := NewReporter(sink, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go reporter.Run(ctx)

	for i := 0; i < 10; i++ {
		reporter.Submit(model.QueryOutcome{QueryID: "q", Result: "success"})
	}

	cancel()
	reporter.Wait()

	if got := sink.count(); got != 10 {
		t.Fatalf("delivered %d outcomes, want 10", got)
	}
}

func TestSubmitNeverBlocksWhenFull(t *testing.T) {
	reporter := NewReporter(&memorySink{}, 2, nil)

	// No Run loop draining: the buffer fills and later submissions must
	// drop rather than stall the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			reporter.Submit(model.QueryOutcome{QueryID: "q"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("submit blocked on a full buffer")
	}
}

func TestJsonlSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes", "queries.jsonl")
	sink := NewJsonlSink(path)

	for _, result := range []string{"success", "exhausted"} {
		err := sink.Report(context.Background(), model.QueryOutcome{
			QueryID: "q-" + result,
			Result:  result,
		})
		if err != nil {
			t.Fatalf("report failed: %v", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()

	var results []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var outcome model.QueryOutcome
		if err := json.Unmarshal(scanner.Bytes(), &outcome); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		results = append(results, outcome.Result)
	}
	if len(results) != 2 || results[0] != "success" || results[1] != "exhausted" {
		t.Fatalf("results = %v, want [success exhausted]", results)
	}
}
