package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gpudispatch/internal/job"
)

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if n := New("", nil); n != nil {
		t.Error("New(\"\") should return nil")
	}
}

func TestJobUpdated_Delivers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var received []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event: %v", err)
		}
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	n := New(srv.URL, nil)
	n.JobUpdated(context.Background(), &job.Job{ID: "run_1", Status: job.StateCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Type != "job.completed" || received[0].Job.ID != "run_1" {
		t.Errorf("event = %+v", received[0])
	}
}

func TestJobUpdated_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n := New(srv.URL, nil)
	n.JobUpdated(context.Background(), &job.Job{ID: "run_2", Status: job.StateFailed})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one failure, one retry)", calls)
	}
}

func TestJobUpdated_QueueFullDrops(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	n := New(srv.URL, nil)
	// One event occupies the worker, the rest fill the queue. Enqueueing
	// past capacity must not block the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultQueueSize+10; i++ {
			n.JobUpdated(context.Background(), &job.Job{ID: "run_x", Status: job.StateCompleted})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("JobUpdated blocked on a full queue")
	}
}
