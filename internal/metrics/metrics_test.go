package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if mediaUploadsTotal == nil || mediaProcessDurationSeconds == nil ||
		mediaBytesStoredTotal == nil || cdnRequestsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveUpload(t *testing.T) {
	Init()

	before := testutil.ToFloat64(mediaUploadsTotal.WithLabelValues("image", "accepted"))
	ObserveUpload("image", "accepted")
	after := testutil.ToFloat64(mediaUploadsTotal.WithLabelValues("image", "accepted"))
	if after != before+1 {
		t.Fatalf("upload counter = %v, want %v", after, before+1)
	}
}

func TestObserveBytesStoredIgnoresNonPositive(t *testing.T) {
	Init()

	before := testutil.ToFloat64(mediaBytesStoredTotal.WithLabelValues("audio"))
	ObserveBytesStored("audio", 0)
	ObserveBytesStored("audio", -5)
	after := testutil.ToFloat64(mediaBytesStoredTotal.WithLabelValues("audio"))
	if after != before {
		t.Fatalf("bytes counter moved on non-positive input: %v -> %v", before, after)
	}
	ObserveBytesStored("audio", 42)
	if got := testutil.ToFloat64(mediaBytesStoredTotal.WithLabelValues("audio")); got != before+42 {
		t.Fatalf("bytes counter = %v, want %v", got, before+42)
	}
}

func TestWorkerGauge(t *testing.T) {
	Init()

	before := testutil.ToFloat64(mediaActiveWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	after := testutil.ToFloat64(mediaActiveWorkers)
	if after != before+1 {
		t.Fatalf("active workers = %v, want %v", after, before+1)
	}
	DecActiveWorkers()
}

func TestObserveHTTPRequest(t *testing.T) {
	Init()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	ObserveHTTPRequest("GET", "/v1/media", 200, 15*time.Millisecond)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	if after != before+1 {
		t.Fatalf("http counter = %v, want %v", after, before+1)
	}
}
