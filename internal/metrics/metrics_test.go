package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestJobLifecycleCounters(t *testing.T) {
	ObserveScheduled("metrics-test")
	if val := testutil.ToFloat64(jobsScheduledTotal.WithLabelValues("metrics-test")); val != 1 {
		t.Fatalf("expected scheduled counter 1, got %f", val)
	}

	before := testutil.ToFloat64(runningJobs)
	ObserveStarted("metrics-test")
	if val := testutil.ToFloat64(runningJobs); val != before+1 {
		t.Fatalf("expected running gauge %f, got %f", before+1, val)
	}
	ObserveFinished("success", 2*time.Second, true)
	if val := testutil.ToFloat64(runningJobs); val != before {
		t.Fatalf("expected running gauge back to %f, got %f", before, val)
	}

	failed := testutil.ToFloat64(jobsFinishedTotal.WithLabelValues("failure"))
	ObserveFinished("failure", 0, false)
	if val := testutil.ToFloat64(jobsFinishedTotal.WithLabelValues("failure")); val != failed+1 {
		t.Fatalf("expected failure counter %f, got %f", failed+1, val)
	}
	if val := testutil.ToFloat64(runningJobs); val != before {
		t.Fatalf("spawn failures must not touch the running gauge, got %f", val)
	}
}

func TestCancelAndPushbackCounters(t *testing.T) {
	pushbacks := testutil.ToFloat64(dispatchPushbacksTotal)
	ObservePushback()
	if val := testutil.ToFloat64(dispatchPushbacksTotal); val != pushbacks+1 {
		t.Fatalf("expected pushbacks %f, got %f", pushbacks+1, val)
	}

	cancels := testutil.ToFloat64(jobsCancelledTotal.WithLabelValues("none"))
	ObserveCancel("none")
	if val := testutil.ToFloat64(jobsCancelledTotal.WithLabelValues("none")); val != cancels+1 {
		t.Fatalf("expected cancel counter %f, got %f", cancels+1, val)
	}
}

func TestEventCounters(t *testing.T) {
	ok := testutil.ToFloat64(eventDeliveriesTotal.WithLabelValues("archive", "ok"))
	failed := testutil.ToFloat64(eventDeliveriesTotal.WithLabelValues("archive", "error"))
	ObserveEventDelivery("archive", nil)
	ObserveEventDelivery("archive", errors.New("boom"))
	if val := testutil.ToFloat64(eventDeliveriesTotal.WithLabelValues("archive", "ok")); val != ok+1 {
		t.Fatalf("expected ok deliveries %f, got %f", ok+1, val)
	}
	if val := testutil.ToFloat64(eventDeliveriesTotal.WithLabelValues("archive", "error")); val != failed+1 {
		t.Fatalf("expected failed deliveries %f, got %f", failed+1, val)
	}

	dropped := testutil.ToFloat64(eventsDroppedTotal)
	ObserveEventDropped()
	if val := testutil.ToFloat64(eventsDroppedTotal); val != dropped+1 {
		t.Fatalf("expected dropped %f, got %f", dropped+1, val)
	}
}
