package domain

import (
	"fmt"
	"testing"
	"time"
)

func testConnection() *Connection {
	return &Connection{ID: "conn-1", TenantID: "tenant-1", Provider: ProviderMicrosoft365, Status: ConnectionStatusActive}
}

func TestNewSyncJob(t *testing.T) {
	job := NewSyncJob(testConnection(), JobKindDelta, time.Minute)

	if job.ID == "" {
		t.Error("expected ID to be generated")
	}
	if job.Status != JobStatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", job.Attempt)
	}
	if job.TenantID != "tenant-1" || job.ConnectionID != "conn-1" {
		t.Error("expected job to carry connection and tenant")
	}
	if !job.Active() || job.Terminal() {
		t.Error("queued job should be active and not terminal")
	}
}

func TestSyncJobLifecycle(t *testing.T) {
	job := NewSyncJob(testConnection(), JobKindFull, time.Minute)

	job.MarkRunning()
	if job.Status != JobStatusRunning || job.StartedAt == nil {
		t.Fatal("expected running with start time")
	}
	if job.Deadline().Sub(*job.StartedAt) != time.Minute {
		t.Errorf("expected deadline one minute after start")
	}

	job.MarkFailed(ErrorKindTimeout, "job deadline exceeded")
	if !job.Terminal() {
		t.Error("failed job should be terminal")
	}
	if job.FailureKind != ErrorKindTimeout {
		t.Errorf("expected timeout kind, got %s", job.FailureKind)
	}
	if len(job.Errors) != 1 {
		t.Errorf("expected failure recorded in error list, got %d", len(job.Errors))
	}
}

func TestSyncJobErrorListBounded(t *testing.T) {
	job := NewSyncJob(testConnection(), JobKindDelta, time.Minute)

	for i := 0; i < MaxJobErrors+15; i++ {
		job.AddError(JobError{Kind: ErrorKindTransient, Message: fmt.Sprintf("doc %d", i)})
	}

	if len(job.Errors) != MaxJobErrors {
		t.Errorf("expected %d errors, got %d", MaxJobErrors, len(job.Errors))
	}
	if job.Errors[0].Message != "doc 0" {
		t.Errorf("expected earliest errors kept, got %q", job.Errors[0].Message)
	}
}

func TestSyncJobNextAttempt(t *testing.T) {
	job := NewSyncJob(testConnection(), JobKindCatchUp, time.Minute)
	job.StalenessWindow = 3 * time.Hour
	job.MarkRunning()
	job.MarkFailed(ErrorKindTransient, "503")

	next := job.NextAttempt(10 * time.Second)

	if next.ID == job.ID {
		t.Error("retry must be a new job")
	}
	if next.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", next.Attempt)
	}
	if next.Kind != JobKindCatchUp || next.StalenessWindow != 3*time.Hour {
		t.Error("expected kind and staleness window carried over")
	}
	if next.Status != JobStatusQueued {
		t.Errorf("expected queued, got %s", next.Status)
	}
	if !next.ScheduledFor.After(next.CreatedAt) {
		t.Error("expected retry scheduled in the future")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, want := range expected {
		if got := b.Delay(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		if d < 2*time.Second || d > 4*time.Second {
			t.Fatalf("delay %v outside [2s, 4s]", d)
		}
	}
}

func TestConnectionFailureTracking(t *testing.T) {
	conn := testConnection()
	now := time.Now()

	for i := 0; i < 4; i++ {
		conn.RecordFailure("503", false, 5, now)
	}
	if conn.Status != ConnectionStatusActive {
		t.Fatalf("expected active after 4 failures, got %s", conn.Status)
	}

	conn.RecordFailure("503", false, 5, now)
	if conn.Status != ConnectionStatusError || !conn.Halted() {
		t.Fatalf("expected error after 5 failures, got %s", conn.Status)
	}

	conn.Reset(now)
	if conn.Status != ConnectionStatusActive || conn.ConsecutiveFailures != 0 {
		t.Error("expected reset to clear error state")
	}

	conn.RecordFailure("token revoked", true, 5, now)
	if conn.Status != ConnectionStatusError {
		t.Error("expected fatal failure to halt immediately")
	}
}

func TestConnectionRecordSuccessActivatesPending(t *testing.T) {
	conn := testConnection()
	conn.Status = ConnectionStatusPending
	conn.ConsecutiveFailures = 2

	conn.RecordSuccess(time.Now())

	if conn.Status != ConnectionStatusActive {
		t.Errorf("expected active, got %s", conn.Status)
	}
	if conn.ConsecutiveFailures != 0 || conn.LastSyncAt == nil {
		t.Error("expected failures cleared and last sync recorded")
	}
}

func TestReconcilerStateTransitions(t *testing.T) {
	allowed := map[[2]ReconcilerState]bool{
		{ReconcilerIdle, ReconcilerSyncing}:    true,
		{ReconcilerSyncing, ReconcilerIndexed}: true,
		{ReconcilerSyncing, ReconcilerError}:   true,
		{ReconcilerError, ReconcilerIdle}:      true,
		{ReconcilerIndexed, ReconcilerSyncing}: true,
	}
	states := []ReconcilerState{ReconcilerIdle, ReconcilerSyncing, ReconcilerIndexed, ReconcilerError}

	for _, from := range states {
		for _, to := range states {
			if got := from.CanTransition(to); got != allowed[[2]ReconcilerState{from, to}] {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, !got, got)
			}
		}
	}
}

func TestWebhookLeaseRenewDue(t *testing.T) {
	now := time.Now()
	lease := &WebhookLease{}
	lease.MarkRenewed("sub-1", now.Add(72*time.Hour), now)

	if lease.RenewDue(now.Add(35*time.Hour), 72*time.Hour) {
		t.Error("renewal should not be due before half the max lease")
	}
	if !lease.RenewDue(now.Add(36*time.Hour), 72*time.Hour) {
		t.Error("renewal should be due at half the max lease")
	}
	if lease.Expired(now.Add(71 * time.Hour)) {
		t.Error("lease should not be expired yet")
	}
	if !lease.Expired(now.Add(72 * time.Hour)) {
		t.Error("lease should be expired")
	}
}
