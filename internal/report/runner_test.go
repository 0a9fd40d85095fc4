package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tbourn/go-delivery-alerts/internal/retry"
)

// fakeService scripts vendor responses.
type fakeService struct {
	def       Definition
	defErr    error
	jobID     string
	submitted int
	statuses  []string // returned in order; the last one repeats
	statusErr []error  // consumed before statuses, nil entries fall through
	polls     int
	csv       string
	resultErr error
}

func (f *fakeService) SavedQuery(context.Context, int64) (Definition, error) {
	return f.def, f.defErr
}

func (f *fakeService) RunReportJob(context.Context, Definition) (string, error) {
	f.submitted++
	return f.jobID, nil
}

func (f *fakeService) JobStatus(context.Context, string) (string, error) {
	f.polls++
	if len(f.statusErr) > 0 {
		err := f.statusErr[0]
		f.statusErr = f.statusErr[1:]
		if err != nil {
			return "", err
		}
	}
	if len(f.statuses) == 0 {
		return "IN_PROGRESS", nil
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s, nil
}

func (f *fakeService) Results(context.Context, string) (io.ReadCloser, error) {
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	return io.NopCloser(bytes.NewReader(gzipped(f.csv))), nil
}

func gzipped(s string) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(s))
	_ = zw.Close()
	return buf.Bytes()
}

func newTestRunner(svc Service) (*Runner, *[]time.Duration) {
	var slept []time.Duration
	r := NewRunner(svc, nil)
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{
		"COMPLETED": StatusCompleted, " in_progress ": StatusInProgress,
		"FAILED": StatusFailed, "PENDING": StatusPending,
	} {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseStatus(%q) = (%q, %v); want %q", in, got, err, want)
		}
	}
	if _, err := ParseStatus("CANCELLED"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if !StatusFailed.Terminal() || StatusInProgress.Terminal() {
		t.Fatalf("unexpected Terminal results")
	}
}

func TestSubmit_RejectsMissingQueryBody(t *testing.T) {
	svc := &fakeService{jobID: "j1"}
	r, _ := newTestRunner(svc)

	_, err := r.Submit(context.Background(), Definition{ID: 5, Query: []byte("   ")})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if svc.submitted != 0 {
		t.Fatalf("no job may be submitted for an invalid definition")
	}
}

func TestSubmit_ReturnsPendingJob(t *testing.T) {
	svc := &fakeService{jobID: "j1"}
	r, _ := newTestRunner(svc)

	job, err := r.Submit(context.Background(), Definition{ID: 5, Query: []byte("<q/>")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID != "j1" || job.Status != StatusPending {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestAwaitCompletion_Completes(t *testing.T) {
	svc := &fakeService{statuses: []string{"IN_PROGRESS", "IN_PROGRESS", "COMPLETED"}}
	r, slept := newTestRunner(svc)

	var seen []Status
	r.OnPoll = func(s Status) { seen = append(seen, s) }

	job, err := r.AwaitCompletion(context.Background(), Job{ID: "j"}, 30*time.Second, 5)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if job.Status != StatusCompleted || svc.polls != 3 || len(seen) != 3 {
		t.Fatalf("job=%+v polls=%d seen=%v", job, svc.polls, seen)
	}
	if len(*slept) != 2 || (*slept)[0] != 30*time.Second {
		t.Fatalf("expected two 30s sleeps, got %v", *slept)
	}
}

func TestAwaitCompletion_FailedIsDistinctFromTimeout(t *testing.T) {
	svc := &fakeService{statuses: []string{"IN_PROGRESS", "FAILED"}}
	r, _ := newTestRunner(svc)

	_, err := r.AwaitCompletion(context.Background(), Job{ID: "j"}, time.Second, 5)
	if !errors.Is(err, ErrReportJobFailed) || errors.Is(err, ErrReportJobTimeout) {
		t.Fatalf("expected ErrReportJobFailed only, got %v", err)
	}
}

func TestAwaitCompletion_TimesOutWithoutFetching(t *testing.T) {
	svc := &fakeService{statuses: []string{"IN_PROGRESS"}, csv: "a\n1\n"}
	r, slept := newTestRunner(svc)

	job, err := r.AwaitCompletion(context.Background(), Job{ID: "j"}, time.Second, 3)
	if !errors.Is(err, ErrReportJobTimeout) {
		t.Fatalf("expected ErrReportJobTimeout, got %v", err)
	}
	if svc.polls != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", svc.polls)
	}
	if len(*slept) != 2 {
		t.Fatalf("no sleep after the final poll; got %d sleeps", len(*slept))
	}
	if _, err := r.FetchRows(context.Background(), job); !errors.Is(err, ErrJobNotReady) {
		t.Fatalf("a timed-out job must not yield rows, got %v", err)
	}
}

func TestAwaitCompletion_RetriesIndividualStatusChecks(t *testing.T) {
	p := retry.MustNew(3, time.Millisecond)
	svc := &fakeService{
		statusErr: []error{errors.New("blip"), nil, errors.New("blip"), nil},
		statuses:  []string{"IN_PROGRESS", "COMPLETED"},
	}
	r, slept := newTestRunner(svc)
	r.Retry = &p

	job, err := r.AwaitCompletion(context.Background(), Job{ID: "j"}, time.Second, 2)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
	// 2 status checks, each failing once first: 4 calls, but only one poll sleep.
	if svc.polls != 4 || len(*slept) != 1 {
		t.Fatalf("polls=%d sleeps=%d", svc.polls, len(*slept))
	}
}

func TestAwaitCompletion_StatusErrorPropagatesAfterRetries(t *testing.T) {
	p := retry.MustNew(2, time.Millisecond)
	boom := errors.New("network down")
	svc := &fakeService{statusErr: []error{boom, boom}}
	r, _ := newTestRunner(svc)
	r.Retry = &p

	_, err := r.AwaitCompletion(context.Background(), Job{ID: "j"}, time.Second, 5)
	if !errors.Is(err, boom) {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestAwaitCompletion_UnknownStatusIsError(t *testing.T) {
	svc := &fakeService{statuses: []string{"EXPLODED"}}
	r, _ := newTestRunner(svc)
	if _, err := r.AwaitCompletion(context.Background(), Job{ID: "j"}, time.Second, 3); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestAwaitCompletion_RejectsZeroBudget(t *testing.T) {
	r, _ := newTestRunner(&fakeService{})
	if _, err := r.AwaitCompletion(context.Background(), Job{ID: "j"}, time.Second, 0); err == nil {
		t.Fatalf("expected error for maxPolls=0")
	}
}

func TestFetchRows_ParsesAndNormalizesHeaders(t *testing.T) {
	csv := "Dimension.LINE_ITEM_ID,Dimension.CREATIVE_NAME,Column.VIDEO_VIEWERSHIP_VIDEO_LENGTH\n" +
		"101,Promo A,31\n" +
		"102,\"Promo, B\",-\n"
	svc := &fakeService{csv: csv}
	r, _ := newTestRunner(svc)

	res, err := r.FetchRows(context.Background(), Job{ID: "j", Status: StatusCompleted})
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	want := []string{"line_item_id", "creative_name", "video_viewership_video_length"}
	if strings.Join(res.Header, ",") != strings.Join(want, ",") {
		t.Fatalf("header = %v; want %v", res.Header, want)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res.Rows))
	}
	if res.Rows[1].Value("creative_name") != "Promo, B" || res.Rows[1].Value("video_viewership_video_length") != "-" {
		t.Fatalf("unexpected row: %+v", res.Rows[1].Text)
	}
}

func TestFetchRows_NotReady(t *testing.T) {
	r, _ := newTestRunner(&fakeService{})
	for _, st := range []Status{StatusPending, StatusInProgress, StatusFailed} {
		if _, err := r.FetchRows(context.Background(), Job{ID: "j", Status: st}); !errors.Is(err, ErrJobNotReady) {
			t.Fatalf("status %s: expected ErrJobNotReady, got %v", st, err)
		}
	}
}

func TestLoadDefinition_WrapsError(t *testing.T) {
	boom := errors.New("auth")
	r, _ := newTestRunner(&fakeService{defErr: boom})
	if _, err := r.LoadDefinition(context.Background(), 9); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped auth error, got %v", err)
	}
}
