package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bulksend/internal/engine"
	"bulksend/internal/models"
	"bulksend/internal/sentstore"
	"bulksend/internal/smtpx"
)

// fakeTransport records sends and implements the engine's transport
// contract without touching the network.
type fakeTransport struct {
	sentTo     []string
	openCalls  int
	closeCalls int
	resetCalls int

	// sendErr, when non-nil, decides the outcome of each send attempt.
	sendErr func(attempt int) error
	attempt int
}

func (f *fakeTransport) Open() error { f.openCalls++; return nil }
func (f *fakeTransport) Close()      { f.closeCalls++ }
func (f *fakeTransport) Reset()      { f.resetCalls++ }

func (f *fakeTransport) Send(msg *smtpx.Message) error {
	f.attempt++
	if f.sendErr != nil {
		if err := f.sendErr(f.attempt); err != nil {
			return err
		}
	}
	f.sentTo = append(f.sentTo, msg.To)
	return nil
}

func newStore(t *testing.T) *sentstore.Store {
	t.Helper()
	store, err := sentstore.Open(filepath.Join(t.TempDir(), "sent_records.jsonl"), "", zap.NewNop())
	require.NoError(t, err)
	return store
}

func testJob() *models.Job {
	return &models.Job{
		JobID:  "job-1",
		Sender: models.Sender{Email: "sender@example.com", Name: "发件人"},
		SMTP: models.SMTPConfig{
			Host: "smtp.example.com", Port: 465,
			Username: "sender@example.com", Password: "auth-code",
			UseSSL: true, Timeout: 30 * time.Second,
		},
		Template: models.Template{
			Subject:  "您好 {name}",
			BodyText: "正文 {name}",
		},
		Recipients: []models.Recipient{
			{Email: "teacher1@example.com", Name: "张教授"},
			{Email: "teacher2@example.com", Name: "李教授"},
		},
		Options: models.SendOptions{RetryCount: 1, SkipSent: true},
	}
}

func collect(t *testing.T, e *engine.Engine, ctx context.Context, job *models.Job) ([]engine.Event, error) {
	t.Helper()
	var events []engine.Event
	err := e.Send(ctx, job, func(ev engine.Event) { events = append(events, ev) })
	return events, err
}

func noSleep(ctx context.Context, d time.Duration) bool { return ctx.Err() != nil }

func TestSendEmitsOrderedLifecycleEvents(t *testing.T) {
	transport := &fakeTransport{}
	e := engine.New(transport, newStore(t), engine.WithSleep(noSleep), engine.WithRetryPause(0))

	events, err := collect(t, e, context.Background(), testJob())
	require.NoError(t, err)

	started, ok := events[0].(engine.JobStarted)
	require.True(t, ok, "first event must be job_started")
	assert.Equal(t, 2, started.Total)

	finished, ok := events[len(events)-1].(engine.JobFinished)
	require.True(t, ok, "last event must be job_finished")
	assert.Equal(t, 2, finished.Success)
	assert.Equal(t, 0, finished.Failed)
	assert.Equal(t, 0, finished.Skipped)
	assert.Equal(t, finished.Total, finished.Success+finished.Failed+finished.Skipped)
	assert.Empty(t, finished.Failures)

	assert.Equal(t, []string{"teacher1@example.com", "teacher2@example.com"}, transport.sentTo)

	// Per-recipient sessions: one open/close pair per delivered recipient.
	assert.Equal(t, 2, transport.openCalls)
	assert.Equal(t, 2, transport.closeCalls)
}

func TestSendSkipsPreviouslySentRecipients(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Append("teacher1@example.com", "张教授", "before"))

	transport := &fakeTransport{}
	e := engine.New(transport, store, engine.WithSleep(noSleep))

	events, err := collect(t, e, context.Background(), testJob())
	require.NoError(t, err)

	var skips []engine.RecipientSkipped
	for _, ev := range events {
		if skip, ok := ev.(engine.RecipientSkipped); ok {
			skips = append(skips, skip)
		}
	}
	require.Len(t, skips, 1)
	assert.Equal(t, "teacher1@example.com", skips[0].Email)
	assert.Equal(t, "already_sent", skips[0].Reason)

	assert.Equal(t, []string{"teacher2@example.com"}, transport.sentTo)

	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 1, finished.Success)
	assert.Equal(t, 1, finished.Skipped)
}

func TestSecondRunSkipsEverything(t *testing.T) {
	store := newStore(t)
	transport := &fakeTransport{}
	e := engine.New(transport, store, engine.WithSleep(noSleep))

	_, err := collect(t, e, context.Background(), testJob())
	require.NoError(t, err)

	events, err := collect(t, e, context.Background(), testJob())
	require.NoError(t, err)

	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 0, finished.Success)
	assert.Equal(t, finished.Total, finished.Skipped)
	assert.Len(t, transport.sentTo, 2, "no new sends on the second run")
}

func TestMissingAttachmentAbortsBeforeAnyEvent(t *testing.T) {
	job := testJob()
	job.Attachments = []string{filepath.Join(t.TempDir(), "missing.pdf")}

	transport := &fakeTransport{}
	e := engine.New(transport, newStore(t), engine.WithSleep(noSleep))

	events, err := collect(t, e, context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.pdf")
	assert.Empty(t, events)
	assert.Empty(t, transport.sentTo)
}

func TestDirectoryAttachmentAbortsToo(t *testing.T) {
	job := testJob()
	job.Attachments = []string{t.TempDir()}

	e := engine.New(&fakeTransport{}, newStore(t), engine.WithSleep(noSleep))
	_, err := collect(t, e, context.Background(), job)
	require.Error(t, err)
}

func TestValidAttachmentIsAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paper.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))

	job := testJob()
	job.Attachments = []string{path}
	job.Recipients = job.Recipients[:1]

	transport := &fakeTransport{}
	e := engine.New(transport, newStore(t), engine.WithSleep(noSleep))

	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)
	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 1, finished.Success)
}

func TestRetryResetsConnectionAndRecovers(t *testing.T) {
	transport := &fakeTransport{
		sendErr: func(attempt int) error {
			if attempt == 1 {
				return errors.New("simulated disconnect")
			}
			return nil
		},
	}
	job := testJob()
	job.Options.RetryCount = 2

	e := engine.New(transport, newStore(t), engine.WithSleep(noSleep), engine.WithRetryPause(0))
	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)

	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 2, finished.Success)
	assert.Equal(t, 1, transport.resetCalls, "exactly one reset before the second attempt")
}

func TestExhaustedRetriesFailRecipientButNotJob(t *testing.T) {
	transport := &fakeTransport{
		sendErr: func(attempt int) error {
			if attempt <= 2 {
				return errors.New("mailbox on fire")
			}
			return nil
		},
	}
	job := testJob()
	job.Options.RetryCount = 2

	e := engine.New(transport, newStore(t), engine.WithSleep(noSleep), engine.WithRetryPause(0))
	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)

	var failedEvents []engine.RecipientFailed
	for _, ev := range events {
		if f, ok := ev.(engine.RecipientFailed); ok {
			failedEvents = append(failedEvents, f)
		}
	}
	require.Len(t, failedEvents, 1)
	assert.Equal(t, "teacher1@example.com", failedEvents[0].Email)
	assert.Contains(t, failedEvents[0].Error, "mailbox on fire")

	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 1, finished.Success)
	assert.Equal(t, 1, finished.Failed)
	require.Len(t, finished.Failures, 1)
	assert.Equal(t, "teacher1@example.com", finished.Failures[0].Email)
}

func TestPacingCountdown(t *testing.T) {
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return false
	}

	job := testJob()
	job.Options.MinDelaySec = 3
	job.Options.MaxDelaySec = 3

	e := engine.New(&fakeTransport{}, newStore(t), engine.WithSleep(sleep))
	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)

	var waits []engine.InterSendWait
	for _, ev := range events {
		if wait, ok := ev.(engine.InterSendWait); ok {
			waits = append(waits, wait)
		}
	}
	require.Len(t, waits, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{waits[0].RemainingSec, waits[1].RemainingSec, waits[2].RemainingSec})
	for _, wait := range waits {
		assert.Equal(t, 3, wait.DelaySec)
		assert.Equal(t, 1, wait.Index)
		assert.Equal(t, 2, wait.NextIndex)
	}

	var total time.Duration
	for _, d := range slept {
		total += d
	}
	assert.Equal(t, 3*time.Second, total)
}

func TestNoWaitAfterLastRecipient(t *testing.T) {
	job := testJob()
	job.Options.MinDelaySec = 10
	job.Options.MaxDelaySec = 10
	job.Recipients = job.Recipients[:1]

	var slept int
	e := engine.New(&fakeTransport{}, newStore(t), engine.WithSleep(func(context.Context, time.Duration) bool {
		slept++
		return false
	}))
	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, slept)

	_, ok := events[len(events)-1].(engine.JobFinished)
	assert.True(t, ok)
}

func TestInvertedAndNegativeDelayBounds(t *testing.T) {
	job := testJob()
	job.Options.MinDelaySec = 4
	job.Options.MaxDelaySec = 2 // inverted: engine swaps

	var waits int
	e := engine.New(&fakeTransport{}, newStore(t), engine.WithSleep(noSleep))
	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)
	for _, ev := range events {
		if w, ok := ev.(engine.InterSendWait); ok {
			waits++
			assert.GreaterOrEqual(t, w.DelaySec, 2)
			assert.LessOrEqual(t, w.DelaySec, 4)
		}
	}
	assert.NotZero(t, waits)

	job = testJob()
	job.Options.MinDelaySec = -5
	job.Options.MaxDelaySec = 3 // negative: collapses to zero
	events, err = collect(t, engine.New(&fakeTransport{}, newStore(t), engine.WithSleep(noSleep)), context.Background(), job)
	require.NoError(t, err)
	for _, ev := range events {
		_, isWait := ev.(engine.InterSendWait)
		assert.False(t, isWait, "zero delay must emit no wait events")
	}
}

func TestCancellationDuringWaitEmitsSummaryAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, d time.Duration) bool {
		cancel()
		return true
	}

	job := testJob()
	job.Options.MinDelaySec = 30
	job.Options.MaxDelaySec = 30

	transport := &fakeTransport{}
	e := engine.New(transport, newStore(t), engine.WithSleep(sleep))
	events, err := collect(t, e, ctx, job)
	require.NoError(t, err)

	cancelled, ok := events[len(events)-1].(engine.JobCancelled)
	require.True(t, ok, "stream must end with job_cancelled")
	assert.Equal(t, 1, cancelled.Success)
	assert.Equal(t, 2, cancelled.Total)
	assert.Equal(t, []string{"teacher1@example.com"}, transport.sentTo, "second recipient never touched")
}

func TestCancellationBeforeFirstRecipient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := &fakeTransport{}
	e := engine.New(transport, newStore(t), engine.WithSleep(noSleep))
	events, err := collect(t, e, ctx, testJob())
	require.NoError(t, err)

	require.Len(t, events, 2)
	_, ok := events[0].(engine.JobStarted)
	assert.True(t, ok)
	cancelled, ok := events[1].(engine.JobCancelled)
	require.True(t, ok)
	assert.Zero(t, cancelled.Success)
	assert.Empty(t, transport.sentTo)
}

func TestShuffleNeverMutatesCallerList(t *testing.T) {
	job := testJob()
	job.Options.RandomizeOrder = true
	job.Recipients = []models.Recipient{
		{Email: "a@example.com", Name: "A"},
		{Email: "b@example.com", Name: "B"},
		{Email: "c@example.com", Name: "C"},
		{Email: "d@example.com", Name: "D"},
	}
	original := make([]models.Recipient, len(job.Recipients))
	copy(original, job.Recipients)

	e := engine.New(&fakeTransport{}, newStore(t), engine.WithSleep(noSleep))
	_, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, original, job.Recipients)
}

func TestSessionPerJobOpensOnce(t *testing.T) {
	transport := &fakeTransport{}
	e := engine.New(transport, newStore(t),
		engine.WithSleep(noSleep),
		engine.WithSessionPerJob(),
	)

	events, err := collect(t, e, context.Background(), testJob())
	require.NoError(t, err)

	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 2, finished.Success)
	assert.Equal(t, 1, transport.openCalls)
	assert.Equal(t, 1, transport.closeCalls)
}

func TestSessionPerJobResetsAfterExhaustedRetries(t *testing.T) {
	transport := &fakeTransport{
		sendErr: func(attempt int) error {
			if attempt <= 2 {
				return errors.New("rcpt refused")
			}
			return nil
		},
	}
	job := testJob()
	job.Options.RetryCount = 2

	e := engine.New(transport, newStore(t),
		engine.WithSleep(noSleep),
		engine.WithRetryPause(0),
		engine.WithSessionPerJob(),
	)
	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)

	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 1, finished.Failed)
	assert.Equal(t, 1, finished.Success)

	// One reset between the two attempts, one more after giving up so the
	// shared session is clean for the second recipient.
	assert.Equal(t, 2, transport.resetCalls)
	assert.Equal(t, []string{"teacher2@example.com"}, transport.sentTo)
}

func TestMissingTemplateVariableFailsRecipient(t *testing.T) {
	job := testJob()
	job.Template.BodyText = "正文 {definitely_not_supplied}"

	transport := &fakeTransport{}
	e := engine.New(transport, newStore(t), engine.WithSleep(noSleep))
	events, err := collect(t, e, context.Background(), job)
	require.NoError(t, err)

	finished := events[len(events)-1].(engine.JobFinished)
	assert.Equal(t, 2, finished.Failed)
	assert.Empty(t, transport.sentTo, "no transport attempt for an unrenderable message")
	assert.Contains(t, finished.Failures[0].Error, "definitely_not_supplied")
}
