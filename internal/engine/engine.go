// Package engine drives a send job end to end: recipient ordering, dedup
// skips, per-recipient delivery retries, pacing delays, cooperative
// cancellation and the ordered lifecycle event stream.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bulksend/internal/models"
	"bulksend/internal/render"
	"bulksend/internal/smtpx"
)

// Transport delivers composed messages. *smtpx.Client is the production
// implementation.
type Transport interface {
	Open() error
	Close()
	Reset()
	Send(msg *smtpx.Message) error
}

// SentStore is the delivery-dedup ledger consulted before and written after
// each send.
type SentStore interface {
	IsSent(email string) bool
	Append(email, name, jobID string) error
}

// DefaultRetryPause is the fixed pause between delivery attempts for one
// recipient. Deliberately not exponential: retry counts are low and the
// system runs with a human in the loop.
const DefaultRetryPause = time.Second

// Engine runs one job at a time. Sends are strictly sequential to respect
// provider pacing policies.
type Engine struct {
	transport Transport
	store     SentStore
	log       *zap.Logger

	limiter       *rate.Limiter
	rng           *rand.Rand
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) bool
	retryPause    time.Duration
	sessionPerJob bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRand sets the randomness source for shuffling and delay picking.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithClock sets the time source used for the send date.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep replaces the delay-slice sleeper. The sleeper returns true when
// the context was cancelled before the duration elapsed.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithRetryPause overrides the pause between delivery attempts.
func WithRetryPause(d time.Duration) Option {
	return func(e *Engine) { e.retryPause = d }
}

// WithSessionPerJob keeps one persistent transport session open across the
// whole recipient loop instead of opening a fresh one per recipient. More
// efficient, but long inter-message delays risk idle-timeout drops; the
// event contract and retry semantics are identical either way.
func WithSessionPerJob() Option {
	return func(e *Engine) { e.sessionPerJob = true }
}

// WithRateLimit caps transport sends process-wide, as an extra guard on top
// of the pacing delay. Nil disables the cap.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = limiter }
}

func New(transport Transport, store SentStore, opts ...Option) *Engine {
	e := &Engine{
		transport:  transport,
		store:      store,
		log:        zap.NewNop(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		sleep:      sleepWithContext,
		retryPause: DefaultRetryPause,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send consumes the job, emitting lifecycle events in strict causal order.
// Cancellation is cooperative: ctx is sampled before each recipient and
// before each delay slice. The only error returned is a fatal precondition
// failure (missing attachment), raised before any event is emitted;
// everything else becomes events.
func (e *Engine) Send(ctx context.Context, job *models.Job, emit func(Event)) error {
	if err := validateAttachments(job.Attachments); err != nil {
		return err
	}

	// Work on a private copy; the caller's list is never reordered.
	recipients := slices.Clone(job.Recipients)
	if job.Options.RandomizeOrder {
		e.rng.Shuffle(len(recipients), func(i, j int) {
			recipients[i], recipients[j] = recipients[j], recipients[i]
		})
	}
	total := len(recipients)

	if e.sessionPerJob {
		if err := e.transport.Open(); err != nil {
			// Sends fall back to one-shot connections; each failure is
			// still accounted per recipient.
			e.log.Warn("persistent smtp session unavailable", zap.Error(err))
		}
		defer e.transport.Close()
	}

	var (
		success  int
		failed   int
		skipped  int
		failures []Failure
	)

	e.log.Info("job started",
		zap.String("job_id", job.JobID),
		zap.Int("total", total),
	)
	emit(JobStarted{JobID: job.JobID, Total: total})

	for index, recipient := range recipients {
		index++ // events are 1-based

		if ctx.Err() != nil {
			e.logCancelled(job.JobID, success, failed, skipped)
			emit(JobCancelled{JobID: job.JobID, Success: success, Failed: failed, Skipped: skipped, Total: total})
			return nil
		}

		if job.Options.SkipSent && e.store.IsSent(recipient.Email) {
			skipped++
			emit(RecipientSkipped{
				JobID: job.JobID, Index: index,
				Email: recipient.Email, Name: recipient.Name,
				Reason: "already_sent",
			})
			continue
		}

		emit(RecipientStarted{JobID: job.JobID, Index: index, Email: recipient.Email, Name: recipient.Name})

		if err := e.processRecipient(ctx, job, recipient); err != nil {
			failed++
			failures = append(failures, Failure{Email: recipient.Email, Name: recipient.Name, Error: err.Error()})
			e.log.Warn("recipient failed",
				zap.String("job_id", job.JobID),
				zap.String("email", recipient.Email),
				zap.Error(err),
			)
			emit(RecipientFailed{
				JobID: job.JobID, Index: index,
				Email: recipient.Email, Name: recipient.Name,
				Error: err.Error(),
			})
		} else {
			success++
			e.log.Info("recipient sent",
				zap.String("job_id", job.JobID),
				zap.String("email", recipient.Email),
			)
			emit(RecipientSent{JobID: job.JobID, Index: index, Email: recipient.Email, Name: recipient.Name})
		}

		if index < total {
			delay := e.pickDelay(job.Options.MinDelaySec, job.Options.MaxDelaySec)
			cancelled := false
			for remaining := delay; remaining > 0; remaining-- {
				if ctx.Err() != nil {
					cancelled = true
					break
				}
				emit(InterSendWait{
					JobID: job.JobID, Index: index, NextIndex: index + 1,
					DelaySec: delay, RemainingSec: remaining,
				})
				if e.sleep(ctx, time.Second) {
					cancelled = true
					break
				}
			}
			if cancelled {
				e.logCancelled(job.JobID, success, failed, skipped)
				emit(JobCancelled{JobID: job.JobID, Success: success, Failed: failed, Skipped: skipped, Total: total})
				return nil
			}
		}
	}

	e.log.Info("job finished",
		zap.String("job_id", job.JobID),
		zap.Int("success", success),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)
	if failures == nil {
		failures = []Failure{}
	}
	emit(JobFinished{
		JobID: job.JobID,
		Success: success, Failed: failed, Skipped: skipped, Total: total,
		Failures: failures,
	})
	return nil
}

// processRecipient renders, delivers (with retries) and records one
// recipient. Any error here is terminal for the recipient only, never for
// the job.
func (e *Engine) processRecipient(ctx context.Context, job *models.Job, recipient models.Recipient) error {
	msg, err := e.buildMessage(job, recipient)
	if err != nil {
		return err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	deliver := func() error {
		return e.deliverWithRetry(msg, job.Options.RetryCount)
	}
	if e.sessionPerJob {
		err = deliver()
		if err != nil {
			// The shared session may have aborted mid-transaction; without a
			// reset the next recipient's MAIL FROM hits a 503 on strict
			// servers.
			e.transport.Reset()
		}
	} else {
		// Fresh session per recipient: avoids idle-timeout reconnect
		// penalties caused by servers silently dropping connections during
		// the inter-message delay.
		err = func() error {
			if err := e.transport.Open(); err != nil {
				return err
			}
			defer e.transport.Close()
			return deliver()
		}()
	}
	if err != nil {
		return err
	}

	return e.store.Append(recipient.Email, recipient.Name, job.JobID)
}

// deliverWithRetry attempts delivery up to max(retryCount, 1) times. Between
// attempts the connection is reset and a fixed pause observed; the last
// failure's error is the one surfaced. Every send error is treated as
// retryable, including permanent rejections.
func (e *Engine) deliverWithRetry(msg *smtpx.Message, retryCount int) error {
	retries := max(retryCount, 1)
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retryPause), uint64(retries-1))
	return backoff.RetryNotify(
		func() error { return e.transport.Send(msg) },
		policy,
		func(err error, _ time.Duration) {
			// Reset before the next attempt so we don't burn the full I/O
			// timeout discovering a broken socket.
			e.log.Warn("send attempt failed, resetting connection", zap.Error(err))
			e.transport.Reset()
		},
	)
}

func (e *Engine) buildMessage(job *models.Job, recipient models.Recipient) (*smtpx.Message, error) {
	sendDate := render.FormatSendDate(e.now())
	signatureName := job.Sender.SignatureName()
	normalizedBody := render.NormalizeSignature(job.Template.BodyText)

	vars := map[string]string{
		"name":            recipient.Name,
		"email":           recipient.Email,
		"recipient_name":  recipient.Name,
		"recipient_email": recipient.Email,
		"sender_name":     signatureName,
		"sender_email":    job.Sender.Email,
		"signature_name":  signatureName,
		"send_date":       sendDate,
	}

	subject, err := render.Text(job.Template.Subject, vars)
	if err != nil {
		return nil, err
	}
	bodyText, err := render.Text(normalizedBody, vars)
	if err != nil {
		return nil, err
	}
	bodyHTML, err := render.HTML(normalizedBody, job.Template.BodyHTML, vars, signatureName, sendDate)
	if err != nil {
		return nil, err
	}

	return smtpx.Build(job.Sender, recipient.Email, subject, bodyText, bodyHTML, job.Attachments), nil
}

// pickDelay draws a uniform random integer from the inclusive delay range.
// Negative bounds collapse to zero; an inverted range is swapped.
func (e *Engine) pickDelay(minDelaySec, maxDelaySec int) int {
	if minDelaySec < 0 || maxDelaySec < 0 {
		return 0
	}
	if maxDelaySec < minDelaySec {
		minDelaySec, maxDelaySec = maxDelaySec, minDelaySec
	}
	return minDelaySec + e.rng.Intn(maxDelaySec-minDelaySec+1)
}

func (e *Engine) logCancelled(jobID string, success, failed, skipped int) {
	e.log.Info("job cancelled",
		zap.String("job_id", jobID),
		zap.Int("success", success),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)
}

func validateAttachments(attachments []string) error {
	for _, path := range attachments {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return fmt.Errorf("attachment not found: %s", path)
		}
	}
	return nil
}

// sleepWithContext waits out d in one slice, returning true if ctx was
// cancelled first. The engine calls it with 1-second slices so cancellation
// latency stays capped at one second even during multi-minute waits.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
