// Package worker hosts the line-JSON control protocol: it reads commands
// from a host process, runs at most one send job at a time on a dedicated
// goroutine and relays the job's event stream back as JSON lines.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bulksend/internal/config"
	"bulksend/internal/engine"
	"bulksend/internal/metrics"
	"bulksend/internal/models"
	"bulksend/internal/recipients"
	"bulksend/internal/sentstore"
	"bulksend/internal/smtpx"
)

// transport is what a job needs from the SMTP layer; *smtpx.Client is the
// production implementation, tests substitute fakes.
type transport interface {
	engine.Transport
	TestConnection() error
}

// Worker owns the single-job lifecycle: no job running → job running (holds
// the cancellation handle) → no job running. A second start while one is
// active is rejected.
type Worker struct {
	writer *Writer
	log    *zap.Logger
	cfg    *config.Config

	newTransport func(cfg models.SMTPConfig) transport
	engineOpts   []engine.Option

	// mu guards the job-lifecycle fields: the command loop writes them while
	// the signal goroutine may be in Shutdown.
	mu        sync.Mutex
	jobCancel context.CancelFunc
	jobDone   chan struct{}
}

func New(out io.Writer, log *zap.Logger, cfg *config.Config) *Worker {
	w := &Worker{
		writer: NewWriter(out),
		log:    log,
		cfg:    cfg,
	}
	w.newTransport = func(smtpCfg models.SMTPConfig) transport {
		return smtpx.NewClient(smtpCfg, log, smtpx.WithGreylistPause(cfg.GreylistPause()))
	}
	return w
}

// Run reads commands line by line until EOF, then waits for any in-flight
// job so every event is flushed before returning.
func (w *Worker) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			w.writer.WriteError(fmt.Sprintf("invalid JSON: %v", err))
			continue
		}
		w.Handle(cmd)
	}

	w.mu.Lock()
	done := w.jobDone
	w.mu.Unlock()
	if done != nil {
		<-done
	}
	return scanner.Err()
}

// Handle dispatches a single command.
func (w *Worker) Handle(cmd Command) {
	switch strings.TrimSpace(cmd.Type) {
	case "load_recipients":
		w.handleLoadRecipients(cmd.Payload)
	case "test_smtp":
		w.handleTestSMTP(cmd.Payload)
	case "start_send":
		w.handleStartSend(cmd.Payload)
	case "cancel":
		w.handleCancel()
	default:
		w.writer.WriteError(fmt.Sprintf("unknown message type: %s", cmd.Type))
	}
}

// Shutdown cancels any running job and waits for it to drain.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	cancel, done := w.jobCancel, w.jobDone
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Worker) jobRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobRunningLocked()
}

func (w *Worker) jobRunningLocked() bool {
	if w.jobDone == nil {
		return false
	}
	select {
	case <-w.jobDone:
		return false
	default:
		return true
	}
}

func (w *Worker) handleLoadRecipients(payload json.RawMessage) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || strings.TrimSpace(req.Path) == "" {
		w.writer.WriteError("missing recipient file path")
		return
	}

	result, err := recipients.Load(req.Path, false)
	if err != nil {
		w.writer.WriteError(err.Error())
		return
	}

	preview := result.Recipients
	if len(preview) > 20 {
		preview = preview[:20]
	}
	w.writer.WriteLine(map[string]any{
		"type":               "recipients_loaded",
		"stats":              result.Stats,
		"recipients_preview": preview,
	})
}

func (w *Worker) handleTestSMTP(payload json.RawMessage) {
	var req smtpPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		w.writer.WriteError(fmt.Sprintf("invalid test_smtp payload: %v", err))
		return
	}
	cfg, err := w.resolveSMTP(req)
	if err != nil {
		w.writer.WriteError(err.Error())
		return
	}
	if err := w.newTransport(cfg).TestConnection(); err != nil {
		w.writer.WriteError(err.Error())
		return
	}
	w.writer.WriteLine(map[string]any{"type": "smtp_test_succeeded"})
}

func (w *Worker) handleStartSend(payload json.RawMessage) {
	if w.jobRunning() {
		w.writer.WriteError("another job is running")
		return
	}

	job, err := w.buildJob(payload)
	if err != nil {
		w.writer.WriteError(err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.mu.Lock()
	w.jobCancel = cancel
	w.jobDone = done
	w.mu.Unlock()

	// Acknowledge before the job goroutine can emit its first event.
	w.writer.WriteLine(map[string]any{"type": "job_accepted", "job_id": job.JobID})

	go func() {
		defer close(done)
		defer cancel()
		w.runJob(ctx, job)
	}()
}

func (w *Worker) handleCancel() {
	w.mu.Lock()
	running := w.jobRunningLocked()
	cancel := w.jobCancel
	w.mu.Unlock()
	if !running {
		w.writer.WriteError("no active job")
		return
	}
	cancel()
	w.writer.WriteLine(map[string]any{"type": "cancel_requested"})
}

func (w *Worker) runJob(ctx context.Context, job *models.Job) {
	store, err := sentstore.Open(job.SentStoreFile, job.SentStoreTextFile, w.log)
	if err != nil {
		w.writer.WriteJobError(job.JobID, err.Error())
		return
	}
	if err := store.BeginBatch(); err != nil {
		w.writer.WriteJobError(job.JobID, err.Error())
		return
	}
	defer store.EndBatch()

	opts := append([]engine.Option{engine.WithLogger(w.log)}, w.engineOpts...)
	if w.cfg.RateLimit > 0 {
		opts = append(opts, engine.WithRateLimit(
			rate.NewLimiter(rate.Limit(w.cfg.RateLimit), w.cfg.RateLimit),
		))
	}
	eng := engine.New(w.newTransport(job.SMTP), store, opts...)

	metrics.JobsStarted.Inc()
	err = eng.Send(ctx, job, func(ev engine.Event) {
		w.countEvent(ev)
		w.writer.WriteEvent(ev)
	})
	if err != nil {
		w.log.Error("job aborted", zap.String("job_id", job.JobID), zap.Error(err))
		w.writer.WriteJobError(job.JobID, err.Error())
	}
}

func (w *Worker) countEvent(ev engine.Event) {
	switch ev.(type) {
	case engine.RecipientSent:
		metrics.EmailsSent.Inc()
	case engine.RecipientFailed:
		metrics.EmailFailures.Inc()
	case engine.RecipientSkipped:
		metrics.EmailsSkipped.Inc()
	}
}

// -- payload resolution ------------------------------------------------------

type smtpPayload struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	UseSSL      *bool  `json:"use_ssl"`
	UseStartTLS bool   `json:"use_starttls"`
	TimeoutSec  int    `json:"timeout_sec"`
}

type optionsPayload struct {
	MinDelaySec    int   `json:"min_delay_sec"`
	MaxDelaySec    int   `json:"max_delay_sec"`
	RandomizeOrder bool  `json:"randomize_order"`
	RetryCount     *int  `json:"retry_count"`
	SkipSent       *bool `json:"skip_sent"`
}

type startSendPayload struct {
	JobID  string `json:"job_id"`
	Sender struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"sender"`
	SMTP           smtpPayload        `json:"smtp"`
	Template       models.Template    `json:"template"`
	Recipients     []models.Recipient `json:"recipients"`
	RecipientsFile string             `json:"recipients_file"`
	Attachments    []string           `json:"attachments"`
	Options        optionsPayload     `json:"options"`
	Paths          struct {
		SentStoreFile     string `json:"sent_store_file"`
		SentStoreTextFile string `json:"sent_store_text_file"`
	} `json:"paths"`
}

func (w *Worker) resolveSMTP(p smtpPayload) (models.SMTPConfig, error) {
	cfg := models.SMTPConfig{
		Host:        strings.TrimSpace(p.Host),
		Port:        p.Port,
		Username:    p.Username,
		Password:    p.Password,
		UseSSL:      true,
		UseStartTLS: p.UseStartTLS,
		Timeout:     w.cfg.SMTPTimeout(),
	}
	if p.UseSSL != nil {
		cfg.UseSSL = *p.UseSSL
	}
	if cfg.Port == 0 {
		cfg.Port = w.cfg.SMTPPort
	}
	if p.TimeoutSec > 0 {
		cfg.Timeout = time.Duration(p.TimeoutSec) * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return models.SMTPConfig{}, err
	}
	return cfg, nil
}

func (w *Worker) buildJob(payload json.RawMessage) (*models.Job, error) {
	var p startSendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid start_send payload: %v", err)
	}

	smtpCfg, err := w.resolveSMTP(p.SMTP)
	if err != nil {
		return nil, err
	}

	senderEmail := strings.TrimSpace(p.Sender.Email)
	if senderEmail == "" {
		senderEmail = strings.TrimSpace(p.SMTP.Username)
	}
	if senderEmail == "" {
		return nil, fmt.Errorf("sender email must not be empty")
	}
	if !models.EmailPattern.MatchString(senderEmail) {
		return nil, fmt.Errorf("sender email format invalid: %q", senderEmail)
	}

	list, err := w.resolveRecipients(p)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("recipient list must not be empty")
	}

	options := models.SendOptions{
		MinDelaySec:    p.Options.MinDelaySec,
		MaxDelaySec:    p.Options.MaxDelaySec,
		RandomizeOrder: p.Options.RandomizeOrder,
		RetryCount:     w.cfg.RetryAttempts,
		SkipSent:       true,
	}
	if p.Options.RetryCount != nil {
		options.RetryCount = *p.Options.RetryCount
	}
	if p.Options.SkipSent != nil {
		options.SkipSent = *p.Options.SkipSent
	}
	if options.MinDelaySec < 0 || options.MaxDelaySec < 0 {
		return nil, fmt.Errorf("delay bounds must be >= 0")
	}
	if options.RetryCount < 1 {
		return nil, fmt.Errorf("retry_count must be >= 1")
	}

	jobID := strings.TrimSpace(p.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}

	storeFile := strings.TrimSpace(p.Paths.SentStoreFile)
	if storeFile == "" {
		storeFile = w.cfg.SentStoreFile
	}
	textFile := strings.TrimSpace(p.Paths.SentStoreTextFile)
	if textFile == "" {
		textFile = w.cfg.SentStoreTextFile
	}
	if textFile == "" {
		textFile = strings.TrimSuffix(storeFile, filepath.Ext(storeFile)) + ".txt"
	}

	return &models.Job{
		JobID:             jobID,
		Sender:            models.Sender{Email: senderEmail, Name: strings.TrimSpace(p.Sender.Name)},
		SMTP:              smtpCfg,
		Template:          p.Template,
		Recipients:        list,
		Attachments:       p.Attachments,
		Options:           options,
		SentStoreFile:     storeFile,
		SentStoreTextFile: textFile,
	}, nil
}

func (w *Worker) resolveRecipients(p startSendPayload) ([]models.Recipient, error) {
	if p.Recipients != nil {
		for i, r := range p.Recipients {
			if !models.EmailPattern.MatchString(strings.TrimSpace(r.Email)) {
				return nil, fmt.Errorf("recipients[%d]: invalid email: %q", i+1, r.Email)
			}
			if strings.TrimSpace(r.Name) == "" {
				return nil, fmt.Errorf("recipients[%d]: missing name", i+1)
			}
		}
		return p.Recipients, nil
	}
	if path := strings.TrimSpace(p.RecipientsFile); path != "" {
		result, err := recipients.Load(path, true)
		if err != nil {
			return nil, err
		}
		return result.Recipients, nil
	}
	return nil, fmt.Errorf("missing recipients or recipients_file")
}
