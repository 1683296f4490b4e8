package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
	"github.com/MdHelalUddinBiswas/langchain-rag/pkg/natsutil"
)

const (
	// IngestSubject is the NATS subject for incoming ingestion jobs.
	IngestSubject = "pdf.ingest"
	// DoneSubject receives one Result per job that reached a final outcome.
	DoneSubject = "pdf.ingest.done"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "pdf.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
)

// Job asks the worker to ingest one PDF, either inline or from a path
// relative to the worker's base directory.
type Job struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source,omitempty"`
	Path   string `json:"path,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// NewJob creates an inline job with a fresh id.
func NewJob(source string, data []byte) Job {
	return Job{ID: uuid.NewString(), Source: source, Data: data}
}

// Result is published on DoneSubject.
type Result struct {
	JobID  string `json:"job_id"`
	Report Report `json:"report"`
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Consumer runs ingestion jobs received over NATS with retry and DLQ support.
type Consumer struct {
	pipeline *Pipeline
	pub      natsutil.Publisher
	baseDir  string
	log      *slog.Logger
}

// NewConsumer creates a Consumer. Path jobs are resolved under baseDir.
func NewConsumer(p *Pipeline, pub natsutil.Publisher, baseDir string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{pipeline: p, pub: pub, baseDir: baseDir, log: logger}
}

// Start subscribes the consumer to IngestSubject.
func (c *Consumer) Start(nc *nats.Conn) (*nats.Subscription, error) {
	return natsutil.SubscribeMsg(nc, IngestSubject, func(ctx context.Context, job Job, msg *nats.Msg) {
		c.Handle(ctx, job, natsutil.RetryCount(msg))
		// Ack if JetStream.
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}

// Handle processes one delivery of job. retries is the number of earlier
// failed deliveries. Invalid input is never retried.
func (c *Consumer) Handle(ctx context.Context, job Job, retries int) {
	up, err := c.load(job)
	var rep Report
	if err != nil {
		rep = Report{Source: job.Source, State: StateFailed, FailedIn: StateReceived, Err: err, Error: err.Error()}
	} else {
		rep, err = c.pipeline.Ingest(ctx, up)
	}

	if err == nil {
		c.log.InfoContext(ctx, "ingest: job done", "job_id", job.ID, "source", rep.Source, "chunks", rep.Chunks)
		c.publish(ctx, DoneSubject, Result{JobID: job.ID, Report: rep}, nil)
		return
	}

	retries++
	c.log.ErrorContext(ctx, "ingest: job failed", "job_id", job.ID, "source", rep.Source, "retry", retries, "err", err)

	if domain.IsInvalidInput(err) || retries >= MaxRetries {
		c.publish(ctx, DLQSubject, dlqMessage{Job: job, Error: err.Error(), Retries: retries}, nil)
		c.publish(ctx, DoneSubject, Result{JobID: job.ID, Report: rep}, nil)
		return
	}
	c.publish(ctx, IngestSubject, job, natsutil.RetryHeaderValue(retries))
}

func (c *Consumer) publish(ctx context.Context, subject string, v any, hdr nats.Header) {
	if err := c.pub.Publish(ctx, subject, v, hdr); err != nil {
		c.log.ErrorContext(ctx, "ingest: publish failed", "subject", subject, "err", err)
	}
}

// load materializes the job's upload. Paths cannot escape baseDir.
func (c *Consumer) load(job Job) (Upload, error) {
	if job.Path == "" {
		return Upload{Source: job.Source, Data: job.Data}, nil
	}
	rel := path.Clean("/" + filepath.ToSlash(job.Path))
	full := filepath.Join(c.baseDir, filepath.FromSlash(rel))
	data, err := os.ReadFile(full)
	if err != nil {
		return Upload{}, fmt.Errorf("ingest: read %s: %w: %w", job.Path, domain.ErrMissingFile, err)
	}
	source := job.Source
	if source == "" {
		source = path.Base(rel)
	}
	return Upload{Source: source, Data: data}, nil
}
