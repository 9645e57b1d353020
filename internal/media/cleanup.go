package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DeletionStream is the Valkey stream carrying DeletionJob payloads.
const DeletionStream = "vitrine.jobs.deletions"

const (
	consumerGroup = "vitrine-workers"
	readBlock     = 5 * time.Second
)

// DeletionJob describes a remote object that is no longer referenced and should be removed from storage.
type DeletionJob struct {
	URL    string `json:"url"`
	Bucket string `json:"bucket"`
	Reason string `json:"reason,omitempty"`
}

// ObjectDeleter removes stored objects by public URL. Satisfied by *Bucket.
type ObjectDeleter interface {
	Delete(ctx context.Context, rawURL, bucket string) error
}

// DeletionWorker consumes deletion jobs from a Valkey stream. Replaced and removed images are deleted here so request
// handlers never wait on storage.
type DeletionWorker struct {
	rdb     *redis.Client
	deleter ObjectDeleter
	log     zerolog.Logger
}

// NewDeletionWorker creates a worker that processes deletion jobs.
func NewDeletionWorker(rdb *redis.Client, deleter ObjectDeleter, logger zerolog.Logger) *DeletionWorker {
	return &DeletionWorker{
		rdb:     rdb,
		deleter: deleter,
		log:     logger.With().Str("component", "deletion_worker").Logger(),
	}
}

// EnsureStream creates the consumer group for the deletion stream, ignoring errors if the group already exists.
func (w *DeletionWorker) EnsureStream(ctx context.Context) {
	err := w.rdb.XGroupCreateMkStream(ctx, DeletionStream, consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		w.log.Warn().Err(err).Msg("Failed to create deletion consumer group")
	}
}

// Run reads and processes deletion jobs until the context is cancelled. Each job failure is logged but does not stop
// the worker.
func (w *DeletionWorker) Run(ctx context.Context) error {
	consumerName := "worker-" + uuid.New().String()[:8]

	for {
		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{DeletionStream, ">"},
			Count:    10,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.processJob(ctx, msg)
			}
		}
	}
}

func (w *DeletionWorker) processJob(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values["job"].(string)
	if !ok {
		w.log.Warn().Str("message_id", msg.ID).Msg("Deletion job missing 'job' field")
		w.ack(ctx, msg.ID)
		return
	}

	var job DeletionJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to unmarshal deletion job")
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.deleter.Delete(ctx, job.URL, job.Bucket); err != nil {
		w.log.Warn().Err(err).Str("url", job.URL).Str("bucket", job.Bucket).Msg("Object deletion failed")
	} else {
		w.log.Debug().Str("url", job.URL).Str("reason", job.Reason).Msg("Object deleted")
	}
	w.ack(ctx, msg.ID)
}

func (w *DeletionWorker) ack(ctx context.Context, messageID string) {
	if err := w.rdb.XAck(ctx, DeletionStream, consumerGroup, messageID).Err(); err != nil {
		w.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to ACK deletion job")
	}
}

// EnqueueDeletion adds a deletion job to the stream.
func EnqueueDeletion(ctx context.Context, rdb *redis.Client, job DeletionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal deletion job: %w", err)
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeletionStream,
		Values: map[string]any{"job": string(data)},
	}).Err()
}
