// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/AleutianAI/watchtower/pkg/logging"
	"github.com/AleutianAI/watchtower/services/ingester/otlp"
)

// Consumer runs the Kafka consume/decode/flush loop.
//
// Autocommit is disabled: offsets are committed only after a fully
// successful flush, which gives at-least-once delivery into the
// warehouse. A malformed message is counted and skipped; it is not a
// reason to stall the partition.
type Consumer struct {
	cfg     Config
	client  *kgo.Client
	writer  RowWriter
	buffers *Buffers
	metrics *Metrics
	log     *logging.Logger
}

// NewConsumer connects to the Kafka cluster and prepares the consume
// loop. Close the returned consumer when done.
func NewConsumer(cfg Config, writer RowWriter, metrics *Metrics, log *logging.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers()...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.LogsTopic, cfg.TracesTopic, cfg.MetricsTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Consumer{
		cfg:     cfg,
		client:  client,
		writer:  writer,
		buffers: NewBuffers(cfg.BatchSize, cfg.BatchTimeout),
		metrics: metrics,
		log:     log,
	}, nil
}

// Run consumes until ctx is cancelled, then drains the buffers
// best-effort and commits whatever was flushed.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer starting",
		"brokers", c.cfg.BootstrapServers,
		"group", c.cfg.GroupID,
		"topics", []string{c.cfg.LogsTopic, c.cfg.TracesTopic, c.cfg.MetricsTopic},
		"batch_size", c.cfg.BatchSize,
		"batch_timeout", c.cfg.BatchTimeout.String())

	for ctx.Err() == nil {
		// Bound the poll so the timeout flush fires even on a quiet bus.
		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.BatchTimeout)
		fetches := c.client.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.log.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			c.processRecord(r)
		})

		if c.buffers.ShouldFlush(time.Now()) {
			c.flushAndCommit(ctx)
		}
	}

	c.drain()
	return nil
}

// Close shuts the Kafka client down.
func (c *Consumer) Close() {
	c.client.Close()
}

func (c *Consumer) processRecord(r *kgo.Record) {
	c.metrics.MessagesConsumed.WithLabelValues(r.Topic).Inc()

	var err error
	switch r.Topic {
	case c.cfg.LogsTopic:
		rows, derr := otlp.ParseLogs(r.Value)
		if derr == nil {
			c.buffers.AddLogs(rows)
		}
		err = derr
	case c.cfg.TracesTopic:
		rows, derr := otlp.ParseTraces(r.Value)
		if derr == nil {
			c.buffers.AddTraces(rows)
		}
		err = derr
	case c.cfg.MetricsTopic:
		rows, derr := otlp.ParseMetrics(r.Value)
		if derr == nil {
			c.buffers.AddMetrics(rows)
		}
		err = derr
	default:
		c.log.Warn("record from unexpected topic", "topic", r.Topic)
		return
	}
	if err != nil {
		c.metrics.DecodeErrors.WithLabelValues(r.Topic).Inc()
		c.log.Error("decode failed, skipping message",
			"topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "error", err)
	}
}

// flushAndCommit flushes all buffers and commits offsets only on total
// success. Partial failures keep their rows buffered and leave offsets
// uncommitted so the data is re-delivered after a restart.
func (c *Consumer) flushAndCommit(ctx context.Context) {
	if err := c.buffers.Flush(ctx, c.writer, c.metrics); err != nil {
		c.log.Error("flush failed, offsets held", "error", err)
		return
	}
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.log.Error("offset commit failed", "error", err)
	}
}

// drain performs the shutdown flush with a fresh timeout, since the run
// context is already cancelled.
func (c *Consumer) drain() {
	pending := c.buffers.Pending()
	c.log.Info("draining buffers", "pending_rows", pending)
	if pending == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.flushAndCommit(ctx)
}
