package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	ingest "github.com/mohammed-shakir/fits-cutout-cache/pkg/ingest/kafka"
)

func newProducer(brokers []string) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Timeout = 5 * time.Second
	p, err := sarama.NewSyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return p, nil
}

// publish sends ev keyed by its image path so updates to one file stay ordered.
func publish(p sarama.SyncProducer, topic string, ev ingest.Event) (int32, int64, error) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return 0, 0, err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(b)}
	if ev.Path != "" {
		msg.Key = sarama.StringEncoder(ev.Path)
	}
	part, off, err := p.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("kafka send: %w", err)
	}
	return part, off, nil
}

// countMetadataKeys reports how many image metadata entries the server keeps in
// Redis under prefix.
func countMetadataKeys(ctx context.Context, addr, prefix string) (int, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 2 * time.Second})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("redis ping: %w", err)
	}
	n := 0
	iter := client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}
