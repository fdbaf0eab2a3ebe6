package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// createTopicIfNotExists issues a CreateTopics request and treats
// TOPIC_ALREADY_EXISTS (error code 36) as success, so every process can
// ensure the topic at startup without coordination.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	switch {
	case topic == "":
		return fmt.Errorf("topic name is required")
	case partitions < 1:
		return fmt.Errorf("partitions must be at least 1, got %d", partitions)
	case replicationFactor < 1:
		return fmt.Errorf("replication factor must be at least 1, got %d", replicationFactor)
	}

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, tr := range createResp.Topics {
		switch tr.ErrorCode {
		case 0:
			slog.Info("topic created",
				slog.String("topic", tr.Topic),
				slog.Int("partitions", int(partitions)),
				slog.Int("replication_factor", int(replicationFactor)))
		case 36:
			slog.Info("topic already exists", slog.String("topic", tr.Topic))
		default:
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
	}
	return nil
}
