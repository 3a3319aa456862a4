// Package notifications delivers user-facing notices through SQS. The core
// treats the sink as fire-and-forget: a failed publish is logged by the
// caller and never blocks reconciliation.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"tiergate/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NoticePublisher implements types.NoticeSink over an SQS queue. Rendering
// and delivery to the user are downstream consumers' concerns; the publisher
// only serializes and enqueues.
type NoticePublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

// NewNoticePublisher creates a publisher targeting the notice SQS queue.
func NewNoticePublisher(client SQSSender, queueURL string, logger types.Logger) *NoticePublisher {
	return &NoticePublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish serializes the notice to JSON and sends it to the queue. The
// notice type rides along as a message attribute so consumers can filter
// without deserializing the body.
func (p *NoticePublisher) Publish(ctx context.Context, notice types.Notice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("notice publisher: failed to marshal notice: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"notice_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notice.Type)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("notice publisher: failed to send message to %s: %w", p.queueURL, err)
	}

	p.logger.Info("notice published",
		"notice_id", notice.ID,
		"user_id", notice.UserID,
		"type", string(notice.Type),
	)

	return nil
}
