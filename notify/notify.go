// Package notify announces finalized uploads to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/bitrise-io/go-blobrelay/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Completion describes a finalized upload.
type Completion struct {
	Handle      transfer.Handle `json:"handle"`
	Path        string          `json:"path"`
	Size        int64           `json:"size"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Notifier ...
type Notifier interface {
	NotifyComplete(ctx context.Context, c Completion) error
}

// SendMessageAPI is the subset of the SQS client the notifier uses.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier sends one message per completion to an SQS queue.
// FIFO queues (".fifo" suffix) get the handle as message group and deduplication id.
type SQSNotifier struct {
	client   SendMessageAPI
	queueURL string
	logger   log.Logger
}

// NewSQSNotifier ...
func NewSQSNotifier(client SendMessageAPI, queueURL string, logger log.Logger) *SQSNotifier {
	return &SQSNotifier{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// NotifyComplete ...
func (n *SQSNotifier) NotifyComplete(ctx context.Context, c Completion) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if isFIFO(n.queueURL) {
		input.MessageGroupId = aws.String(string(c.Handle))
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("dedup-%s", c.Handle))
	}

	res, err := n.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	n.logger.Debugf("Completion of %s sent, message ID: %s", c.Path, aws.ToString(res.MessageId))
	return nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
