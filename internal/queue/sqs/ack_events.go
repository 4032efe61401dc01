package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// AckEvent is the internal envelope for delivery acknowledgements posted
// by the messaging backend. Keep it small; SQS caps messages at 256KB.
type AckEvent struct {
	Session    string    `json:"session"`
	MessageID  string    `json:"messageId"`
	Ack        string    `json:"ack"`
	ChatID     string    `json:"chatId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type AckProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *AckProducer) Enqueue(ctx context.Context, ev AckEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

func str(s string) *string { return &s }

type AckHandler func(ctx context.Context, ev AckEvent) error

type AckConsumer struct {
	SQS      *sqs.Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes ack events with a worker pool. A message is
// deleted only after its handler succeeds; handler errors leave it for
// SQS redrive. Malformed bodies are deleted outright.
func (c *AckConsumer) PollConcurrent(ctx context.Context, workers int, handler AckHandler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	deleteMsg := func(m types.Message) {
		_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &c.QueueURL,
			ReceiptHandle: m.ReceiptHandle,
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					deleteMsg(m)
					continue
				}

				var ev AckEvent
				if err := json.Unmarshal([]byte(*m.Body), &ev); err != nil {
					// poison message, keep it out of the redrive loop
					deleteMsg(m)
					continue
				}

				if err := handler(ctx, ev); err == nil {
					deleteMsg(m)
				} else {
					slog.Error("sqs ack handler error", "err", err, "session", ev.Session, "ack", ev.Ack, "message_id", ev.MessageID)
				}
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				slog.Error("sqs receive ack message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// Workers drain whatever the producer already handed out.
	wg.Wait()
	return err
}
