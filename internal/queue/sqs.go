// Package queue carries comparison jobs that run outside the request that
// submitted them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/google/uuid"
)

type AsyncRequest struct {
	ID        string         `json:"id"`
	Prompt    string         `json:"prompt"`
	Pairs     []string       `json:"pairs"`
	Mode      domain.Mode    `json:"mode"`
	Options   domain.Options `json:"options,omitempty"`
	Save      bool           `json:"save,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// ReceiptHandle identifies the received message for DeleteRequest.
	ReceiptHandle string `json:"-"`
}

// NewAsyncRequest assigns a job id and creation time.
func NewAsyncRequest(prompt string, pairs []string, mode domain.Mode, options domain.Options, save bool) AsyncRequest {
	return AsyncRequest{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Pairs:     pairs,
		Mode:      mode,
		Options:   options,
		Save:      save,
		CreatedAt: time.Now().UTC(),
	}
}

type AsyncResponse struct {
	RequestID string                    `json:"request_id"`
	Results   []domain.GenerationResult `json:"results,omitempty"`
	// SavedAs is the timestamp key of the stored comparison, if saved.
	SavedAs   string    `json:"saved_as,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Queue interface {
	SendRequest(ctx context.Context, req AsyncRequest) error
	ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error)
	DeleteRequest(ctx context.Context, receiptHandle string) error
	SendResponse(ctx context.Context, resp AsyncResponse) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client           sqsAPI
	requestQueueURL  string
	responseQueueURL string
	waitSeconds      int32
}

func NewSQSQueue(ctx context.Context, region, requestQueueURL, responseQueueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithConfig(cfg, requestQueueURL, responseQueueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, requestQueueURL, responseQueueURL string) *SQSQueue {
	return newSQSQueue(sqs.NewFromConfig(cfg), requestQueueURL, responseQueueURL)
}

func newSQSQueue(client sqsAPI, requestQueueURL, responseQueueURL string) *SQSQueue {
	return &SQSQueue{
		client:           client,
		requestQueueURL:  requestQueueURL,
		responseQueueURL: responseQueueURL,
		waitSeconds:      20,
	}
}

func (q *SQSQueue) SendRequest(ctx context.Context, req AsyncRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.requestQueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(req.ID),
			},
			"Mode": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(req.Mode)),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.requestQueueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.waitSeconds,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	requests := make([]AsyncRequest, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var req AsyncRequest
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &req); err != nil {
			slog.Warn("failed to unmarshal message", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		req.ReceiptHandle = aws.ToString(msg.ReceiptHandle)
		requests = append(requests, req)
	}

	return requests, nil
}

func (q *SQSQueue) DeleteRequest(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.requestQueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQSQueue) SendResponse(ctx context.Context, resp AsyncResponse) error {
	if q.responseQueueURL == "" {
		return nil
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.responseQueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(resp.RequestID),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// ResultFetcher is implemented by queues that hold responses for clients to
// collect. SQS responses go to the response queue instead.
type ResultFetcher interface {
	// TakeResponse returns the response for a request id and forgets it.
	TakeResponse(requestID string) (AsyncResponse, bool)
	// Pending reports whether a request was sent and has no response yet.
	Pending(requestID string) bool
}

const (
	DefaultMaxResponses = 1000
	DefaultResponseTTL  = time.Hour
)

type storedResponse struct {
	resp     AsyncResponse
	storedAt time.Time
}

// InMemoryQueue is a single-process Queue. Responses wait for TakeResponse
// until they are older than the TTL or pushed out by newer ones past the cap,
// oldest first. Received requests are gone, so DeleteRequest is a no-op.
type InMemoryQueue struct {
	mu        sync.Mutex
	requests  []AsyncRequest
	pending   map[string]struct{}
	responses map[string]storedResponse
	// order holds response ids, oldest first.
	order []string

	maxResponses int
	responseTTL  time.Duration
	now          func() time.Time
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		pending:      make(map[string]struct{}),
		responses:    make(map[string]storedResponse),
		maxResponses: DefaultMaxResponses,
		responseTTL:  DefaultResponseTTL,
		now:          time.Now,
	}
}

func (q *InMemoryQueue) SendRequest(ctx context.Context, req AsyncRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	req.ReceiptHandle = req.ID
	q.requests = append(q.requests, req)
	q.pending[req.ID] = struct{}{}
	return nil
}

func (q *InMemoryQueue) ReceiveRequests(ctx context.Context, maxMessages int) ([]AsyncRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(maxMessages, len(q.requests))

	result := make([]AsyncRequest, count)
	copy(result, q.requests[:count])
	q.requests = q.requests[count:]

	return result, nil
}

func (q *InMemoryQueue) DeleteRequest(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) SendResponse(ctx context.Context, resp AsyncResponse) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	delete(q.pending, resp.RequestID)
	if _, ok := q.responses[resp.RequestID]; ok {
		q.removeOrder(resp.RequestID)
	}
	q.responses[resp.RequestID] = storedResponse{resp: resp, storedAt: now}
	q.order = append(q.order, resp.RequestID)
	q.evict(now)
	return nil
}

func (q *InMemoryQueue) TakeResponse(requestID string) (AsyncResponse, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evict(q.now())
	stored, ok := q.responses[requestID]
	if !ok {
		return AsyncResponse{}, false
	}
	delete(q.responses, requestID)
	q.removeOrder(requestID)
	return stored.resp, true
}

func (q *InMemoryQueue) Pending(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[requestID]
	return ok
}

// Len returns the number of responses waiting to be taken.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evict(q.now())
	return len(q.responses)
}

func (q *InMemoryQueue) evict(now time.Time) {
	for len(q.order) > 0 {
		oldest := q.order[0]
		stored := q.responses[oldest]
		if len(q.order) <= q.maxResponses && now.Sub(stored.storedAt) < q.responseTTL {
			return
		}
		delete(q.responses, oldest)
		q.order = q.order[1:]
	}
}

func (q *InMemoryQueue) removeOrder(requestID string) {
	if i := slices.Index(q.order, requestID); i >= 0 {
		q.order = slices.Delete(q.order, i, i+1)
	}
}
