package store

import (
	"context"
	"errors"
	"time"

	"vrptwc/internal/config"
	"vrptwc/internal/model"
)

// Store is the persistence interface used by the API server.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, in model.Instance) (model.Instance, error)
	GetInstance(ctx context.Context, tenantID, id string) (model.Instance, error)
	ListInstances(ctx context.Context, tenantID, cursor string, limit int) ([]model.Instance, string, error)

	// Runs
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	GetRun(ctx context.Context, tenantID, id string) (model.Run, error)
	ListRuns(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Run, string, error)
	StartRun(ctx context.Context, tenantID, id string) error
	FinishRun(ctx context.Context, tenantID, id string, fin model.RunFinish) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Delivery, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error

	// Dead-letter queue
	ListWebhookDLQ(ctx context.Context, tenantID, eventType, cursor string, limit int) ([]model.DeadLetter, string, error)
	RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error

	// Solver config per tenant
	GetSolverConfig(ctx context.Context, tenantID string) (*config.Solver, error)
	SaveSolverConfig(ctx context.Context, tenantID string, cfg config.Solver) error
}

var ErrNotFound = errors.New("not found")
