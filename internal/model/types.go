package model

import (
	"encoding/json"
	"time"

	"vrptwc/internal/config"
	"vrptwc/internal/instance"
	"vrptwc/internal/opt"
)

// Instance is a stored problem document.
type Instance struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Name      string          `json:"name"`
	Clients   int             `json:"clients"`
	Capacity  float64         `json:"capacity"`
	Pairs     int             `json:"pairs"`
	Document  json.RawMessage `json:"document,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// InstanceRequest registers an instance. Document uses the customer_<id> JSON format.
type InstanceRequest struct {
	TenantID string          `json:"tenantId,omitempty"`
	Name     string          `json:"name,omitempty"`
	Document json.RawMessage `json:"document"`
}

// SolveRequest starts a run on a stored or inline instance.
type SolveRequest struct {
	TenantID   string           `json:"tenantId,omitempty"`
	InstanceID string           `json:"instanceId,omitempty"`
	Instance   json.RawMessage  `json:"instance,omitempty"`
	Params     config.Overrides `json:"params"`
	// Runs > 1 solves with independent seeds and keeps the best.
	Runs int `json:"runs,omitempty"`
}

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one solve request and, once finished, its result.
type Run struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenantId"`
	InstanceID string        `json:"instanceId"`
	Status     string        `json:"status"`
	Params     config.Solver `json:"params"`
	Runs       int           `json:"runs"`
	Error      string        `json:"error,omitempty"`
	Result     *RunResult    `json:"result,omitempty"`
	Metrics    *opt.Metrics  `json:"metrics,omitempty"`
	Summary    *opt.Summary  `json:"summary,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// RunResult is the best solution of a completed run.
type RunResult struct {
	Routes   [][]int         `json:"routes"`
	Report   instance.Report `json:"report"`
	Complete bool            `json:"complete"`
}

// RunFinish carries the terminal state written by FinishRun.
type RunFinish struct {
	Status  string
	Error   string
	Result  *RunResult
	Metrics *opt.Metrics
	Summary *opt.Summary
}

// SubscriptionRequest registers a webhook endpoint.
type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// Webhook event types.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// Delivery is the admin view of a queued webhook delivery.
type Delivery struct {
	ID           string     `json:"id"`
	EventType    string     `json:"eventType"`
	URL          string     `json:"url"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"lastError,omitempty"`
	ResponseCode int        `json:"responseCode,omitempty"`
	LatencyMs    int        `json:"latencyMs,omitempty"`
	NextAttempt  time.Time  `json:"nextAttemptAt"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
}

// DeadLetter is a delivery that exhausted its attempts.
type DeadLetter struct {
	ID           string    `json:"id"`
	DeliveryID   string    `json:"deliveryId"`
	EventType    string    `json:"eventType"`
	URL          string    `json:"url"`
	LastError    string    `json:"lastError,omitempty"`
	Attempts     int       `json:"attempts"`
	ResponseCode int       `json:"responseCode,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
