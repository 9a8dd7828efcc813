package api

import (
	"errors"
	"fmt"
	"net/url"

	"vrptwc/internal/model"
)

// maxRuns bounds the seeds of one multi-seed solve request.
const maxRuns = 32

var knownEvents = map[string]struct{}{
	model.EventRunCompleted: {},
	model.EventRunFailed:    {},
}

func validateSolveRequest(req *model.SolveRequest) error {
	hasID, hasDoc := req.InstanceID != "", len(req.Instance) > 0
	if hasID == hasDoc {
		return errors.New("exactly one of instanceId and instance is required")
	}
	if req.Runs < 0 || req.Runs > maxRuns {
		return fmt.Errorf("runs must be in [0,%d]", maxRuns)
	}
	o := req.Params
	if o.Alpha != nil && *o.Alpha < 0 {
		return errors.New("alpha must be >= 0")
	}
	if o.Beta != nil && *o.Beta < 0 {
		return errors.New("beta must be >= 0")
	}
	return nil
}

func validateSubscription(req *model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL: %q", req.URL)
	}
	if len(req.Events) == 0 {
		return errors.New("events must not be empty")
	}
	for _, e := range req.Events {
		if _, ok := knownEvents[e]; !ok {
			return fmt.Errorf("unknown event type: %s (allowed: %s, %s)", e, model.EventRunCompleted, model.EventRunFailed)
		}
	}
	return nil
}
