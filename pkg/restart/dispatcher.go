package restart

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/config"
	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
)

type Classification string

const (
	ClassificationOK              Classification = "ok"
	ClassificationNonZeroExit     Classification = "nonzero-exit"
	ClassificationTimedOut        Classification = "timed-out"
	ClassificationUnavailable     Classification = "unavailable"
	ClassificationUnexpectedFault Classification = "unexpected-fault"
)

// Outcome is the result of one restart attempt.
type Outcome struct {
	ServiceID      string         `json:"service_id"`
	Requested      string         `json:"requested,omitempty"`
	Success        bool           `json:"success"`
	Classification Classification `json:"classification"`
	Message        string         `json:"message,omitempty"`
	Duration       time.Duration  `json:"duration_ns"`
}

// Result holds every outcome of a batch in dispatch order.
type Result struct {
	Outcomes []Outcome `json:"outcomes"`
	Success  bool      `json:"success"`
}

func (r Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	return failed
}

// Dispatcher invokes the Controller once per service. A failing or hung
// call never keeps later services from being attempted.
type Dispatcher struct {
	cfg        *config.ControlConfig
	controller Controller
	options    config.RestartOptions
	logger     logging.Logger
}

func NewDispatcher(cfg *config.ControlConfig, controller Controller, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		controller: controller,
		options:    cfg.Restart,
		logger:     logger,
	}
}

type target struct {
	requested string
	id        string
	known     bool
}

// Dispatch restarts ids in order. Aliases are resolved first and a service
// named twice is restarted once. Success is true iff every attempt succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, ids []string) Result {
	targets := d.resolve(ids)
	outcomes := make([]Outcome, len(targets))
	if len(targets) == 0 {
		return Result{Outcomes: outcomes, Success: true}
	}

	batchCtx, cancel := context.WithTimeout(ctx, d.options.BatchTimeout)
	defer cancel()

	d.logger.Infof("Dispatching restarts, services: %d, max_concurrency: %d", len(targets), d.options.MaxConcurrency)

	sem := make(chan struct{}, d.concurrency())
	var wg sync.WaitGroup
	for i, t := range targets {
		if !t.known {
			outcomes[i] = Outcome{
				ServiceID:      t.id,
				Requested:      t.requested,
				Classification: ClassificationUnavailable,
				Message:        fmt.Sprintf("unknown service: %s", t.requested),
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-batchCtx.Done():
			outcomes[i] = Outcome{
				ServiceID:      t.id,
				Requested:      t.requested,
				Classification: ClassificationTimedOut,
				Message:        "restart batch deadline exceeded before dispatch",
			}
			continue
		}

		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = d.call(batchCtx, t)
		}(i, t)
	}
	wg.Wait()

	result := Result{Outcomes: outcomes, Success: true}
	for _, o := range outcomes {
		if !o.Success {
			result.Success = false
			break
		}
	}

	if result.Success {
		d.logger.Infof("Restarts completed, services: %d", len(outcomes))
	} else {
		d.logger.Warnf("Restarts partially failed, failed: %d, total: %d", len(result.Failed()), len(outcomes))
	}
	return result
}

// RestartOne dispatches a single service.
func (d *Dispatcher) RestartOne(ctx context.Context, id string) Outcome {
	return d.Dispatch(ctx, []string{id}).Outcomes[0]
}

func (d *Dispatcher) resolve(ids []string) []target {
	seen := make(map[string]bool)
	var targets []target
	for _, requested := range ids {
		svc, ok := d.cfg.ResolveService(requested)
		if !ok {
			targets = append(targets, target{requested: requested, id: requested})
			continue
		}
		if seen[svc.ID] {
			continue
		}
		seen[svc.ID] = true
		targets = append(targets, target{requested: requested, id: svc.ID, known: true})
	}
	return targets
}

func (d *Dispatcher) concurrency() int {
	if d.options.MaxConcurrency < 1 {
		return 1
	}
	return d.options.MaxConcurrency
}

type callResult struct {
	message string
	err     error
}

func (d *Dispatcher) call(ctx context.Context, t target) Outcome {
	callCtx, cancel := context.WithTimeout(ctx, d.options.CallTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: errors.NewInternalError(fmt.Sprintf("restart panicked: %v", r), nil)}
			}
		}()
		message, err := d.controller.Restart(callCtx, t.id)
		done <- callResult{message: message, err: err}
	}()

	outcome := Outcome{ServiceID: t.id}
	if t.requested != t.id {
		outcome.Requested = t.requested
	}

	select {
	case r := <-done:
		outcome.Classification = Classify(r.err)
		outcome.Message = d.message(r)
	case <-callCtx.Done():
		outcome.Classification = ClassificationTimedOut
		switch {
		case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome.Message = fmt.Sprintf("restart abandoned at the batch deadline of %v", d.options.BatchTimeout)
		case ctx.Err() != nil:
			outcome.Message = "restart abandoned, request cancelled"
		default:
			outcome.Message = fmt.Sprintf("restart did not return within %v", d.options.CallTimeout)
		}
	}
	outcome.Success = outcome.Classification == ClassificationOK
	outcome.Duration = time.Since(start)

	d.logger.Debugf("Restart attempted, id: %s, classification: %s, duration: %v, message: %s",
		t.id, outcome.Classification, outcome.Duration, outcome.Message)
	return outcome
}

func (d *Dispatcher) message(r callResult) string {
	if r.message != "" {
		return Truncate(r.message, d.options.MaxMessageBytes)
	}
	if r.err != nil {
		return Truncate(r.err.Error(), d.options.MaxMessageBytes)
	}
	return ""
}

// Classify maps a Controller error onto the outcome taxonomy.
func Classify(err error) Classification {
	if err == nil {
		return ClassificationOK
	}
	switch errors.TypeOf(err) {
	case errors.ErrorTypeNonZeroExit:
		return ClassificationNonZeroExit
	case errors.ErrorTypeTimeout:
		return ClassificationTimedOut
	case errors.ErrorTypeUnavailable:
		return ClassificationUnavailable
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassificationTimedOut
	}
	return ClassificationUnexpectedFault
}
