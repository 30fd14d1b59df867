package inference

import (
	"context"
	"time"

	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
)

// Pool holds several engines, each with its own copy of the model, so that
// that many images can be inferred at once. Memory use grows with the
// number of instances.
type Pool struct {
	engines []*Engine
	free    chan *Engine
}

// NewPool loads instances engines. A single instance behaves exactly like
// an Engine.
func NewPool(cfg Config, instances int, opts ...Option) (*Pool, error) {
	instances = max(instances, 1)
	p := &Pool{free: make(chan *Engine, instances)}

	for i := range instances {
		e, err := NewEngine(cfg, opts...)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.engines = append(p.engines, e)
		p.free <- e
		GetLogger().Debug("inference instance loaded", logger.Int("instance", i+1), logger.Int("instances", instances))
	}
	return p, nil
}

// Infer runs the image on the next free engine. Waiting for an engine is
// bounded by ctx.
func (p *Pool) Infer(ctx context.Context, data []byte, name string) Result {
	var e *Engine
	select {
	case e = <-p.free:
	case <-ctx.Done():
		msg := ErrMsgCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = ErrMsgTimeout
		}
		return Result{
			Detections: []detection.Detection{},
			Metadata:   map[string]string{detection.MetaError: msg},
		}
	}
	defer func() { p.free <- e }()
	return e.Infer(ctx, data, name)
}

// Info describes the loaded model
func (p *Pool) Info() ModelInfo {
	return p.engines[0].Info()
}

// Size is the number of engines
func (p *Pool) Size() int { return len(p.engines) }

// Close releases every engine
func (p *Pool) Close() error {
	var errs []error
	for _, e := range p.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcessingDuration converts Result.ProcessingTime to a time.Duration
func (r *Result) ProcessingDuration() time.Duration {
	return time.Duration(r.ProcessingTime * float64(time.Second))
}
