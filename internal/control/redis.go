package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/session"
)

const (
	tasksKey            = "applyfleet:tasks"
	controlChannel      = "applyfleet:control"
	logsChannel         = "applyfleet:logs"
	sessionEventChannel = "applyfleet:session-events"
)

// RedisPlane implements Plane on the shared coordination store: the backlog
// is a list (DEL+RPUSH to replace, LPOP to consume FIFO) and the broadcast
// channels are Redis pub/sub, which already has the required
// current-subscribers-only, no-replay semantics.
type RedisPlane struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewRedisPlane wires a control plane against Redis.
func NewRedisPlane(rdb redis.UniversalClient, logger *zap.Logger) *RedisPlane {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPlane{rdb: rdb, logger: logger}
}

// ReplaceTasks clears the backlog and pushes the new batch in one
// transactional pipeline, so no instance can pop from a half-replaced list.
func (p *RedisPlane) ReplaceTasks(ctx context.Context, tasks []Task) error {
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, tasksKey)
	for _, t := range tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		pipe.RPush(ctx, tasksKey, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace tasks: %w", err)
	}
	return nil
}

// PopTask removes the oldest pending task. LPOP is atomic per call, which is
// the whole work-distribution mechanism: whichever instance's poll wins the
// pop owns the task.
func (p *RedisPlane) PopTask(ctx context.Context) (Task, bool, error) {
	raw, err := p.rdb.LPop(ctx, tasksKey).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("pop task: %w", err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, false, fmt.Errorf("decode task: %w", err)
	}
	return t, true, nil
}

// BroadcastStop publishes the stop signal to every listening instance.
func (p *RedisPlane) BroadcastStop(ctx context.Context) error {
	if err := p.rdb.Publish(ctx, controlChannel, StopSignal).Err(); err != nil {
		return fmt.Errorf("broadcast stop: %w", err)
	}
	return nil
}

// SubscribeStop registers for fleet-wide stop notifications.
func (p *RedisPlane) SubscribeStop(ctx context.Context) (<-chan struct{}, func(), error) {
	ps := p.rdb.Subscribe(ctx, controlChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe control channel: %w", err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			if msg.Payload != StopSignal {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	cancel := func() {
		if err := ps.Close(); err != nil {
			p.logger.Debug("close stop subscription failed", zap.Error(err))
		}
	}
	return out, cancel, nil
}

// PublishLog fans a log event out; delivery is best effort.
func (p *RedisPlane) PublishLog(ctx context.Context, evt LogEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	if err := p.rdb.Publish(ctx, logsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish log event: %w", err)
	}
	return nil
}

// SubscribeLogs streams log events published anywhere in the fleet.
func (p *RedisPlane) SubscribeLogs(ctx context.Context) (<-chan LogEvent, func(), error) {
	ps := p.rdb.Subscribe(ctx, logsChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe log channel: %w", err)
	}
	out := make(chan LogEvent, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var evt LogEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				p.logger.Debug("discard malformed log event", zap.Error(err))
				continue
			}
			select {
			case out <- evt:
			default:
			}
		}
	}()
	cancel := func() {
		if err := ps.Close(); err != nil {
			p.logger.Debug("close log subscription failed", zap.Error(err))
		}
	}
	return out, cancel, nil
}

// PublishSessionEvent forwards a session lifecycle event to the fleet.
func (p *RedisPlane) PublishSessionEvent(ctx context.Context, evt session.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	if err := p.rdb.Publish(ctx, sessionEventChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// SubscribeSessionEvents streams session lifecycle events.
func (p *RedisPlane) SubscribeSessionEvents(ctx context.Context) (<-chan session.Event, func(), error) {
	ps := p.rdb.Subscribe(ctx, sessionEventChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe session event channel: %w", err)
	}
	out := make(chan session.Event, 16)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var evt session.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				p.logger.Debug("discard malformed session event", zap.Error(err))
				continue
			}
			select {
			case out <- evt:
			default:
			}
		}
	}()
	cancel := func() {
		if err := ps.Close(); err != nil {
			p.logger.Debug("close session event subscription failed", zap.Error(err))
		}
	}
	return out, cancel, nil
}
