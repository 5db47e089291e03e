package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/csv-analyst/logging"
	"github.com/fabfab/csv-analyst/store"
)

const (
	defaultRecorderBuffer = 64
	recordTimeout         = 10 * time.Second
)

// Exchange is one question and its answer, written in that order.
type Exchange struct {
	Question store.ChatMessage
	Answer   store.ChatMessage
}

// Recorder persists exchanges on a background goroutine so history writes
// never delay or fail an answer. Write failures are logged and published on
// Errors.
type Recorder struct {
	messages store.MessageStore
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Exchange
	errs   chan error
	done   chan struct{}
}

func NewRecorder(messages store.MessageStore, buffer int, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &Recorder{
		messages: messages,
		logger:   logging.OrNop(logger).Named("recorder"),
		queue:    make(chan Exchange, buffer),
		errs:     make(chan error, buffer),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an exchange without blocking. A full queue or a closed
// recorder drops the exchange and reports it on Errors.
func (r *Recorder) Record(ex Exchange) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.fail(fmt.Errorf("%w: recorder closed", store.ErrWriteFailed))
		return
	}
	select {
	case r.queue <- ex:
	default:
		r.fail(fmt.Errorf("%w: recorder queue full", store.ErrWriteFailed))
	}
}

// Errors reports write failures. Errors are dropped when nobody drains it.
func (r *Recorder) Errors() <-chan error {
	return r.errs
}

// Close stops accepting exchanges and waits for queued ones to be written.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ex := range r.queue {
		r.write(ex.Question)
		r.write(ex.Answer)
	}
}

func (r *Recorder) write(msg store.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.messages.AppendMessage(ctx, &msg); err != nil {
		if !errors.Is(err, store.ErrWriteFailed) {
			err = fmt.Errorf("%w: %v", store.ErrWriteFailed, err)
		}
		r.fail(fmt.Errorf("append %s message for session %s: %w", msg.Type, msg.SessionID, err))
	}
}

func (r *Recorder) fail(err error) {
	r.logger.Warn("chat history write failed", zap.Error(err))
	select {
	case r.errs <- err:
	default:
	}
}
