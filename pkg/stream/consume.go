package stream

import (
	"context"
	"fmt"
	"log/slog"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
)

// Consume hands every value received on sub to fn until the subscription
// closes or ctx is done. A panic or error from fn closes only this
// subscription and is returned as a subscriber fault; the broadcaster and its
// other subscribers are unaffected.
func Consume[T any](ctx context.Context, sub *Subscription[T], fn func(T) error) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := invoke(fn, v); err != nil {
				fault := herrors.ErrSubscriberFault(sub.Name(), err)
				logger.Global().WithComponent("stream").Warn("subscriber stopped",
					slog.String("subscriber", sub.Name()),
					slog.String("stream", sub.owner.Name()),
					slog.String("error", err.Error()))
				return fault
			}
		}
	}
}

func invoke[T any](fn func(T) error, v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(v)
}
