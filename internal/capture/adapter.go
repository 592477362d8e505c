// Package capture provides one adapter per browser failure channel. Each
// adapter decodes a channel-specific payload into a RawCapture and forwards
// it synchronously to the pipeline.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/blazecatch/internal/metrics"
	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// ErrMalformedPayload is returned by decoders for payloads they cannot use.
var ErrMalformedPayload = errors.New("malformed payload")

// Sink receives decoded captures. It is the entry point of the pipeline.
type Sink func(raw *models.RawCapture)

// decodeFunc turns a channel payload into a capture payload.
type decodeFunc func(payload json.RawMessage, raw *models.RawCapture) error

// Adapter converts payloads from exactly one failure channel.
type Adapter struct {
	kind   models.Kind
	decode decodeFunc
	sink   Sink
	now    func() time.Time
	logger *zap.Logger

	// dropLog throttles the "dropped payload" note during payload storms.
	dropLog *rate.Sometimes
}

// Options configures adapters.
type Options struct {
	// Now returns the capture time for payloads without a timestamp.
	Now func() time.Time
	// Logger receives drop notes (default: no-op).
	Logger *zap.Logger
}

func newAdapter(kind models.Kind, decode decodeFunc, sink Sink, opts *Options) *Adapter {
	a := &Adapter{
		kind:    kind,
		decode:  decode,
		sink:    sink,
		now:     time.Now,
		logger:  zap.NewNop(),
		dropLog: &rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	if opts != nil {
		if opts.Now != nil {
			a.now = opts.Now
		}
		if opts.Logger != nil {
			a.logger = opts.Logger
		}
	}
	a.logger = a.logger.With(zap.String("component", "capture"), zap.String("kind", string(kind)))
	return a
}

// NewLoggedErrorAdapter handles console.error style payloads.
func NewLoggedErrorAdapter(sink Sink, opts *Options) *Adapter {
	return newAdapter(models.KindLoggedError, decodeLogged, sink, opts)
}

// NewUncaughtExceptionAdapter handles window "error" payloads.
func NewUncaughtExceptionAdapter(sink Sink, opts *Options) *Adapter {
	return newAdapter(models.KindUncaughtException, decodeUncaught, sink, opts)
}

// NewUnhandledRejectionAdapter handles "unhandledrejection" payloads.
func NewUnhandledRejectionAdapter(sink Sink, opts *Options) *Adapter {
	return newAdapter(models.KindUnhandledRejection, decodeRejection, sink, opts)
}

// NewResourceFailureAdapter handles failed element loads.
func NewResourceFailureAdapter(sink Sink, opts *Options) *Adapter {
	return newAdapter(models.KindResourceFailure, decodeResource, sink, opts)
}

// NewNetworkFailureAdapter handles failed fetch/XHR requests.
func NewNetworkFailureAdapter(sink Sink, opts *Options) *Adapter {
	return newAdapter(models.KindNetworkFailure, decodeNetwork, sink, opts)
}

// NewAdapters returns one adapter per kind, all forwarding to sink.
func NewAdapters(sink Sink, opts *Options) map[models.Kind]*Adapter {
	return map[models.Kind]*Adapter{
		models.KindLoggedError:        NewLoggedErrorAdapter(sink, opts),
		models.KindUncaughtException:  NewUncaughtExceptionAdapter(sink, opts),
		models.KindUnhandledRejection: NewUnhandledRejectionAdapter(sink, opts),
		models.KindResourceFailure:    NewResourceFailureAdapter(sink, opts),
		models.KindNetworkFailure:     NewNetworkFailureAdapter(sink, opts),
	}
}

// Kind returns the failure kind this adapter handles.
func (a *Adapter) Kind() models.Kind {
	return a.kind
}

// Attach subscribes the adapter to a channel.
func (a *Adapter) Attach(ch Channel) (detach func()) {
	return ch.Subscribe(func(payload json.RawMessage) {
		a.Handle(payload)
	})
}

// Handle decodes one payload and forwards it. It reports whether the payload
// reached the sink. Failures, including panics below this call, are logged
// and swallowed.
func (a *Adapter) Handle(payload json.RawMessage) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			a.drop(fmt.Errorf("panic: %v", r))
		}
	}()

	raw, err := a.Decode(payload)
	if err != nil {
		return false
	}
	if a.sink != nil {
		a.sink(raw)
	}
	return true
}

// Decode converts one payload without forwarding it. A payload that cannot
// be used is counted as dropped before the error is returned.
func (a *Adapter) Decode(payload json.RawMessage) (raw *models.RawCapture, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw, err = nil, fmt.Errorf("%w: panic: %v", ErrMalformedPayload, r)
			a.drop(err)
		}
	}()

	raw = &models.RawCapture{Kind: a.kind}
	if err := a.decode(payload, raw); err != nil {
		a.drop(err)
		return nil, err
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = a.now()
	}

	metrics.CapturesTotal.WithLabelValues(string(a.kind)).Inc()
	return raw, nil
}

func (a *Adapter) drop(err error) {
	metrics.CaptureDropped.WithLabelValues(string(a.kind)).Inc()
	a.dropLog.Do(func() {
		a.logger.Warn("dropped capture payload", zap.Error(err))
	})
}
