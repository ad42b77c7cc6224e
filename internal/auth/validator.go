package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/johnrirwin/keygate/internal/logging"
	"github.com/johnrirwin/keygate/internal/models"
)

const tracerName = "github.com/johnrirwin/keygate/internal/auth"

// KeyStore is the durable credential record store.
type KeyStore interface {
	// GetByHash returns nil, nil when no record has the digest.
	GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// TouchMode selects how last_used_at is written after a successful validation.
type TouchMode string

const (
	// TouchSync writes before the request continues.
	TouchSync TouchMode = "sync"
	// TouchAsync writes in a background goroutine.
	TouchAsync TouchMode = "async"
)

// ParseTouchMode maps a config string to a TouchMode.
func ParseTouchMode(s string) (TouchMode, error) {
	switch TouchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", TouchSync:
		return TouchSync, nil
	case TouchAsync:
		return TouchAsync, nil
	default:
		return "", fmt.Errorf("unknown touch mode %q (want sync or async)", s)
	}
}

// Validation outcomes reported to the Recorder.
const (
	OutcomeValid      = "valid"
	OutcomeMissing    = "missing"
	OutcomeInvalid    = "invalid"
	OutcomeInactive   = "inactive"
	OutcomeStoreError = "store_error"
)

// Recorder receives validation outcomes, typically for metrics.
type Recorder interface {
	RecordAuth(outcome string)
}

type ValidatorConfig struct {
	TouchMode    TouchMode
	StoreTimeout time.Duration
	Recorder     Recorder
	Now          func() time.Time
}

// Validator resolves bearer credentials to principals.
type Validator struct {
	store    KeyStore
	cfg      ValidatorConfig
	logger   *logging.Logger
	tracer   trace.Tracer
	lookups  singleflight.Group
	inflight sync.WaitGroup
}

func NewValidator(store KeyStore, cfg ValidatorConfig, logger *logging.Logger) *Validator {
	if cfg.TouchMode == "" {
		cfg.TouchMode = TouchSync
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Validator{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("auth"),
		tracer: otel.Tracer(tracerName),
	}
}

// Validate authenticates an Authorization header value.
func (v *Validator) Validate(ctx context.Context, authorization string) (*Principal, error) {
	raw, err := ExtractBearer(authorization)
	if err != nil {
		v.record(OutcomeMissing)
		return nil, err
	}
	return v.ValidateKey(ctx, raw)
}

// ValidateKey authenticates a raw key. Unknown and inactive keys return
// ErrInvalidCredential; store failures return an error wrapping
// ErrAuthStoreUnavailable.
func (v *Validator) ValidateKey(ctx context.Context, raw string) (*Principal, error) {
	ctx, span := v.tracer.Start(ctx, "auth.validate")
	defer span.End()

	digest := Digest(raw)
	key, err := v.lookup(ctx, digest)
	if err != nil {
		v.record(OutcomeStoreError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "credential lookup failed")
		return nil, fmt.Errorf("%w: %v", ErrAuthStoreUnavailable, err)
	}
	if key == nil {
		v.record(OutcomeInvalid)
		span.SetAttributes(attribute.String("auth.outcome", OutcomeInvalid))
		return nil, ErrInvalidCredential
	}
	if !key.Active {
		v.record(OutcomeInactive)
		span.SetAttributes(attribute.String("auth.outcome", OutcomeInactive))
		return nil, ErrInvalidCredential
	}

	span.SetAttributes(
		attribute.String("auth.outcome", OutcomeValid),
		attribute.String("auth.principal_id", key.PrincipalID),
	)
	v.record(OutcomeValid)
	v.touch(ctx, key)

	return principalFromKey(key), nil
}

// lookup coalesces concurrent lookups of the same digest. The shared call is
// detached from any single caller's cancellation.
func (v *Validator) lookup(ctx context.Context, digest string) (*models.APIKey, error) {
	result, err, _ := v.lookups.Do(digest, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.StoreTimeout)
		defer cancel()
		return v.store.GetByHash(lookupCtx, digest)
	})
	if err != nil {
		return nil, err
	}
	key, _ := result.(*models.APIKey)
	return key, nil
}

func (v *Validator) touch(ctx context.Context, key *models.APIKey) {
	at := v.cfg.Now().UTC()
	write := func(ctx context.Context) {
		touchCtx, cancel := context.WithTimeout(ctx, v.cfg.StoreTimeout)
		defer cancel()
		if err := v.store.TouchLastUsed(touchCtx, key.ID, at); err != nil {
			v.logger.Warn("Failed to update last_used_at",
				logging.WithField("keyId", key.ID),
				logging.WithError(err),
			)
		}
	}

	if v.cfg.TouchMode == TouchAsync {
		v.inflight.Add(1)
		go func() {
			defer v.inflight.Done()
			write(context.WithoutCancel(ctx))
		}()
		return
	}
	write(ctx)
}

// Wait blocks until background last_used_at writes have finished.
func (v *Validator) Wait() {
	v.inflight.Wait()
}

func (v *Validator) record(outcome string) {
	if v.cfg.Recorder != nil {
		v.cfg.Recorder.RecordAuth(outcome)
	}
}
