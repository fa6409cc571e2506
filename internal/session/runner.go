package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/pgbolt/internal/ledger"
	"github.com/ShayCichocki/pgbolt/internal/signature"
	"github.com/ShayCichocki/pgbolt/internal/strategy"
)

// transformerFallbackAfter is the number of consecutive failed transformer
// calls (unavailable or timed out) after which the next attempt drops back to
// Initial guidance.
const transformerFallbackAfter = 2

// archiveTimeout bounds archival of a finished session.
const archiveTimeout = 10 * time.Second

// Runner executes sessions. A Runner is safe for concurrent use; each Run
// call owns its own ledger and runs strictly sequentially.
type Runner struct {
	transformer Transformer
	oracle      Oracle
	cfg         Config
	extractor   *signature.Extractor
	selector    *strategy.Selector
	archiver    Archiver
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithExtractor sets the signature extractor (default: built-in rules).
func WithExtractor(e *signature.Extractor) Option {
	return func(r *Runner) {
		if e != nil {
			r.extractor = e
		}
	}
}

// WithArchiver stores every finished session.
func WithArchiver(a Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Runner) { r.newID = newID }
}

// NewRunner creates a runner around the two collaborators.
func NewRunner(t Transformer, o Oracle, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		transformer: t,
		oracle:      o,
		cfg:         cfg,
		extractor:   signature.NewExtractor(nil),
		selector:    strategy.NewSelector(cfg.CategoryEscalation),
		logger:      zap.NewNop(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Run corrects original within maxAttempts attempts.
//
// Validation failures, transformer failures, oracle outages and timeouts
// are all recorded in the ledger; none of them is returned as an error.
// Run returns an error only when the input is rejected before the first
// attempt (ErrInvalidConfig, ErrEmptyArtifact) or when ctx is canceled, in
// which case the partial Result is returned alongside ctx.Err().
func (r *Runner) Run(ctx context.Context, original string, maxAttempts int) (*Result, error) {
	cfg := r.cfg
	cfg.MaxAttempts = maxAttempts
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(original) == "" {
		return nil, ErrEmptyArtifact
	}

	s := &run{
		Runner:  r,
		ledger:  ledger.New(maxAttempts),
		current: original,
		next:    strategy.Initial(1),
		res: &Result{
			ID:          r.newID(),
			Original:    original,
			Verdict:     VerdictPending,
			MaxAttempts: maxAttempts,
			StartedAt:   r.now(),
		},
	}
	s.log = r.logger.With(zap.String("session_id", s.res.ID))
	s.log.Info("session started", zap.Int("max_attempts", maxAttempts))

	err := s.loop(ctx)
	s.finish(ctx)
	return s.res, err
}

// run is the state of one session. It is confined to the goroutine that
// called Run.
type run struct {
	*Runner
	log     *zap.Logger
	ledger  *ledger.Ledger
	res     *Result
	current string
	next    strategy.Strategy
	// lastCandidate is the newest candidate the transformer produced.
	lastCandidate string
	// transformerFailures counts consecutive failed transformer calls.
	transformerFailures int
}

func (s *run) loop(ctx context.Context) error {
	for attempt := 1; attempt <= s.ledger.Cap() && !s.res.Verdict.Terminal(); attempt++ {
		if err := ctx.Err(); err != nil {
			s.res.Verdict = VerdictCanceled
			return err
		}
		if err := s.attempt(ctx, attempt); err != nil {
			return err
		}
	}
	if s.res.Verdict == VerdictPending {
		s.res.Verdict = VerdictExhausted
	}
	return nil
}

// attempt runs one transform+validate round and records it. It returns an
// error only when the session must stop (cancellation, broken ledger).
func (s *run) attempt(ctx context.Context, index int) error {
	st := s.next
	st.Attempt = index
	started := s.now()
	a := ledger.Attempt{
		Index:     index,
		Strategy:  st.Kind.String(),
		Timestamp: started,
	}
	log := s.log.With(zap.Int("attempt", index), zap.String("strategy", st.String()))

	req := Request{
		SessionID: s.res.ID,
		Original:  s.res.Original,
		Artifact:  s.current,
		Strategy:  st,
		History:   s.ledger.Attempts(),
	}
	cand, err := call(ctx, s.cfg.CallTimeout, func(cctx context.Context) (Candidate, error) {
		return convert(cctx, s.transformer, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			s.res.Verdict = VerdictCanceled
			return ctx.Err()
		}
		a.Duration = s.now().Sub(started)
		return s.transformerFailed(log, a, err)
	}
	candidate := cand.SQL
	s.transformerFailures = 0
	s.lastCandidate = candidate
	a.Artifact = candidate
	a.Method = cand.Method
	a.Notes = cand.Notes
	log.Debug("candidate produced", zap.String("candidate", candidate), zap.String("method", cand.Method))

	outcome, err := call(ctx, s.cfg.CallTimeout, func(cctx context.Context) (ledger.Outcome, error) {
		return s.oracle.Validate(cctx, candidate)
	})
	a.Duration = s.now().Sub(started)
	switch {
	case err != nil && ctx.Err() != nil:
		s.res.Verdict = VerdictCanceled
		return ctx.Err()
	case err == nil && outcome.OK():
		outcome.Artifact = candidate
		a.Outcome = outcome
		if err := s.ledger.Append(a); err != nil {
			return fmt.Errorf("record attempt %d: %w", index, err)
		}
		s.res.Verdict = VerdictSucceeded
		s.res.FinalArtifact = candidate
		log.Info("candidate validated", zap.Int("rows", outcome.Rows))
		return nil
	case err != nil && !isTimeout(err):
		return s.oracleUnavailable(log, a, err)
	default:
		return s.rejected(log, a, outcome, err)
	}
}

// transformerFailed records a failed transformer call. The artifact carries
// over to the next round. An unusable answer reissues the same guidance with
// that answer named and forbidden; repeated consecutive call failures fall
// back to Initial guidance.
func (s *run) transformerFailed(log *zap.Logger, a ledger.Attempt, err error) error {
	var malformed *MalformedResponseError
	isMalformed := errors.As(err, &malformed)
	if isMalformed {
		a.Artifact = malformed.Answer
	}

	category := signature.CategoryTransformerError
	if isTimeout(err) {
		category = signature.CategoryTimeout
	}
	msg := "transformer: " + err.Error()
	sig := s.extractor.Synthetic(category, msg)
	a.Outcome = ledger.Failed(msg)
	a.Outcome.Category = category
	a.Signature = &sig
	if category == signature.CategoryTimeout {
		rep := s.ledger.Classify(sig)
		a.Repetition = &rep
	}
	if err := s.ledger.Append(a); err != nil {
		return fmt.Errorf("record attempt %d: %w", a.Index, err)
	}

	switch {
	case isMalformed:
		s.transformerFailures = 0
		s.next = strategy.Reissue(s.next, a.Index+1, malformed.Answer, malformed.Reason)
	default:
		s.transformerFailures++
		if s.transformerFailures >= transformerFallbackAfter {
			s.next = strategy.Initial(a.Index + 1)
		}
	}
	log.Warn("transformer failed",
		zap.String("category", category.String()),
		zap.Int("consecutive", s.transformerFailures),
		zap.Error(err))
	return nil
}

// oracleUnavailable records an oracle that could not judge the candidate.
// The candidate is not adopted and the strategy is kept.
func (s *run) oracleUnavailable(log *zap.Logger, a ledger.Attempt, err error) error {
	msg := "oracle: " + err.Error()
	sig := s.extractor.Synthetic(signature.CategoryOracleUnavailable, msg)
	a.Outcome = ledger.Failed(msg)
	a.Outcome.Category = sig.Category
	a.Signature = &sig
	if err := s.ledger.Append(a); err != nil {
		return fmt.Errorf("record attempt %d: %w", a.Index, err)
	}
	log.Warn("oracle unavailable", zap.Error(err))
	return nil
}

// rejected records a candidate the oracle rejected (or timed out on),
// classifies the failure against history and selects the next strategy.
func (s *run) rejected(log *zap.Logger, a ledger.Attempt, outcome ledger.Outcome, err error) error {
	var sig signature.Signature
	if err != nil {
		outcome = ledger.Failed("oracle: " + err.Error())
		sig = s.extractor.Synthetic(signature.CategoryTimeout, outcome.Error)
	} else {
		outcome.Status = ledger.StatusFailure
		outcome.Artifact = ""
		sig = s.extractor.Extract(outcome.Error)
	}
	outcome.Category = sig.Category

	rep := s.ledger.Classify(sig)
	a.Outcome = outcome
	a.Signature = &sig
	a.Repetition = &rep
	if err := s.ledger.Append(a); err != nil {
		return fmt.Errorf("record attempt %d: %w", a.Index, err)
	}

	s.next = s.selector.Select(a.Index+1, &a, s.ledger.Attempts())
	s.current = a.Artifact

	log.Info("candidate rejected",
		zap.String("category", sig.Category.String()),
		zap.String("fingerprint", sig.Fingerprint),
		zap.Bool("repeat", rep.IsRepeat),
		zap.Ints("prior_attempts", rep.PriorAttempts),
		zap.String("next_strategy", s.next.Kind.String()))
	log.Debug("rejection detail", zap.String("error", outcome.Error))
	return nil
}

// finish freezes the ledger, fills the result and archives it.
func (s *run) finish(ctx context.Context) {
	s.ledger.Freeze()
	s.res.Attempts = s.ledger.Attempts()
	s.res.FinishedAt = s.now()

	if s.res.Verdict != VerdictSucceeded {
		s.res.FinalArtifact = s.lastCandidate
		if s.res.FinalArtifact == "" {
			s.res.FinalArtifact = s.res.Original
		}
	}
	if s.res.Verdict == VerdictExhausted {
		s.res.Suggestions = Suggestions(s.res.Attempts)
	}

	s.log.Info("session finished",
		zap.String("verdict", string(s.res.Verdict)),
		zap.Int("attempts", len(s.res.Attempts)),
		zap.Duration("duration", s.res.Duration()))

	if s.archiver == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := s.archiver.Archive(actx, s.res); err != nil {
		s.log.Error("archive session", zap.Error(err))
	}
}
