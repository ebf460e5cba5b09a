package mfa

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// challengeGrace keeps an expired challenge readable long enough to report it as expired.
const challengeGrace = time.Minute

// Orchestrator routes enrollment and verification to the registered method
// services and owns the challenge lifecycle.
type Orchestrator struct {
	enrollments ports.EnrollmentRepository
	challenges  ports.ChallengeStore
	services    map[domain.MFAMethod]MethodService
	cfg         Config

	userLocks sync.Map
	logger    *slog.Logger
	nowFn     func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(o *Orchestrator) {
		if nowFn != nil {
			o.nowFn = nowFn
		}
	}
}

// WithMethod registers a method service, replacing any service for the same method.
func WithMethod(svc MethodService) Option {
	return func(o *Orchestrator) {
		if svc != nil {
			o.services[svc.Method()] = svc
		}
	}
}

func NewOrchestrator(enrollments ports.EnrollmentRepository, challenges ports.ChallengeStore, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		enrollments: enrollments,
		challenges:  challenges,
		services:    make(map[domain.MFAMethod]MethodService),
		cfg:         cfg.withDefaults(),
		logger:      slog.Default(),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// lock serializes read-modify-write cycles on one user's enrollments and challenges.
func (o *Orchestrator) lock(userID string) func() {
	v, _ := o.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) service(method domain.MFAMethod) (MethodService, error) {
	svc, ok := o.services[method]
	if !ok {
		return nil, domain.NewAuthError(domain.ErrorMethodNotSupported, "mfa method "+string(method)+" is not supported")
	}
	return svc, nil
}

func (o *Orchestrator) priority(method domain.MFAMethod) int {
	if p, ok := o.cfg.Priorities[method]; ok {
		return p
	}
	return len(o.cfg.Priorities) + 1
}

func (o *Orchestrator) sortMethods(methods []domain.MFAMethod) {
	sort.SliceStable(methods, func(i, j int) bool {
		pi, pj := o.priority(methods[i]), o.priority(methods[j])
		if pi != pj {
			return pi < pj
		}
		return methods[i] < methods[j]
	})
}

// AvailableMethods lists every supported method, marking those the user has active.
func (o *Orchestrator) AvailableMethods(ctx context.Context, userID string) ([]MethodAvailability, error) {
	active, err := o.activeMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	methods := make([]domain.MFAMethod, 0, len(o.services))
	for m := range o.services {
		methods = append(methods, m)
	}
	o.sortMethods(methods)
	out := make([]MethodAvailability, 0, len(methods))
	for _, m := range methods {
		out = append(out, MethodAvailability{Method: m, Enrolled: active[m], Priority: o.priority(m)})
	}
	return out, nil
}

func (o *Orchestrator) activeMethods(ctx context.Context, userID string) (map[domain.MFAMethod]bool, error) {
	list, err := o.enrollments.ListByUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapAuthError(domain.ErrorServer, "list enrollments", err)
	}
	out := make(map[domain.MFAMethod]bool)
	for _, e := range list {
		if e.Status == domain.EnrollmentActive {
			if _, supported := o.services[e.Method]; supported {
				out[e.Method] = true
			}
		}
	}
	return out, nil
}

// EnrollMethod creates a pending enrollment. Enrolling TOTP also issues a companion
// backup-code set that activates together with it.
func (o *Orchestrator) EnrollMethod(ctx context.Context, userID string, method domain.MFAMethod, params EnrollParams) (EnrollmentResult, error) {
	svc, err := o.service(method)
	if err != nil {
		return EnrollmentResult{}, err
	}
	if userID == "" {
		return EnrollmentResult{}, domain.NewAuthError(domain.ErrorValidation, "user id is required")
	}
	unlock := o.lock(userID)
	defer unlock()

	enrollment := o.newEnrollment(userID, method, params.DeviceInfo)
	result, err := svc.Enroll(ctx, &enrollment, params)
	if err != nil {
		o.log(ctx, slog.LevelWarn, "enroll_method", "failure", userID, method, err)
		return EnrollmentResult{}, err
	}
	if err := o.enrollments.Create(ctx, enrollment); err != nil {
		return EnrollmentResult{}, domain.WrapAuthError(domain.ErrorServer, "persist enrollment", err)
	}
	result.EnrollmentID = enrollment.ID
	result.Method = method
	result.Status = enrollment.Status

	if backup, ok := o.services[domain.MFABackupCodes]; ok && method == domain.MFATOTP {
		companion := o.newEnrollment(userID, domain.MFABackupCodes, params.DeviceInfo)
		codes, err := backup.Enroll(ctx, &companion, EnrollParams{ParentEnrollmentID: enrollment.ID})
		if err != nil {
			return EnrollmentResult{}, err
		}
		if err := o.enrollments.Create(ctx, companion); err != nil {
			return EnrollmentResult{}, domain.WrapAuthError(domain.ErrorServer, "persist backup codes", err)
		}
		result.BackupCodes = codes.BackupCodes
	}
	if enrollment.Status == domain.EnrollmentActive {
		if err := o.retireOthers(ctx, enrollment); err != nil {
			return EnrollmentResult{}, err
		}
	}
	o.log(ctx, slog.LevelInfo, "enroll_method", "success", userID, method, nil)
	return result, nil
}

func (o *Orchestrator) newEnrollment(userID string, method domain.MFAMethod, device *domain.DeviceInfo) domain.MFAEnrollment {
	return domain.MFAEnrollment{
		ID:         uuid.NewString(),
		UserID:     userID,
		Method:     method,
		Status:     domain.EnrollmentPending,
		DeviceInfo: device,
		Metadata:   domain.EnrollmentMetadata{EnrolledAt: o.nowFn()},
	}
}

// VerifyEnrollment activates a pending enrollment once its first proof checks out.
func (o *Orchestrator) VerifyEnrollment(ctx context.Context, enrollmentID string, payload VerifyPayload) (domain.MFAEnrollment, error) {
	enrollment, err := o.getEnrollment(ctx, enrollmentID)
	if err != nil {
		return domain.MFAEnrollment{}, err
	}
	unlock := o.lock(enrollment.UserID)
	defer unlock()
	// Reload under the lock.
	if enrollment, err = o.getEnrollment(ctx, enrollmentID); err != nil {
		return domain.MFAEnrollment{}, err
	}
	if enrollment.Status != domain.EnrollmentPending {
		return domain.MFAEnrollment{}, domain.NewAuthError(domain.ErrorInvalidState, "enrollment is "+string(enrollment.Status))
	}
	svc, err := o.service(enrollment.Method)
	if err != nil {
		return domain.MFAEnrollment{}, err
	}
	verifyErr := svc.Verify(ctx, &enrollment, payload)
	// Method data may change on failure too (an expired code is cleared).
	if verifyErr != nil {
		if err := o.enrollments.Update(ctx, enrollment); err != nil {
			o.log(ctx, slog.LevelError, "verify_enrollment", "persist_failure", enrollment.UserID, enrollment.Method, err)
		}
		o.log(ctx, slog.LevelWarn, "verify_enrollment", "failure", enrollment.UserID, enrollment.Method, verifyErr)
		return domain.MFAEnrollment{}, verifyErr
	}
	now := o.nowFn()
	enrollment.Status = domain.EnrollmentActive
	enrollment.Metadata.VerifiedAt = &now
	if err := o.enrollments.Update(ctx, enrollment); err != nil {
		return domain.MFAEnrollment{}, domain.WrapAuthError(domain.ErrorServer, "persist enrollment", err)
	}
	if err := o.retireOthers(ctx, enrollment); err != nil {
		return domain.MFAEnrollment{}, err
	}
	if err := o.activateCompanions(ctx, enrollment, now); err != nil {
		return domain.MFAEnrollment{}, err
	}
	o.log(ctx, slog.LevelInfo, "verify_enrollment", "success", enrollment.UserID, enrollment.Method, nil)
	return enrollment, nil
}

// retireOthers disables earlier active enrollments of the same method so that one stays active.
func (o *Orchestrator) retireOthers(ctx context.Context, keep domain.MFAEnrollment) error {
	list, err := o.enrollments.ListByUser(ctx, keep.UserID)
	if err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "list enrollments", err)
	}
	for _, e := range list {
		if e.ID == keep.ID || e.Method != keep.Method || e.Status != domain.EnrollmentActive {
			continue
		}
		e.Status = domain.EnrollmentDisabled
		if err := o.enrollments.Update(ctx, e); err != nil {
			return domain.WrapAuthError(domain.ErrorServer, "disable superseded enrollment", err)
		}
	}
	return nil
}

func (o *Orchestrator) activateCompanions(ctx context.Context, parent domain.MFAEnrollment, now time.Time) error {
	list, err := o.enrollments.ListByUser(ctx, parent.UserID)
	if err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "list enrollments", err)
	}
	for _, e := range list {
		if e.MethodData.ParentEnrollmentID != parent.ID || e.Status != domain.EnrollmentPending {
			continue
		}
		e.Status = domain.EnrollmentActive
		e.Metadata.VerifiedAt = &now
		if err := o.enrollments.Update(ctx, e); err != nil {
			return domain.WrapAuthError(domain.ErrorServer, "activate backup codes", err)
		}
		if err := o.retireOthers(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// SendVerification delivers a code or nonce for the user's active enrollment of
// method, falling back to the newest pending one so enrollment can be verified.
func (o *Orchestrator) SendVerification(ctx context.Context, userID string, method domain.MFAMethod) (SendResult, error) {
	svc, err := o.service(method)
	if err != nil {
		return SendResult{}, err
	}
	sender, ok := svc.(Sender)
	if !ok {
		return SendResult{}, domain.NewAuthError(domain.ErrorMethodNotSupported, string(method)+" does not deliver codes")
	}
	unlock := o.lock(userID)
	defer unlock()

	enrollment, err := o.findEnrollment(ctx, userID, method, true)
	if err != nil {
		return SendResult{}, err
	}
	result, err := sender.Send(ctx, &enrollment)
	if err != nil {
		o.log(ctx, slog.LevelWarn, "send_verification", "failure", userID, method, err)
		return SendResult{}, err
	}
	if err := o.enrollments.Update(ctx, enrollment); err != nil {
		return SendResult{}, domain.WrapAuthError(domain.ErrorServer, "persist enrollment", err)
	}
	o.log(ctx, slog.LevelInfo, "send_verification", "success", userID, method, nil)
	return result, nil
}

// findEnrollment returns the newest active enrollment of method, or the newest
// pending one when allowPending is set.
func (o *Orchestrator) findEnrollment(ctx context.Context, userID string, method domain.MFAMethod, allowPending bool) (domain.MFAEnrollment, error) {
	list, err := o.enrollments.ListByUser(ctx, userID)
	if err != nil {
		return domain.MFAEnrollment{}, domain.WrapAuthError(domain.ErrorServer, "list enrollments", err)
	}
	var pending *domain.MFAEnrollment
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if e.Method != method {
			continue
		}
		if e.Status == domain.EnrollmentActive {
			return e, nil
		}
		if allowPending && pending == nil && e.Status == domain.EnrollmentPending {
			pending = &list[i]
		}
	}
	if pending != nil {
		return *pending, nil
	}
	return domain.MFAEnrollment{}, domain.NewAuthError(domain.ErrorNotEnrolled, "no enrollment for "+string(method))
}

// VerifyMethod checks a proof against the user's active enrollment outside any challenge.
func (o *Orchestrator) VerifyMethod(ctx context.Context, userID string, method domain.MFAMethod, payload VerifyPayload) (domain.MFAEnrollment, error) {
	svc, err := o.service(method)
	if err != nil {
		return domain.MFAEnrollment{}, err
	}
	unlock := o.lock(userID)
	defer unlock()
	enrollment, err := o.findEnrollment(ctx, userID, method, false)
	if err != nil {
		return domain.MFAEnrollment{}, err
	}
	if err := o.verifyActive(ctx, svc, &enrollment, payload); err != nil {
		o.log(ctx, slog.LevelWarn, "verify_method", "failure", userID, method, err)
		return domain.MFAEnrollment{}, err
	}
	return enrollment, nil
}

func (o *Orchestrator) verifyActive(ctx context.Context, svc MethodService, enrollment *domain.MFAEnrollment, payload VerifyPayload) error {
	verifyErr := svc.Verify(ctx, enrollment, payload)
	if verifyErr == nil {
		now := o.nowFn()
		enrollment.Metadata.UsageCount++
		enrollment.Metadata.LastUsed = &now
	}
	if err := o.enrollments.Update(ctx, *enrollment); err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "persist enrollment", err)
	}
	return verifyErr
}

// CreateChallenge opens a challenge over the user's active methods. With required
// methods given, only those the user has active are demanded.
func (o *Orchestrator) CreateChallenge(ctx context.Context, userID string, required []domain.MFAMethod) (domain.MFAChallenge, error) {
	for _, m := range required {
		if _, err := o.service(m); err != nil {
			return domain.MFAChallenge{}, err
		}
	}
	active, err := o.activeMethods(ctx, userID)
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	if len(active) == 0 {
		return domain.MFAChallenge{}, domain.NewAuthError(domain.ErrorNotEnrolled, "user has no active mfa method")
	}
	available := make([]domain.MFAMethod, 0, len(active))
	for m := range active {
		available = append(available, m)
	}
	o.sortMethods(available)

	var demanded, skipped []domain.MFAMethod
	seen := make(map[domain.MFAMethod]bool)
	for _, m := range required {
		if seen[m] {
			continue
		}
		seen[m] = true
		if active[m] {
			demanded = append(demanded, m)
		} else {
			skipped = append(skipped, m)
		}
	}
	if len(required) > 0 && len(demanded) == 0 {
		return domain.MFAChallenge{}, domain.NewAuthError(domain.ErrorNotEnrolled, "none of the required methods are enrolled")
	}
	if len(skipped) > 0 {
		o.logger.WarnContext(ctx, "required mfa methods not enrolled",
			"module", "application.mfa",
			"layer", "application",
			"operation", "create_challenge",
			"outcome", "narrowed",
			"user_id", userID,
			"skipped_methods", skipped,
		)
	}

	now := o.nowFn()
	challenge := domain.MFAChallenge{
		ID:                     uuid.NewString(),
		UserID:                 userID,
		AvailableMethods:       available,
		RequiredMethods:        demanded,
		SkippedMethods:         skipped,
		Status:                 domain.ChallengePending,
		CreatedAt:              now,
		ExpiresAt:              now.Add(o.cfg.ChallengeTTL),
		CompletedVerifications: []domain.MFAVerification{},
		MaxAttempts:            o.cfg.MaxAttempts,
	}
	if err := o.saveChallenge(ctx, challenge); err != nil {
		return domain.MFAChallenge{}, err
	}
	o.log(ctx, slog.LevelInfo, "create_challenge", "success", userID, "", nil)
	return challenge, nil
}

func (o *Orchestrator) saveChallenge(ctx context.Context, challenge domain.MFAChallenge) error {
	ttl := challenge.ExpiresAt.Sub(o.nowFn()) + challengeGrace
	if ttl < challengeGrace {
		ttl = challengeGrace
	}
	if err := o.challenges.Put(ctx, challenge, ttl); err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "persist challenge", err)
	}
	return nil
}

func (o *Orchestrator) loadChallenge(ctx context.Context, challengeID string) (domain.MFAChallenge, error) {
	ch, err := o.challenges.Get(ctx, challengeID)
	if err != nil {
		return domain.MFAChallenge{}, domain.WrapAuthError(domain.ErrorServer, "load challenge", err)
	}
	if ch == nil {
		return domain.MFAChallenge{}, domain.NewAuthError(domain.ErrorChallengeNotFound, "challenge not found")
	}
	return *ch, nil
}

// expireIfDue moves a pending challenge past its deadline to expired and persists it.
func (o *Orchestrator) expireIfDue(ctx context.Context, ch *domain.MFAChallenge) error {
	if ch.Status != domain.ChallengePending || o.nowFn().Before(ch.ExpiresAt) {
		return nil
	}
	ch.Status = domain.ChallengeExpired
	return o.saveChallenge(ctx, *ch)
}

// VerifyChallenge applies one factor proof to a challenge. Failed non-backup
// proofs count against MaxAttempts; backup codes are throttled by their own limiter.
func (o *Orchestrator) VerifyChallenge(ctx context.Context, challengeID string, method domain.MFAMethod, payload VerifyPayload) (domain.MFAChallenge, error) {
	ch, err := o.loadChallenge(ctx, challengeID)
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	unlock := o.lock(ch.UserID)
	defer unlock()
	if ch, err = o.loadChallenge(ctx, challengeID); err != nil {
		return domain.MFAChallenge{}, err
	}
	if err := o.expireIfDue(ctx, &ch); err != nil {
		return domain.MFAChallenge{}, err
	}
	switch ch.Status {
	case domain.ChallengeExpired:
		return ch, domain.NewAuthError(domain.ErrorChallengeExpired, "challenge expired")
	case domain.ChallengeCompleted, domain.ChallengeFailed:
		return ch, domain.NewAuthError(domain.ErrorInvalidState, "challenge is "+string(ch.Status))
	}

	svc, err := o.service(method)
	if err != nil {
		return ch, err
	}
	if !containsMethod(ch.AvailableMethods, method) {
		return ch, domain.NewAuthError(domain.ErrorNotEnrolled, "method "+string(method)+" is not available for this challenge")
	}
	enrollment, err := o.findEnrollment(ctx, ch.UserID, method, false)
	if err != nil {
		return ch, err
	}

	verifyErr := o.verifyActive(ctx, svc, &enrollment, payload)
	if verifyErr != nil {
		if authErr := domain.AsAuthError(verifyErr); authErr.Type == domain.ErrorServer {
			return ch, verifyErr
		}
		if method != domain.MFABackupCodes {
			ch.Attempts++
			if ch.Attempts >= ch.MaxAttempts {
				ch.Status = domain.ChallengeFailed
			}
		}
		if err := o.saveChallenge(ctx, ch); err != nil {
			return ch, err
		}
		o.log(ctx, slog.LevelWarn, "verify_challenge", "failure", ch.UserID, method, verifyErr)
		return ch, verifyErr
	}

	if !challengeHasMethod(ch, method) {
		ch.CompletedVerifications = append(ch.CompletedVerifications, domain.MFAVerification{
			Method:       method,
			EnrollmentID: enrollment.ID,
			VerifiedAt:   o.nowFn(),
		})
	}
	if ch.Satisfied() {
		ch.Status = domain.ChallengeCompleted
	}
	if err := o.saveChallenge(ctx, ch); err != nil {
		return ch, err
	}
	o.log(ctx, slog.LevelInfo, "verify_challenge", "success", ch.UserID, method, nil)
	return ch, nil
}

// ChallengeStatus returns the challenge, expiring it first when its deadline has passed.
func (o *Orchestrator) ChallengeStatus(ctx context.Context, challengeID string) (domain.MFAChallenge, error) {
	ch, err := o.loadChallenge(ctx, challengeID)
	if err != nil {
		return domain.MFAChallenge{}, err
	}
	if err := o.expireIfDue(ctx, &ch); err != nil {
		return domain.MFAChallenge{}, err
	}
	return ch, nil
}

// CancelChallenge drops a challenge; unknown ids are not an error.
func (o *Orchestrator) CancelChallenge(ctx context.Context, challengeID string) error {
	if err := o.challenges.Delete(ctx, challengeID); err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "delete challenge", err)
	}
	return nil
}

// DisableMethod disables every active enrollment of method, including backup codes issued with it.
func (o *Orchestrator) DisableMethod(ctx context.Context, userID string, method domain.MFAMethod) error {
	if _, err := o.service(method); err != nil {
		return err
	}
	unlock := o.lock(userID)
	defer unlock()
	list, err := o.enrollments.ListByUser(ctx, userID)
	if err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "list enrollments", err)
	}
	disabled := make(map[string]bool)
	for _, e := range list {
		if e.Method != method || e.Status != domain.EnrollmentActive {
			continue
		}
		e.Status = domain.EnrollmentDisabled
		if err := o.enrollments.Update(ctx, e); err != nil {
			return domain.WrapAuthError(domain.ErrorServer, "disable enrollment", err)
		}
		disabled[e.ID] = true
	}
	if len(disabled) == 0 {
		return domain.NewAuthError(domain.ErrorNotEnrolled, "no active enrollment for "+string(method))
	}
	for _, e := range list {
		if disabled[e.MethodData.ParentEnrollmentID] && e.Status == domain.EnrollmentActive {
			e.Status = domain.EnrollmentDisabled
			if err := o.enrollments.Update(ctx, e); err != nil {
				return domain.WrapAuthError(domain.ErrorServer, "disable backup codes", err)
			}
		}
	}
	o.log(ctx, slog.LevelInfo, "disable_method", "success", userID, method, nil)
	return nil
}

// RevokeMethod permanently revokes one enrollment and wipes its secret material.
func (o *Orchestrator) RevokeMethod(ctx context.Context, userID, enrollmentID string) error {
	unlock := o.lock(userID)
	defer unlock()
	enrollment, err := o.getEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment.UserID != userID {
		return domain.NewAuthError(domain.ErrorNotEnrolled, "enrollment not found")
	}
	if enrollment.Status == domain.EnrollmentRevoked {
		return nil
	}
	enrollment.Status = domain.EnrollmentRevoked
	enrollment.MethodData = domain.MethodData{ParentEnrollmentID: enrollment.MethodData.ParentEnrollmentID}
	if err := o.enrollments.Update(ctx, enrollment); err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "revoke enrollment", err)
	}
	o.log(ctx, slog.LevelInfo, "revoke_method", "success", userID, enrollment.Method, nil)
	return nil
}

func (o *Orchestrator) ListEnrollments(ctx context.Context, userID string) ([]domain.MFAEnrollment, error) {
	list, err := o.enrollments.ListByUser(ctx, userID)
	if err != nil {
		return nil, domain.WrapAuthError(domain.ErrorServer, "list enrollments", err)
	}
	return list, nil
}

func (o *Orchestrator) getEnrollment(ctx context.Context, enrollmentID string) (domain.MFAEnrollment, error) {
	e, err := o.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MFAEnrollment{}, domain.WrapAuthError(domain.ErrorNotEnrolled, "enrollment not found", err)
		}
		return domain.MFAEnrollment{}, domain.WrapAuthError(domain.ErrorServer, "load enrollment", err)
	}
	return e, nil
}

func (o *Orchestrator) log(ctx context.Context, level slog.Level, operation, outcome, userID string, method domain.MFAMethod, err error) {
	attrs := []any{
		"module", "application.mfa",
		"layer", "application",
		"operation", operation,
		"outcome", outcome,
		"user_id", userID,
	}
	if method != "" {
		attrs = append(attrs, "method", string(method))
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	o.logger.Log(ctx, level, "mfa "+operation, attrs...)
}

func containsMethod(methods []domain.MFAMethod, m domain.MFAMethod) bool {
	for _, candidate := range methods {
		if candidate == m {
			return true
		}
	}
	return false
}

func challengeHasMethod(ch domain.MFAChallenge, m domain.MFAMethod) bool {
	for _, v := range ch.CompletedVerifications {
		if v.Method == m {
			return true
		}
	}
	return false
}
