// Package mfa implements the multi-factor engine: TOTP, SMS and email
// one-time codes, and single-use backup codes. Codes in flight live in
// the KV store with short TTLs; enrollments and backup-code hashes are
// durable.
package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/storage"
)

// Supported methods.
const (
	MethodTOTP   = "totp"
	MethodSMS    = "sms"
	MethodEmail  = "email"
	MethodBackup = "backup_code"
)

const (
	codeTTL       = 5 * time.Minute
	sendLimit     = 5
	sendWindow    = time.Hour
	totpSecretLen = 32
)

var (
	ErrInvalidCode    = errors.New("invalid mfa code")
	ErrBackupCodeUsed = errors.New("backup code already used")
	ErrNotEnrolled    = errors.New("method not enrolled")
	ErrRateLimited    = errors.New("too many code requests")
	ErrUnknownMethod  = errors.New("unknown mfa method")
)

// Engine orchestrates enrollment and verification for all methods.
type Engine struct {
	store  storage.MFAStore
	users  storage.UserStore
	kv     kv.Store
	sms    Carrier
	email  Carrier
	issuer string
}

func NewEngine(store storage.MFAStore, users storage.UserStore, kvStore kv.Store, sms, email Carrier, issuer string) *Engine {
	return &Engine{
		store:  store,
		users:  users,
		kv:     kvStore,
		sms:    sms,
		email:  email,
		issuer: issuer,
	}
}

func codeKey(tenantID string, userID uuid.UUID, method string) string {
	return "mfa:code:" + tenantID + ":" + userID.String() + ":" + method
}

func sendKey(tenantID string, userID uuid.UUID, method string) string {
	return "mfa:send:" + tenantID + ":" + userID.String() + ":" + method
}

// TOTPSetup is returned from SetupTOTP. The secret appears exactly once;
// it is never logged.
type TOTPSetup struct {
	Secret      string
	OTPAuthURI  string
	BackupCodes []string
}

// SetupTOTP generates a fresh shared secret, stores the enrollment
// unverified, and issues the initial backup-code set. The enrollment
// turns verified on the first successful code verification.
func (e *Engine) SetupTOTP(ctx context.Context, tenantID string, userID uuid.UUID, accountName string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
		SecretSize:  totpSecretLen,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	if err := e.store.UpsertEnrollment(ctx, &storage.MFAEnrollment{
		TenantID: tenantID,
		UserID:   userID,
		Method:   MethodTOTP,
		Secret:   key.Secret(),
	}); err != nil {
		return nil, err
	}

	codes, err := e.RegenerateBackupCodes(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	return &TOTPSetup{
		Secret:      key.Secret(),
		OTPAuthURI:  key.URL(),
		BackupCodes: codes,
	}, nil
}

// SetupContact enrolls an SMS or email contact and sends the first
// verification code.
func (e *Engine) SetupContact(ctx context.Context, tenantID string, userID uuid.UUID, method, contact string) error {
	if method != MethodSMS && method != MethodEmail {
		return ErrUnknownMethod
	}
	if err := e.store.UpsertEnrollment(ctx, &storage.MFAEnrollment{
		TenantID: tenantID,
		UserID:   userID,
		Method:   method,
		Secret:   contact,
	}); err != nil {
		return err
	}
	return e.SendCode(ctx, tenantID, userID, method)
}

// SendCode generates and delivers a 6-digit code for SMS/email methods.
// More than five sends per method per hour is rate limited. The code is
// stored before delivery and removed again if delivery fails, so a send
// failure never leaves a code that cannot be verified later against a
// different delivery.
func (e *Engine) SendCode(ctx context.Context, tenantID string, userID uuid.UUID, method string) error {
	carrier, err := e.carrierFor(method)
	if err != nil {
		return err
	}

	enrollment, err := e.store.GetEnrollment(ctx, tenantID, userID, method)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotEnrolled
		}
		return err
	}

	ok, err := e.kv.Allow(ctx, sendKey(tenantID, userID, method), sendLimit, sendWindow)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !ok {
		return ErrRateLimited
	}

	code, err := generateNumericCode()
	if err != nil {
		return err
	}

	key := codeKey(tenantID, userID, method)
	if err := e.kv.Set(ctx, key, []byte(code), codeTTL); err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	if err := carrier.Send(ctx, enrollment.Secret, code); err != nil {
		// Roll back so a retry starts clean.
		_ = e.kv.Del(ctx, key)
		return fmt.Errorf("code delivery failed: %w", err)
	}
	return nil
}

func (e *Engine) carrierFor(method string) (Carrier, error) {
	switch method {
	case MethodSMS:
		return e.sms, nil
	case MethodEmail:
		return e.email, nil
	default:
		return nil, ErrUnknownMethod
	}
}

// VerifyCode checks a code for any method. It satisfies the
// authenticator's SecondFactor contract.
func (e *Engine) VerifyCode(ctx context.Context, tenantID string, userID uuid.UUID, method, code string) error {
	switch method {
	case MethodTOTP:
		return e.verifyTOTP(ctx, tenantID, userID, code)
	case MethodSMS, MethodEmail:
		return e.verifyDelivered(ctx, tenantID, userID, method, code)
	case MethodBackup:
		return e.verifyBackupCode(ctx, userID, code)
	default:
		return ErrUnknownMethod
	}
}

// verifyTOTP accepts the current 30-second step and one step either
// side for clock drift. The comparison inside the library is
// constant-time. The first successful verification activates the
// enrollment and flips the user's MFA flag.
func (e *Engine) verifyTOTP(ctx context.Context, tenantID string, userID uuid.UUID, code string) error {
	enrollment, err := e.store.GetEnrollment(ctx, tenantID, userID, MethodTOTP)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotEnrolled
		}
		return err
	}

	if !totp.Validate(code, enrollment.Secret) {
		return ErrInvalidCode
	}

	if !enrollment.Verified {
		enrollment.Verified = true
		if err := e.store.UpsertEnrollment(ctx, enrollment); err != nil {
			return err
		}
		if err := e.users.SetMFAEnabled(ctx, tenantID, userID, true); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) verifyDelivered(ctx context.Context, tenantID string, userID uuid.UUID, method, code string) error {
	key := codeKey(tenantID, userID, method)
	stored, err := e.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(stored, []byte(code)) != 1 {
		return ErrInvalidCode
	}

	// Single use: the code dies with its first successful check.
	if err := e.kv.Del(ctx, key); err != nil {
		return err
	}

	enrollment, err := e.store.GetEnrollment(ctx, tenantID, userID, method)
	if err == nil && !enrollment.Verified {
		enrollment.Verified = true
		if err := e.store.UpsertEnrollment(ctx, enrollment); err != nil {
			return err
		}
		if err := e.users.SetMFAEnabled(ctx, tenantID, userID, true); err != nil {
			return err
		}
	}
	return nil
}

// verifyBackupCode consumes exactly one unused matching entry. A code
// that already matched once reports "already used", never success.
func (e *Engine) verifyBackupCode(ctx context.Context, userID uuid.UUID, code string) error {
	codes, err := e.store.ListBackupCodes(ctx, userID)
	if err != nil {
		return err
	}

	hash := hashCode(code)
	var used bool
	for _, c := range codes {
		if subtle.ConstantTimeCompare([]byte(c.CodeHash), []byte(hash)) != 1 {
			continue
		}
		if c.Used {
			used = true
			continue
		}
		if err := e.store.ConsumeBackupCode(ctx, c.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Lost the race to a concurrent verification.
				return ErrBackupCodeUsed
			}
			return err
		}
		return nil
	}
	if used {
		return ErrBackupCodeUsed
	}
	return ErrInvalidCode
}

// RegenerateBackupCodes replaces the stored set atomically; every
// previous code becomes invalid whether used or not.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, tenantID string, userID uuid.UUID) ([]string, error) {
	codes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = hashCode(c)
	}
	if err := e.store.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Disable tears down every enrollment and backup code for the user.
func (e *Engine) Disable(ctx context.Context, tenantID string, userID uuid.UUID) error {
	if err := e.store.DeleteEnrollments(ctx, tenantID, userID); err != nil {
		return err
	}
	if err := e.store.ReplaceBackupCodes(ctx, userID, nil); err != nil {
		return err
	}
	return e.users.SetMFAEnabled(ctx, tenantID, userID, false)
}

// MethodStatus is one row of the status report.
type MethodStatus struct {
	Method   string `json:"method"`
	Verified bool   `json:"verified"`
}

// Status lists the user's enrollments.
func (e *Engine) Status(ctx context.Context, tenantID string, userID uuid.UUID) ([]MethodStatus, error) {
	enrollments, err := e.store.ListEnrollments(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]MethodStatus, 0, len(enrollments))
	for _, en := range enrollments {
		out = append(out, MethodStatus{Method: en.Method, Verified: en.Verified})
	}
	return out, nil
}
