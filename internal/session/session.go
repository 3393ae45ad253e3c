// Package session implements the lock/unlock lifecycle of a knot vault as a
// screen state machine: loading, setup, unlock, recovery and unlocked.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pher-lab/knot/internal/sched"
	"github.com/pher-lab/knot/internal/settings"
	"github.com/pher-lab/knot/pkg/crypto"
	"github.com/pher-lab/knot/pkg/vault"
)

// Screen is the state of the session.
type Screen string

// Screens
const (
	ScreenLoading  Screen = "loading"
	ScreenSetup    Screen = "setup"
	ScreenUnlock   Screen = "unlock"
	ScreenRecovery Screen = "recovery"
	ScreenUnlocked Screen = "unlocked"
)

// WarningRecoveryKeyDiscarded is set when a lock drops a recovery key that
// was never acknowledged with ClearRecoveryKey.
const WarningRecoveryKeyDiscarded = "Recovery key was discarded before it was acknowledged"

// Validation errors. They are reported before the vault is called.
var (
	ErrPasswordTooShort  = fmt.Errorf("session: password must be at least %d characters", vault.MinPasswordLength)
	ErrPasswordTooLong   = fmt.Errorf("session: password must be at most %d characters", vault.MaxPasswordLength)
	ErrPasswordMismatch  = errors.New("session: passwords do not match")
	ErrRecoveryWordCount = fmt.Errorf("session: recovery key must be %d words", crypto.RecoveryWordCount)
	ErrLockoutActive     = errors.New("session: too many failed attempts, wait for the lockout to end")
	ErrNotUnlocked       = errors.New("session: vault is not unlocked")
)

// AuthError is a credential rejection reported by the vault.
type AuthError struct {
	Result vault.AuthResult
}

func (e *AuthError) Error() string {
	if e.Result.Message != "" {
		return e.Result.Message
	}
	return "authentication failed"
}

// VaultService is the part of the vault the session drives.
type VaultService interface {
	Exists(ctx context.Context) (bool, error)
	Setup(ctx context.Context, password string, wantRecoveryKey bool) (vault.SetupResult, error)
	Unlock(ctx context.Context, password string) (vault.AuthResult, error)
	Lock(ctx context.Context) error
	Recover(ctx context.Context, phrase, newPassword string) (vault.AuthResult, error)
	ChangePassword(ctx context.Context, current, next string) (vault.AuthResult, error)
	CreateNote(ctx context.Context, title, content string) (vault.Note, error)
}

// CooldownReporter is implemented by vaults that persist the lockout
// across restarts.
type CooldownReporter interface {
	RemainingCooldown() time.Duration
}

// Flusher persists buffered edits. Lock waits for it.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Resetter drops note data held in memory.
type Resetter interface {
	Reset()
}

// SettingsStore loads and updates persisted preferences.
type SettingsStore interface {
	Load(ctx context.Context) (settings.Settings, error)
	Update(ctx context.Context, fn func(*settings.Settings)) (settings.Settings, error)
}

// Session is a snapshot of the controller state.
type Session struct {
	Screen            Screen `json:"screen"`
	IsLoading         bool   `json:"is_loading"`
	Error             string `json:"error,omitempty"`
	Warning           string `json:"warning,omitempty"`
	RecoveryKey       string `json:"recovery_key,omitempty"`
	AutoLockMinutes   int    `json:"auto_lock_minutes"`
	LockoutSeconds    int    `json:"lockout_seconds,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

// Deps are the collaborators of a Controller. Vault is required.
type Deps struct {
	Vault     VaultService
	Flusher   Flusher
	Workspace Resetter
	Settings  SettingsStore
	Scheduler sched.Scheduler
	Logger    *slog.Logger
}

// Controller owns the session state. Operations are serialized; each
// change is published to subscribers in order.
type Controller struct {
	vault     VaultService
	flusher   Flusher
	workspace Resetter
	settings  SettingsStore
	sched     sched.Scheduler
	logger    *slog.Logger

	opMu     sync.Mutex // serializes Setup, Unlock, Lock, Recover, ChangePassword
	notifyMu sync.Mutex // orders notifications

	mu           sync.Mutex
	state        Session
	countdown    sched.Task
	countdownGen uint64
	subs         []subscriber
	nextSub      int
}

type subscriber struct {
	id int
	fn func(Session)
}

// New returns a Controller on the loading screen.
func New(deps Deps) *Controller {
	c := &Controller{
		vault:     deps.Vault,
		flusher:   deps.Flusher,
		workspace: deps.Workspace,
		settings:  deps.Settings,
		sched:     deps.Scheduler,
		logger:    deps.Logger,
		state: Session{
			Screen:          ScreenLoading,
			AutoLockMinutes: settings.DefaultAutoLockMinutes,
		},
	}
	if c.sched == nil {
		c.sched = sched.Real{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe registers fn for every state change and returns a function that
// removes it. Subscribers run synchronously in registration order and must
// not call back into operations that change the session.
func (c *Controller) Subscribe(fn func(Session)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Initialize picks the first screen: unlock when a vault exists, setup
// otherwise. A failing vault check still lands on setup, with the error
// recorded. The auto-lock delay is read from settings when available, and a
// lockout still running from an earlier process resumes its countdown.
func (c *Controller) Initialize(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	minutes := -1
	if c.settings != nil {
		s, err := c.settings.Load(ctx)
		if err != nil {
			c.logger.Warn("session: failed to load settings", slog.String("error", err.Error()))
		}
		minutes = s.AutoLockMinutes
	}

	exists, err := c.vault.Exists(ctx)
	lockout := 0
	if err == nil && exists {
		if r, ok := c.vault.(CooldownReporter); ok {
			if d := r.RemainingCooldown(); d > 0 {
				lockout = int(math.Ceil(d.Seconds()))
			}
		}
	}
	c.update(func(s *Session) {
		if minutes >= 0 {
			s.AutoLockMinutes = minutes
		}
		s.IsLoading = false
		if err != nil {
			s.Screen = ScreenSetup
			s.Error = err.Error()
			return
		}
		if exists {
			s.Screen = ScreenUnlock
			s.LockoutSeconds = lockout
		} else {
			s.Screen = ScreenSetup
		}
	})
	if lockout > 0 {
		c.logger.Info("session: lockout still active", slog.Int("seconds", lockout))
		c.setCountdown(lockout)
	}
	return err
}

// Setup creates the vault and opens it. On success a welcome note is
// seeded; failing to seed it is logged and ignored.
func (c *Controller) Setup(ctx context.Context, password, confirm string, wantRecoveryKey bool) error {
	if err := validateNewPassword(password, confirm); err != nil {
		c.setError(err)
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.begin()
	res, err := c.vault.Setup(ctx, password, wantRecoveryKey)
	if err != nil {
		c.finishWithError(err)
		return err
	}

	c.seedWelcomeNote(ctx)

	c.update(func(s *Session) {
		s.Screen = ScreenUnlocked
		s.IsLoading = false
		s.Error = ""
		s.Warning = ""
		s.RecoveryKey = res.RecoveryKey
		s.AttemptsRemaining = nil
	})
	c.logger.Info("session: vault created", slog.Bool("recovery_key", res.RecoveryKey != ""))
	return nil
}

func (c *Controller) seedWelcomeNote(ctx context.Context) {
	lang := "en"
	if c.settings != nil {
		if s, err := c.settings.Load(ctx); err == nil {
			lang = s.ResolvedLanguage()
		}
	}
	title, content := WelcomeNote(lang)
	if _, err := c.vault.CreateNote(ctx, title, content); err != nil {
		c.logger.Warn("session: failed to create welcome note", slog.String("error", err.Error()))
	}
}

// Unlock opens the vault with password. While a lockout countdown is
// running the vault is not asked and ErrLockoutActive is returned. A
// rejected password returns *AuthError and keeps the unlock screen.
func (c *Controller) Unlock(ctx context.Context, password string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.CanUnlock() {
		return ErrLockoutActive
	}

	c.begin()
	res, err := c.vault.Unlock(ctx, password)
	if err != nil {
		c.finishWithError(err)
		return err
	}
	if !res.Success {
		return c.rejected(res)
	}

	c.setCountdown(0)
	c.update(func(s *Session) {
		s.Screen = ScreenUnlocked
		s.IsLoading = false
		s.Error = ""
		s.LockoutSeconds = 0
		s.AttemptsRemaining = nil
	})
	return nil
}

// Lock saves any buffered edit, then discards the vault key and returns to
// the unlock screen. The transition always happens; a failed save or a
// failed key discard is recorded and returned.
func (c *Controller) Lock(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Snapshot().Screen != ScreenUnlocked {
		return nil
	}

	var errs []error
	if c.flusher != nil {
		if err := c.flusher.Flush(ctx); err != nil {
			c.logger.Error("session: failed to save pending edit before lock", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("session: failed to save pending edit: %w", err))
		}
	}
	if err := c.vault.Lock(ctx); err != nil {
		c.logger.Error("session: vault lock failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("session: lock failed: %w", err))
	}
	if c.workspace != nil {
		c.workspace.Reset()
	}

	err := errors.Join(errs...)
	discarded := false
	c.update(func(s *Session) {
		discarded = s.RecoveryKey != ""
		s.Screen = ScreenUnlock
		s.IsLoading = false
		s.RecoveryKey = ""
		s.Warning = ""
		if discarded {
			s.Warning = WarningRecoveryKeyDiscarded
		}
		s.Error = ""
		if err != nil {
			s.Error = err.Error()
		}
		s.AttemptsRemaining = nil
	})
	if discarded {
		c.logger.Warn("session: unacknowledged recovery key discarded on lock")
	}
	c.logger.Info("session: locked")
	return err
}

// Recover opens the vault with a recovery phrase and sets newPassword. The
// phrase must have exactly twelve words.
func (c *Controller) Recover(ctx context.Context, phrase, newPassword, confirm string) error {
	if len(strings.Fields(phrase)) != crypto.RecoveryWordCount {
		c.setError(ErrRecoveryWordCount)
		return ErrRecoveryWordCount
	}
	if err := validateNewPassword(newPassword, confirm); err != nil {
		c.setError(err)
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.CanUnlock() {
		return ErrLockoutActive
	}

	c.begin()
	res, err := c.vault.Recover(ctx, phrase, newPassword)
	if err != nil {
		c.finishWithError(err)
		return err
	}
	if !res.Success {
		return c.rejected(res)
	}

	c.setCountdown(0)
	c.update(func(s *Session) {
		s.Screen = ScreenUnlocked
		s.IsLoading = false
		s.Error = ""
		s.LockoutSeconds = 0
		s.AttemptsRemaining = nil
	})
	c.logger.Info("session: vault recovered")
	return nil
}

// ChangePassword replaces the master password of the unlocked vault.
func (c *Controller) ChangePassword(ctx context.Context, current, next, confirm string) error {
	if err := validateNewPassword(next, confirm); err != nil {
		c.setError(err)
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Snapshot().Screen != ScreenUnlocked {
		return ErrNotUnlocked
	}
	if !c.CanUnlock() {
		return ErrLockoutActive
	}

	c.begin()
	res, err := c.vault.ChangePassword(ctx, current, next)
	if err != nil {
		c.finishWithError(err)
		return err
	}
	if !res.Success {
		return c.rejected(res)
	}

	c.update(func(s *Session) {
		s.IsLoading = false
		s.Error = ""
		s.AttemptsRemaining = nil
	})
	c.logger.Info("session: password changed")
	return nil
}

// ShowRecoveryScreen switches from the unlock screen to the recovery screen
// and clears the error. It does nothing on any other screen.
func (c *Controller) ShowRecoveryScreen() {
	c.switchLockedScreen(ScreenRecovery)
}

// ShowUnlockScreen switches from the recovery screen back to the unlock
// screen and clears the error. It does nothing on any other screen.
func (c *Controller) ShowUnlockScreen() {
	c.switchLockedScreen(ScreenUnlock)
}

func (c *Controller) switchLockedScreen(to Screen) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if cur := c.Snapshot().Screen; cur != ScreenUnlock && cur != ScreenRecovery {
		c.logger.Debug("session: screen change ignored",
			slog.String("screen", string(cur)), slog.String("to", string(to)))
		return
	}
	c.update(func(s *Session) {
		s.Screen = to
		s.Error = ""
	})
}

// ClearError clears the recorded error.
func (c *Controller) ClearError() {
	c.update(func(s *Session) { s.Error = "" })
}

// ClearRecoveryKey acknowledges and forgets the recovery key shown after
// setup.
func (c *Controller) ClearRecoveryKey() {
	c.update(func(s *Session) {
		s.RecoveryKey = ""
		s.Warning = ""
	})
}

// RecoveryKeyPending reports whether a recovery key is still waiting to be
// acknowledged.
func (c *Controller) RecoveryKeyPending() bool {
	return c.Snapshot().RecoveryKey != ""
}

// CanUnlock reports whether an unlock attempt may be made now.
func (c *Controller) CanUnlock() bool {
	s := c.Snapshot()
	return !s.IsLoading && s.LockoutSeconds <= 0
}

// SetAutoLockMinutes changes the auto-lock delay and persists it. Failure
// to persist is logged only.
func (c *Controller) SetAutoLockMinutes(ctx context.Context, minutes int) {
	minutes = clampMinutes(minutes)
	c.ApplyAutoLockMinutes(minutes)

	if c.settings == nil {
		return
	}
	if _, err := c.settings.Update(ctx, func(s *settings.Settings) { s.AutoLockMinutes = minutes }); err != nil {
		c.logger.Warn("session: failed to save auto-lock setting", slog.String("error", err.Error()))
	}
}

// ApplyAutoLockMinutes changes the auto-lock delay without persisting it.
func (c *Controller) ApplyAutoLockMinutes(minutes int) {
	minutes = clampMinutes(minutes)
	c.update(func(s *Session) { s.AutoLockMinutes = minutes })
}

// Close stops the lockout countdown.
func (c *Controller) Close() {
	c.setCountdown(0)
}

func (c *Controller) begin() {
	c.update(func(s *Session) {
		s.IsLoading = true
		s.Error = ""
	})
}

func (c *Controller) setError(err error) {
	c.update(func(s *Session) { s.Error = err.Error() })
}

func (c *Controller) finishWithError(err error) {
	c.update(func(s *Session) {
		s.IsLoading = false
		s.Error = err.Error()
	})
}

// rejected records a credential rejection and starts the lockout countdown
// when the vault reports one.
func (c *Controller) rejected(res vault.AuthResult) error {
	lockout := 0
	if res.LockoutSeconds != nil && *res.LockoutSeconds > 0 {
		lockout = *res.LockoutSeconds
	}
	authErr := &AuthError{Result: res}

	c.update(func(s *Session) {
		s.IsLoading = false
		s.Error = authErr.Error()
		s.LockoutSeconds = lockout
		s.AttemptsRemaining = nil
		if res.AttemptsRemaining != nil {
			n := *res.AttemptsRemaining
			s.AttemptsRemaining = &n
		}
	})
	c.setCountdown(lockout)
	return authErr
}

// setCountdown replaces the lockout countdown task. The state field is
// decremented once per second until it reaches zero.
func (c *Controller) setCountdown(seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	c.countdownGen++
	if seconds > 0 {
		gen := c.countdownGen
		c.countdown = c.sched.AfterFunc(time.Second, func() { c.tick(gen) })
	}
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	stale := c.countdownGen != gen
	c.mu.Unlock()
	if stale {
		return
	}

	remaining := 0
	c.update(func(s *Session) {
		if s.LockoutSeconds > 0 {
			s.LockoutSeconds--
		}
		remaining = s.LockoutSeconds
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countdownGen != gen {
		return
	}
	c.countdown = nil
	if remaining > 0 {
		c.countdown = c.sched.AfterFunc(time.Second, func() { c.tick(gen) })
	}
}

func (c *Controller) update(fn func(*Session)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	fn(&c.state)
	snapshot := c.state.clone()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snapshot)
	}
}

func (s Session) clone() Session {
	if s.AttemptsRemaining != nil {
		n := *s.AttemptsRemaining
		s.AttemptsRemaining = &n
	}
	return s
}

func validateNewPassword(password, confirm string) error {
	n := utf8.RuneCountInString(password)
	if n < vault.MinPasswordLength {
		return ErrPasswordTooShort
	}
	if n > vault.MaxPasswordLength {
		return ErrPasswordTooLong
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	return nil
}

func clampMinutes(minutes int) int {
	if minutes < 0 {
		return 0
	}
	if minutes > settings.MaxAutoLockMinutes {
		return settings.MaxAutoLockMinutes
	}
	return minutes
}
