package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pher-lab/knot/internal/sched"
	"github.com/pher-lab/knot/internal/settings"
	"github.com/pher-lab/knot/pkg/vault"
)

const testPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fakeVault struct {
	mu          sync.Mutex
	exists      bool
	existsErr   error
	setupErr    error
	lockErr     error
	createErr   error
	password    string
	unlocked    bool
	unlockQueue []vault.AuthResult
	created     []string
	calls       []string
}

func (f *fakeVault) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeVault) Exists(context.Context) (bool, error) {
	f.record("exists")
	return f.exists, f.existsErr
}

func (f *fakeVault) Setup(_ context.Context, password string, want bool) (vault.SetupResult, error) {
	f.record("setup")
	if f.setupErr != nil {
		return vault.SetupResult{}, f.setupErr
	}
	f.exists, f.unlocked, f.password = true, true, password
	if want {
		return vault.SetupResult{RecoveryKey: testPhrase}, nil
	}
	return vault.SetupResult{}, nil
}

func (f *fakeVault) Unlock(_ context.Context, password string) (vault.AuthResult, error) {
	f.record("unlock")
	if len(f.unlockQueue) > 0 {
		res := f.unlockQueue[0]
		f.unlockQueue = f.unlockQueue[1:]
		f.unlocked = res.Success
		return res, nil
	}
	if password == f.password {
		f.unlocked = true
		return vault.AuthResult{Success: true}, nil
	}
	return vault.AuthResult{Code: vault.CodeInvalidPassword, Message: "Invalid password."}, nil
}

func (f *fakeVault) Lock(context.Context) error {
	f.record("lock")
	f.unlocked = false
	return f.lockErr
}

func (f *fakeVault) Recover(_ context.Context, phrase, newPassword string) (vault.AuthResult, error) {
	f.record("recover")
	if phrase != testPhrase {
		return vault.AuthResult{Code: vault.CodeInvalidRecoveryKey, Message: "Invalid recovery key. 4 attempts remaining.", AttemptsRemaining: intPtr(4)}, nil
	}
	f.password, f.unlocked = newPassword, true
	return vault.AuthResult{Success: true}, nil
}

func (f *fakeVault) ChangePassword(_ context.Context, current, next string) (vault.AuthResult, error) {
	f.record("change_password")
	if current != f.password {
		return vault.AuthResult{Code: vault.CodeInvalidPassword, Message: "Invalid password. 4 attempts remaining.", AttemptsRemaining: intPtr(4)}, nil
	}
	f.password = next
	return vault.AuthResult{Success: true}, nil
}

func (f *fakeVault) CreateNote(_ context.Context, title, _ string) (vault.Note, error) {
	f.record("create_note")
	if f.createErr != nil {
		return vault.Note{}, f.createErr
	}
	f.created = append(f.created, title)
	return vault.Note{ID: "welcome", Title: title}, nil
}

type fakeFlusher struct {
	v   *fakeVault
	err error
}

func (f *fakeFlusher) Flush(context.Context) error {
	f.v.record("flush")
	return f.err
}

type fakeWorkspace struct{ resets int }

func (w *fakeWorkspace) Reset() { w.resets++ }

func intPtr(n int) *int { return &n }

type fixture struct {
	c     *Controller
	v     *fakeVault
	fl    *fakeFlusher
	ws    *fakeWorkspace
	clock *sched.Fake
	store *settings.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := &fakeVault{}
	f := &fixture{
		v:     v,
		fl:    &fakeFlusher{v: v},
		ws:    &fakeWorkspace{},
		clock: sched.NewFake(),
		store: settings.NewStore(t.TempDir()),
	}
	f.c = New(Deps{
		Vault:     v,
		Flusher:   f.fl,
		Workspace: f.ws,
		Settings:  f.store,
		Scheduler: f.clock,
	})
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) setup(t *testing.T, wantRecovery bool) {
	t.Helper()
	if err := f.c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := f.c.Setup(context.Background(), "correcthorse1", "correcthorse1", wantRecovery); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		exists    bool
		err       error
		want      Screen
		wantError bool
	}{
		{"no vault", false, nil, ScreenSetup, false},
		{"vault exists", true, nil, ScreenUnlock, false},
		{"service failure", false, errors.New("ipc down"), ScreenSetup, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.v.exists, f.v.existsErr = tt.exists, tt.err

			if got := f.c.Snapshot().Screen; got != ScreenLoading {
				t.Fatalf("initial screen = %s", got)
			}
			_ = f.c.Initialize(context.Background())

			s := f.c.Snapshot()
			if s.Screen != tt.want {
				t.Errorf("Screen = %s, want %s", s.Screen, tt.want)
			}
			if (s.Error != "") != tt.wantError {
				t.Errorf("Error = %q", s.Error)
			}
		})
	}
}

func TestInitializeLoadsAutoLockMinutes(t *testing.T) {
	f := newFixture(t)
	s := settings.Default()
	s.AutoLockMinutes = 12
	if err := f.store.Save(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	_ = f.c.Initialize(context.Background())
	if got := f.c.Snapshot().AutoLockMinutes; got != 12 {
		t.Errorf("AutoLockMinutes = %d, want 12", got)
	}
}

func TestSetupWithRecoveryThenLock(t *testing.T) {
	f := newFixture(t)
	f.setup(t, true)

	s := f.c.Snapshot()
	if s.Screen != ScreenUnlocked {
		t.Fatalf("Screen = %s, want unlocked", s.Screen)
	}
	if words := strings.Fields(s.RecoveryKey); len(words) != 12 {
		t.Fatalf("RecoveryKey has %d words", len(words))
	}
	if len(f.v.created) != 1 || f.v.created[0] != "Welcome to Knot" {
		t.Errorf("welcome note = %v", f.v.created)
	}

	if err := f.c.Lock(context.Background()); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	s = f.c.Snapshot()
	if s.Screen != ScreenUnlock {
		t.Errorf("Screen = %s, want unlock", s.Screen)
	}
	if s.RecoveryKey != "" {
		t.Error("RecoveryKey not cleared by lock")
	}
	if s.Warning != WarningRecoveryKeyDiscarded {
		t.Errorf("Warning = %q", s.Warning)
	}
	if f.ws.resets != 1 {
		t.Errorf("workspace resets = %d, want 1", f.ws.resets)
	}
}

func TestSetupWelcomeNoteLanguage(t *testing.T) {
	f := newFixture(t)
	s := settings.Default()
	s.Language = "ja"
	if err := f.store.Save(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	f.setup(t, false)

	if len(f.v.created) != 1 || f.v.created[0] != "Knot へようこそ" {
		t.Errorf("welcome note = %v", f.v.created)
	}
}

func TestSetupSeedFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.v.createErr = errors.New("disk full")
	f.setup(t, false)

	s := f.c.Snapshot()
	if s.Screen != ScreenUnlocked || s.Error != "" {
		t.Errorf("state = %+v", s)
	}
	if s.RecoveryKey != "" {
		t.Error("RecoveryKey set without request")
	}
}

func TestSetupValidation(t *testing.T) {
	tests := []struct {
		name     string
		password string
		confirm  string
		want     error
	}{
		{"too short", "short", "short", ErrPasswordTooShort},
		{"mismatch", "correcthorse1", "correcthorse2", ErrPasswordMismatch},
		{"too long", strings.Repeat("x", 129), strings.Repeat("x", 129), ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_ = f.c.Initialize(context.Background())

			err := f.c.Setup(context.Background(), tt.password, tt.confirm, true)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Setup() error = %v, want %v", err, tt.want)
			}
			for _, call := range f.v.calls {
				if call == "setup" {
					t.Fatal("vault called despite local validation failure")
				}
			}
			if s := f.c.Snapshot(); s.Screen != ScreenSetup || s.Error == "" {
				t.Errorf("state = %+v", s)
			}
		})
	}
}

func TestSetupServiceFailure(t *testing.T) {
	f := newFixture(t)
	_ = f.c.Initialize(context.Background())
	f.v.setupErr = errors.New("vault: vault already exists at this path")

	if err := f.c.Setup(context.Background(), "correcthorse1", "correcthorse1", false); err == nil {
		t.Fatal("Setup() expected error")
	}
	s := f.c.Snapshot()
	if s.Screen != ScreenSetup || s.IsLoading || s.Error == "" {
		t.Errorf("state = %+v", s)
	}
}

func TestLockFlushesBeforeVaultLock(t *testing.T) {
	f := newFixture(t)
	f.setup(t, false)
	f.v.calls = nil

	if err := f.c.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(f.v.calls, ","); got != "flush,lock" {
		t.Errorf("calls = %s, want flush,lock", got)
	}
}

func TestLockFailureStillTransitions(t *testing.T) {
	f := newFixture(t)
	f.setup(t, false)
	f.v.lockErr = errors.New("key wipe failed")

	if err := f.c.Lock(context.Background()); err == nil {
		t.Fatal("Lock() expected error")
	}
	s := f.c.Snapshot()
	if s.Screen != ScreenUnlock {
		t.Errorf("Screen = %s, want unlock", s.Screen)
	}
	if !strings.Contains(s.Error, "key wipe failed") {
		t.Errorf("Error = %q", s.Error)
	}
}

func TestLockAcknowledgedRecoveryKeyNoWarning(t *testing.T) {
	f := newFixture(t)
	f.setup(t, true)
	if !f.c.RecoveryKeyPending() {
		t.Fatal("RecoveryKeyPending() = false after setup")
	}
	f.c.ClearRecoveryKey()

	if err := f.c.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := f.c.Snapshot(); s.Warning != "" {
		t.Errorf("Warning = %q", s.Warning)
	}
}

func TestLockWhenNotUnlockedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.v.exists = true
	_ = f.c.Initialize(context.Background())

	if err := f.c.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, call := range f.v.calls {
		if call == "lock" || call == "flush" {
			t.Errorf("unexpected call %s", call)
		}
	}
}

func TestUnlockFailuresThenLockout(t *testing.T) {
	f := newFixture(t)
	f.v.exists = true
	f.v.unlockQueue = []vault.AuthResult{
		{Code: vault.CodeInvalidPassword, Message: "Invalid password. 2 attempts remaining.", AttemptsRemaining: intPtr(2)},
		{Code: vault.CodeInvalidPassword, Message: "Invalid password. 1 attempts remaining.", AttemptsRemaining: intPtr(1)},
		{Code: vault.CodeTooManyAttempts, Message: "Too many failed attempts", LockoutSeconds: intPtr(30)},
	}
	ctx := context.Background()
	_ = f.c.Initialize(ctx)

	for i, remaining := range []int{2, 1} {
		err := f.c.Unlock(ctx, "wrong")
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("attempt %d: error = %v, want *AuthError", i, err)
		}
		s := f.c.Snapshot()
		if s.Screen != ScreenUnlock || s.IsLoading {
			t.Fatalf("attempt %d: state = %+v", i, s)
		}
		if s.AttemptsRemaining == nil || *s.AttemptsRemaining != remaining {
			t.Fatalf("attempt %d: AttemptsRemaining = %v, want %d", i, s.AttemptsRemaining, remaining)
		}
		if s.LockoutSeconds != 0 || !f.c.CanUnlock() {
			t.Fatalf("attempt %d: countdown shown before lockout", i)
		}
	}

	if err := f.c.Unlock(ctx, "wrong"); err == nil {
		t.Fatal("third Unlock() expected error")
	}
	s := f.c.Snapshot()
	if s.LockoutSeconds != 30 || s.Error != "Too many failed attempts" {
		t.Fatalf("state after lockout = %+v", s)
	}
	if f.c.CanUnlock() {
		t.Fatal("CanUnlock() = true during lockout")
	}

	calls := len(f.v.calls)
	if err := f.c.Unlock(ctx, "correcthorse1"); !errors.Is(err, ErrLockoutActive) {
		t.Fatalf("Unlock() during countdown error = %v", err)
	}
	if len(f.v.calls) != calls {
		t.Fatal("vault was called during countdown")
	}

	f.clock.Advance(10 * time.Second)
	if got := f.c.Snapshot().LockoutSeconds; got != 20 {
		t.Fatalf("LockoutSeconds = %d after 10s, want 20", got)
	}

	f.clock.Advance(20 * time.Second)
	if got := f.c.Snapshot().LockoutSeconds; got != 0 {
		t.Fatalf("LockoutSeconds = %d after 30s, want 0", got)
	}
	if !f.c.CanUnlock() {
		t.Fatal("CanUnlock() = false after countdown")
	}
	if f.clock.Pending() != 0 {
		t.Errorf("countdown left %d tasks", f.clock.Pending())
	}
}

func TestUnlockSuccess(t *testing.T) {
	f := newFixture(t)
	f.v.exists, f.v.password = true, "correcthorse1"
	ctx := context.Background()
	_ = f.c.Initialize(ctx)

	if err := f.c.Unlock(ctx, "nope-nope"); err == nil {
		t.Fatal("expected rejection")
	}
	if err := f.c.Unlock(ctx, "correcthorse1"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	s := f.c.Snapshot()
	if s.Screen != ScreenUnlocked || s.Error != "" || s.AttemptsRemaining != nil {
		t.Errorf("state = %+v", s)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	f.v.exists = true
	ctx := context.Background()
	_ = f.c.Initialize(ctx)
	f.c.ShowRecoveryScreen()

	if err := f.c.Recover(ctx, "only three words", "newpassword1", "newpassword1"); !errors.Is(err, ErrRecoveryWordCount) {
		t.Fatalf("Recover() error = %v, want ErrRecoveryWordCount", err)
	}

	wrong := strings.Repeat("zoo ", 12)
	if err := f.c.Recover(ctx, wrong, "newpassword1", "newpassword1"); err == nil {
		t.Fatal("Recover() expected rejection")
	}
	if s := f.c.Snapshot(); s.Screen != ScreenRecovery || s.Error == "" {
		t.Fatalf("state = %+v", s)
	}

	if err := f.c.Recover(ctx, testPhrase, "newpassword1", "newpassword1"); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if s := f.c.Snapshot(); s.Screen != ScreenUnlocked {
		t.Errorf("Screen = %s", s.Screen)
	}
	if f.v.password != "newpassword1" {
		t.Error("new password not applied")
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	f.setup(t, false)
	ctx := context.Background()

	if err := f.c.ChangePassword(ctx, "correcthorse1", "short", "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("error = %v", err)
	}
	if err := f.c.ChangePassword(ctx, "wrong-current", "batterystaple", "batterystaple"); err == nil {
		t.Fatal("expected rejection")
	}
	if err := f.c.ChangePassword(ctx, "correcthorse1", "batterystaple", "batterystaple"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if f.v.password != "batterystaple" {
		t.Error("password not changed")
	}

	_ = f.c.Lock(ctx)
	if err := f.c.ChangePassword(ctx, "batterystaple", "another-one", "another-one"); !errors.Is(err, ErrNotUnlocked) {
		t.Errorf("ChangePassword() while locked error = %v", err)
	}
}

func TestScreenNavigationClearsError(t *testing.T) {
	f := newFixture(t)
	f.v.exists = true
	ctx := context.Background()
	_ = f.c.Initialize(ctx)
	_ = f.c.Unlock(ctx, "wrong-password")

	f.c.ShowRecoveryScreen()
	if s := f.c.Snapshot(); s.Screen != ScreenRecovery || s.Error != "" {
		t.Errorf("after ShowRecoveryScreen: %+v", s)
	}
	f.c.setError(errors.New("stale"))
	f.c.ShowUnlockScreen()
	if s := f.c.Snapshot(); s.Screen != ScreenUnlock || s.Error != "" {
		t.Errorf("after ShowUnlockScreen: %+v", s)
	}
}

func TestSetAutoLockMinutesPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.c.SetAutoLockMinutes(ctx, 15)
	if got := f.c.Snapshot().AutoLockMinutes; got != 15 {
		t.Errorf("AutoLockMinutes = %d", got)
	}
	loaded, err := f.store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AutoLockMinutes != 15 {
		t.Errorf("persisted AutoLockMinutes = %d", loaded.AutoLockMinutes)
	}

	f.c.ApplyAutoLockMinutes(-4)
	if got := f.c.Snapshot().AutoLockMinutes; got != 0 {
		t.Errorf("AutoLockMinutes = %d, want clamped 0", got)
	}
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	var screens []Screen
	unsubscribe := f.c.Subscribe(func(s Session) { screens = append(screens, s.Screen) })

	_ = f.c.Initialize(context.Background())
	unsubscribe()
	f.c.ClearError()

	if len(screens) != 1 || screens[0] != ScreenSetup {
		t.Errorf("screens = %v", screens)
	}
}

func TestSubscribersRunInRegistrationOrder(t *testing.T) {
	f := newFixture(t)
	var order []int
	var unsubscribe []func()
	for i := range 6 {
		unsubscribe = append(unsubscribe, f.c.Subscribe(func(Session) { order = append(order, i) }))
	}

	for range 3 {
		f.c.ClearError()
	}
	want := []int{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	unsubscribe[2]()
	unsubscribe[2]()
	order = nil
	f.c.ClearError()
	if got := fmt.Sprint(order); got != "[0 1 3 4 5]" {
		t.Errorf("order after unsubscribe = %s", got)
	}
}

func TestScreenHelpersIgnoredWhileUnlocked(t *testing.T) {
	f := newFixture(t)
	f.setup(t, true)
	ctx := context.Background()

	f.c.ShowUnlockScreen()
	f.c.ShowRecoveryScreen()
	s := f.c.Snapshot()
	if s.Screen != ScreenUnlocked || s.RecoveryKey != testPhrase {
		t.Fatalf("state = %+v, want unlocked with recovery key", s)
	}
	if !f.v.unlocked {
		t.Fatal("vault was locked by a screen helper")
	}

	if err := f.c.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if s := f.c.Snapshot(); s.Screen != ScreenUnlock || s.RecoveryKey != "" {
		t.Errorf("state after Lock = %+v", s)
	}
	if f.v.unlocked {
		t.Error("vault still unlocked after Lock")
	}
	if f.ws.resets == 0 {
		t.Error("workspace not reset on Lock")
	}
}

func TestScreenHelpersIgnoredOnSetup(t *testing.T) {
	f := newFixture(t)
	_ = f.c.Initialize(context.Background())

	f.c.ShowUnlockScreen()
	f.c.ShowRecoveryScreen()
	if s := f.c.Snapshot(); s.Screen != ScreenSetup {
		t.Errorf("screen = %s, want setup", s.Screen)
	}
}

type cooldownVault struct {
	*fakeVault
	cooldown time.Duration
}

func (v *cooldownVault) RemainingCooldown() time.Duration { return v.cooldown }

func TestInitializeResumesLockout(t *testing.T) {
	clock := sched.NewFake()
	v := &cooldownVault{fakeVault: &fakeVault{exists: true, password: "correcthorse1"}, cooldown: 2500 * time.Millisecond}
	c := New(Deps{Vault: v, Flusher: &fakeFlusher{v: v.fakeVault}, Workspace: &fakeWorkspace{}, Scheduler: clock})
	t.Cleanup(c.Close)
	ctx := context.Background()

	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	s := c.Snapshot()
	if s.Screen != ScreenUnlock || s.LockoutSeconds != 3 {
		t.Fatalf("state = %+v, want unlock screen with 3s lockout", s)
	}
	if c.CanUnlock() {
		t.Fatal("CanUnlock() = true during resumed lockout")
	}
	if err := c.Unlock(ctx, "correcthorse1"); !errors.Is(err, ErrLockoutActive) {
		t.Fatalf("Unlock() error = %v, want ErrLockoutActive", err)
	}

	clock.Advance(3 * time.Second)
	if got := c.Snapshot().LockoutSeconds; got != 0 {
		t.Fatalf("LockoutSeconds = %d after countdown", got)
	}
	if err := c.Unlock(ctx, "correcthorse1"); err != nil {
		t.Fatalf("Unlock() after countdown error = %v", err)
	}
}

func TestInitializeIgnoresExpiredCooldown(t *testing.T) {
	clock := sched.NewFake()
	v := &cooldownVault{fakeVault: &fakeVault{exists: true}}
	c := New(Deps{Vault: v, Flusher: &fakeFlusher{v: v.fakeVault}, Workspace: &fakeWorkspace{}, Scheduler: clock})
	t.Cleanup(c.Close)

	_ = c.Initialize(context.Background())
	if s := c.Snapshot(); s.LockoutSeconds != 0 || clock.Pending() != 0 {
		t.Errorf("state = %+v, pending = %d", s, clock.Pending())
	}
}
