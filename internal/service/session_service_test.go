package service

import (
	"buttonsync/internal/cache"
	"buttonsync/internal/model"
	"buttonsync/internal/repository"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	views []*model.SessionView
}

func (b *recordingBroadcaster) BroadcastSession(view *model.SessionView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.views = append(b.views, view)
}

func (b *recordingBroadcaster) last() *model.SessionView {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.views) == 0 {
		return nil
	}
	return b.views[len(b.views)-1]
}

func newTestService(t *testing.T) (*SessionService, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
	svc := NewSessionService(repository.NewMemorySessionRepo(), cache.NewMemoryStats(), WithClock(clock))
	return svc, clock
}

func fixedCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(codes) {
			return "", errors.New("out of codes")
		}
		c := codes[i]
		i++
		return c, nil
	}
}

func TestCreateSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	s, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := model.NormalizeCode(s.SessionID); err != nil {
		t.Errorf("generated code %q is not valid: %v", s.SessionID, err)
	}
	if s.Status != model.SessionWaiting || s.UserPressed || s.HelperPressed {
		t.Errorf("unexpected fresh session %+v", s)
	}
	if !s.CreatedAt.Equal(clock.Now()) || s.ExpiresAt.Sub(s.CreatedAt) != 5*time.Minute {
		t.Errorf("unexpected timestamps created=%v expires=%v", s.CreatedAt, s.ExpiresAt)
	}
}

func TestCreateSessionRetriesOnCollision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
	svc := NewSessionService(repository.NewMemorySessionRepo(), nil,
		WithClock(clock), WithCodeGenerator(fixedCodes("AAAAAA", "AAAAAA", "BBBBBB")))

	first, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession after collision: %v", err)
	}
	if first.SessionID != "AAAAAA" || second.SessionID != "BBBBBB" {
		t.Errorf("expected AAAAAA then BBBBBB, got %s then %s", first.SessionID, second.SessionID)
	}
}

func TestCreateSessionGivesUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewSessionService(repository.NewMemorySessionRepo(), nil,
		WithCodeGenerator(func() (string, error) { return "AAAAAA", nil }))

	if _, err := svc.CreateSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateSession(ctx); err == nil {
		t.Error("expected failure once every attempt collides")
	}
}

// Presses 500ms apart succeed.
func TestPressWithinWindowSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
	svc := NewSessionService(repository.NewMemorySessionRepo(), nil,
		WithClock(clock), WithCodeGenerator(fixedCodes("AB3D9K")))

	if _, err := svc.CreateSession(ctx); err != nil {
		t.Fatal(err)
	}

	clock.Advance(1000 * time.Millisecond)
	res, err := svc.PressButton(ctx, "AB3D9K", model.RoleUser)
	if err != nil {
		t.Fatalf("user press: %v", err)
	}
	if res.Success || res.Status != model.SessionWaiting {
		t.Errorf("after first press expected waiting, got %+v", res)
	}

	clock.Advance(500 * time.Millisecond)
	res, err = svc.PressButton(ctx, "AB3D9K", model.RoleHelper)
	if err != nil {
		t.Fatalf("helper press: %v", err)
	}
	if !res.Success || res.Status != model.SessionSuccess {
		t.Errorf("expected success, got %+v", res)
	}

	got, _ := svc.GetSession(ctx, "AB3D9K")
	if got.Status != model.SessionSuccess {
		t.Errorf("stored status %s", got.Status)
	}
	if got.UserPressedAt.UnixMilli() != 1000 || got.HelperPressedAt.UnixMilli() != 1500 {
		t.Errorf("unexpected press times %v / %v", got.UserPressedAt, got.HelperPressedAt)
	}
}

// A 2s gap fails, reset, then a 100ms gap succeeds.
func TestNotSimultaneousThenReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	s, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	code := s.SessionID

	if _, err := svc.PressButton(ctx, code, model.RoleUser); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2000 * time.Millisecond)
	res, err := svc.PressButton(ctx, code, model.RoleHelper)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Status != model.SessionFailedNotSimultaneous {
		t.Fatalf("expected failed_not_simultaneous, got %+v", res)
	}

	// Terminal: further presses are rejected.
	if _, err := svc.PressButton(ctx, code, model.RoleUser); !errors.Is(err, model.ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}

	reset, err := svc.ResetSession(ctx, code)
	if err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if reset.Status != model.SessionWaiting || reset.UserPressed || reset.HelperPressed ||
		reset.UserPressedAt != nil || reset.HelperPressedAt != nil {
		t.Errorf("reset left state behind: %+v", reset)
	}
	if !reset.CreatedAt.Equal(s.CreatedAt) || !reset.ExpiresAt.Equal(s.ExpiresAt) {
		t.Error("reset must keep createdAt and expiresAt")
	}

	clock.Advance(100 * time.Millisecond) // t=2100
	if _, err := svc.PressButton(ctx, code, model.RoleUser); err != nil {
		t.Fatal(err)
	}
	clock.Advance(100 * time.Millisecond) // t=2200
	res, err = svc.PressButton(ctx, code, model.RoleHelper)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("expected success after reset, got %+v", res)
	}

	stats, _ := svc.Stats(ctx)
	want := model.Stats{Created: 1, Succeeded: 1, NotSimultaneous: 1, Resets: 1}
	if *stats != want {
		t.Errorf("expected stats %+v, got %+v", want, *stats)
	}
}

// The window is inclusive.
func TestSimultaneityBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		gap  time.Duration
		want model.SessionStatus
	}{
		{0, model.SessionSuccess},
		{999 * time.Millisecond, model.SessionSuccess},
		{1000 * time.Millisecond, model.SessionSuccess},
		{1001 * time.Millisecond, model.SessionFailedNotSimultaneous},
	}
	for _, tc := range cases {
		// The order of the two roles does not matter.
		for _, first := range []model.Role{model.RoleUser, model.RoleHelper} {
			t.Run(fmt.Sprintf("%v_%s_first", tc.gap, first), func(t *testing.T) {
				ctx := context.Background()
				svc, clock := newTestService(t)
				s, err := svc.CreateSession(ctx)
				if err != nil {
					t.Fatal(err)
				}

				second := model.RoleHelper
				if first == model.RoleHelper {
					second = model.RoleUser
				}

				if _, err := svc.PressButton(ctx, s.SessionID, first); err != nil {
					t.Fatal(err)
				}
				clock.Advance(tc.gap)
				res, err := svc.PressButton(ctx, s.SessionID, second)
				if err != nil {
					t.Fatal(err)
				}
				if res.Status != tc.want {
					t.Errorf("gap %v: expected %s, got %s", tc.gap, tc.want, res.Status)
				}
				if res.Success != (tc.want == model.SessionSuccess) {
					t.Errorf("success flag %v does not match status %s", res.Success, res.Status)
				}
			})
		}
	}
}

// A press after the TTL times the session out.
func TestPressAfterExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)
	b := &recordingBroadcaster{}
	svc.SetBroadcaster(b)

	s, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.ExpiresAt.UnixMilli() != 300_000 {
		t.Fatalf("expected expiresAt 300000, got %d", s.ExpiresAt.UnixMilli())
	}

	clock.Advance(300_001 * time.Millisecond)
	if _, err := svc.PressButton(ctx, s.SessionID, model.RoleUser); !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	got, err := svc.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SessionFailedTimeout {
		t.Errorf("expected failed_timeout, got %s", got.Status)
	}
	if got.UserPressed || got.UserPressedAt != nil {
		t.Error("expired press must not be recorded")
	}

	// The flip was persisted, so a later press is rejected as inactive.
	if _, err := svc.PressButton(ctx, s.SessionID, model.RoleHelper); !errors.Is(err, model.ErrSessionNotActive) {
		t.Errorf("expected ErrSessionNotActive, got %v", err)
	}

	if last := b.last(); last == nil || last.Status != model.SessionFailedTimeout {
		t.Errorf("expected failed_timeout broadcast, got %+v", last)
	}
}

func TestPressAtExactExpiryIsAccepted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)

	s, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Minute)
	res, err := svc.PressButton(ctx, s.SessionID, model.RoleUser)
	if err != nil {
		t.Fatalf("press at expiresAt: %v", err)
	}
	if res.Status != model.SessionWaiting {
		t.Errorf("expected waiting, got %s", res.Status)
	}
}

func TestGetSessionObservesExpiryWithoutWriting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemorySessionRepo()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
	svc := NewSessionService(repo, nil, WithClock(clock))

	s, err := svc.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(5*time.Minute + time.Millisecond)

	got, err := svc.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SessionFailedTimeout {
		t.Errorf("expected failed_timeout, got %s", got.Status)
	}

	stored, _ := repo.GetByCode(ctx, s.SessionID)
	if stored.Status != model.SessionWaiting || stored.Version != 0 {
		t.Errorf("read must not persist expiry, stored %+v", stored)
	}
}

func TestGetUnknownSession(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	got, err := svc.GetSession(context.Background(), "ZZZZZZ")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestUnknownSessionErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.PressButton(ctx, "ZZZZZZ", model.RoleUser); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("press: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := svc.ResetSession(ctx, "ZZZZZZ"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("reset: expected ErrSessionNotFound, got %v", err)
	}
}

func TestPressRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	s, _ := svc.CreateSession(context.Background())

	if _, err := svc.PressButton(context.Background(), s.SessionID, model.Role(9)); !errors.Is(err, model.ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

// Re-pressing the same role only moves its timestamp.
func TestRepressBySameRoleUpdatesTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)
	s, _ := svc.CreateSession(ctx)

	res, err := svc.PressButton(ctx, s.SessionID, model.RoleUser)
	if err != nil || res.Status != model.SessionWaiting {
		t.Fatalf("first press: %+v, %v", res, err)
	}
	clock.Advance(3 * time.Second)
	res, err = svc.PressButton(ctx, s.SessionID, model.RoleUser)
	if err != nil || res.Status != model.SessionWaiting {
		t.Fatalf("second press: %+v, %v", res, err)
	}

	got, _ := svc.GetSession(ctx, s.SessionID)
	if got.Status != model.SessionWaiting {
		t.Errorf("one role pressed, expected waiting, got %s", got.Status)
	}
	if got.UserPressedAt.UnixMilli() != 3000 {
		t.Errorf("expected userPressedAt 3000, got %d", got.UserPressedAt.UnixMilli())
	}

	// The helper is compared against the latest user press.
	clock.Advance(500 * time.Millisecond)
	res, err = svc.PressButton(ctx, s.SessionID, model.RoleHelper)
	if err != nil || !res.Success {
		t.Errorf("expected success against re-pressed timestamp, got %+v, %v", res, err)
	}
}

func TestResetMatchesFreshSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)
	fresh, _ := svc.CreateSession(ctx)

	_, _ = svc.PressButton(ctx, fresh.SessionID, model.RoleHelper)
	clock.Advance(2 * time.Second)
	_, _ = svc.PressButton(ctx, fresh.SessionID, model.RoleUser)

	reset, err := svc.ResetSession(ctx, fresh.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	reset.Version = fresh.Version
	if reset.SessionID != fresh.SessionID || reset.Status != fresh.Status ||
		reset.UserPressed != fresh.UserPressed || reset.HelperPressed != fresh.HelperPressed ||
		reset.UserPressedAt != nil || reset.HelperPressedAt != nil ||
		!reset.CreatedAt.Equal(fresh.CreatedAt) || !reset.ExpiresAt.Equal(fresh.ExpiresAt) {
		t.Errorf("reset %+v differs from fresh %+v", reset, fresh)
	}
}

func TestResetNearExpiryDoesNotExtend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clock := newTestService(t)
	s, _ := svc.CreateSession(ctx)

	_, _ = svc.PressButton(ctx, s.SessionID, model.RoleUser)
	clock.Advance(4*time.Minute + 59*time.Second)
	_, _ = svc.PressButton(ctx, s.SessionID, model.RoleHelper)
	if _, err := svc.ResetSession(ctx, s.SessionID); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Second)
	if _, err := svc.PressButton(ctx, s.SessionID, model.RoleUser); !errors.Is(err, model.ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired after reset near expiry, got %v", err)
	}
}

// Concurrent presses from both roles produce exactly one decision.
func TestConcurrentPressesDecideOnce(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T, clock clockwork.Clock) repository.SessionRepo{
		"memory": func(t *testing.T, clock clockwork.Clock) repository.SessionRepo {
			return repository.NewMemorySessionRepo()
		},
		"redis": func(t *testing.T, clock clockwork.Clock) repository.SessionRepo {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return cache.NewSessionStore(client, clock, time.Hour)
		},
	}

	for name, newRepo := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := clockwork.NewFakeClockAt(time.UnixMilli(0))
			svc := NewSessionService(newRepo(t, clock), nil, WithClock(clock))

			for i := 0; i < 50; i++ {
				s, err := svc.CreateSession(ctx)
				if err != nil {
					t.Fatal(err)
				}

				results := make([]*model.PressResult, 2)
				errs := make([]error, 2)
				var wg sync.WaitGroup
				for j, role := range []model.Role{model.RoleUser, model.RoleHelper} {
					wg.Add(1)
					go func(j int, role model.Role) {
						defer wg.Done()
						results[j], errs[j] = svc.PressButton(ctx, s.SessionID, role)
					}(j, role)
				}
				wg.Wait()

				for _, err := range errs {
					if err != nil {
						t.Fatalf("press: %v", err)
					}
				}

				decided := 0
				for _, r := range results {
					if r.Status.IsTerminal() {
						decided++
					} else if r.Status != model.SessionWaiting {
						t.Errorf("unexpected status %s", r.Status)
					}
				}
				if decided != 1 {
					t.Fatalf("expected exactly one decision, got %d (%+v, %+v)", decided, results[0], results[1])
				}

				got, _ := svc.GetSession(ctx, s.SessionID)
				if got.Status != model.SessionSuccess || !got.BothPressed() {
					t.Errorf("expected stored success with both presses, got %+v", got)
				}
			}
		})
	}
}

func TestMutationsAreBroadcast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestService(t)
	b := &recordingBroadcaster{}
	svc.SetBroadcaster(b)

	s, _ := svc.CreateSession(ctx)
	_, _ = svc.PressButton(ctx, s.SessionID, model.RoleHelper)
	if last := b.last(); last == nil || !last.HelperPressed || last.Status != model.SessionWaiting {
		t.Errorf("expected helper press broadcast, got %+v", last)
	}

	_, _ = svc.PressButton(ctx, s.SessionID, model.RoleUser)
	if last := b.last(); last.Status != model.SessionSuccess {
		t.Errorf("expected success broadcast, got %s", last.Status)
	}

	_, _ = svc.ResetSession(ctx, s.SessionID)
	if last := b.last(); last.Status != model.SessionWaiting || last.UserPressed {
		t.Errorf("expected reset broadcast, got %+v", last)
	}
}
