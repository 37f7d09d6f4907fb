package client

import (
	"buttonsync/internal/model"
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultGrace        = 2 * time.Second
)

// Subscriber is implemented by APIs that can push session snapshots
type Subscriber interface {
	Subscribe(ctx context.Context, code string) (<-chan *model.SessionView, error)
}

// Options configures a client run loop
type Options struct {
	PollInterval time.Duration
	// Grace is how long the initiator lingers after success before returning
	Grace    time.Duration
	Clock    clockwork.Clock
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Observer == nil {
		o.Observer = func(Event) {}
	}
	return o
}

// loop is the shared poll/subscribe/press driver
type loop struct {
	api     API
	opts    Options
	updates <-chan *model.SessionView
	cancel  context.CancelFunc
}

func (l *loop) emit(events ...Event) {
	for _, ev := range events {
		l.opts.Observer(ev)
	}
}

// subscribe replaces the push stream with one for code, if the API supports it
func (l *loop) subscribe(ctx context.Context, code string) {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.updates = nil

	sub, ok := l.api.(Subscriber)
	if !ok {
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	updates, err := sub.Subscribe(subCtx, code)
	if err != nil {
		cancel()
		log.Warn().Err(err).Str("session_id", code).Msg("subscription unavailable, polling only")
		return
	}
	l.updates = updates
	l.cancel = cancel
}

func (l *loop) close() {
	if l.cancel != nil {
		l.cancel()
	}
}

// wait blocks for the next snapshot from polling or the push stream, or a press.
// It returns pressed=true for a press, otherwise the snapshot (nil when gone).
func (l *loop) wait(ctx context.Context, ticker clockwork.Ticker, presses <-chan struct{}, code string) (view *model.SessionView, pressed bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case _, ok := <-presses:
			if !ok {
				// No more presses; keep observing.
				presses = nil
				continue
			}
			return nil, true, nil
		case v, ok := <-l.updates:
			if !ok {
				l.updates = nil
				continue
			}
			return v, false, nil
		case <-ticker.Chan():
			v, err := l.api.GetSession(ctx, code)
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				l.emit(Event{Kind: EventError, Code: code, Err: err})
				continue
			}
			return v, false, nil
		}
	}
}

// Initiator creates sessions, presses as the user and resets failed attempts
type Initiator struct {
	loop
	machine *InitiatorMachine
}

// NewInitiator creates an initiator client
func NewInitiator(api API, opts Options) *Initiator {
	return &Initiator{loop: loop{api: api, opts: opts.withDefaults()}}
}

// Failures returns how many not-simultaneous attempts were reset
func (i *Initiator) Failures() int {
	if i.machine == nil {
		return 0
	}
	return i.machine.Failures
}

func (i *Initiator) create(ctx context.Context) error {
	created, err := i.api.CreateSession(ctx)
	if err != nil {
		return err
	}
	if i.machine == nil {
		i.machine = NewInitiatorMachine(created)
	} else {
		i.machine.Start(created)
	}
	i.subscribe(ctx, created.SessionID)
	i.emit(Event{Kind: EventSessionCreated, Code: created.SessionID})
	return nil
}

// Run creates a session and drives it until success. Each value on presses is
// one press of the user's button. It returns nil after success and the grace
// period, ErrSessionGone if the session disappears, or the context error.
func (i *Initiator) Run(ctx context.Context, presses <-chan struct{}) error {
	defer i.close()
	if err := i.create(ctx); err != nil {
		return err
	}

	ticker := i.opts.Clock.NewTicker(i.opts.PollInterval)
	defer ticker.Stop()

	for {
		view, pressed, err := i.wait(ctx, ticker, presses, i.machine.Code())
		if err != nil {
			return err
		}
		if pressed {
			if view, err = i.press(ctx); err != nil {
				return err
			}
			if view == nil {
				continue
			}
		}

		action, events := i.machine.Observe(view)
		i.emit(events...)

		switch action {
		case ActionFinish:
			if i.opts.Grace > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-i.opts.Clock.After(i.opts.Grace):
				}
			}
			return nil
		case ActionReset:
			if err := i.api.ResetSession(ctx, i.machine.Code(), i.machine.Token); err != nil {
				if errors.Is(err, model.ErrSessionNotFound) {
					return ErrSessionGone
				}
				i.emit(Event{Kind: EventError, Code: i.machine.Code(), Err: err})
				continue
			}
			i.machine.ResetDone(view)
			i.emit(Event{Kind: EventReset, Code: i.machine.Code(), Attempt: i.machine.Failures})
		case ActionRecreate:
			if err := i.create(ctx); err != nil {
				return err
			}
		case ActionAbort:
			return ErrSessionGone
		}
	}
}

// press submits the user's press. It returns a snapshot to act on when the
// press decided the session, nil when there is nothing further to do.
func (i *Initiator) press(ctx context.Context) (*model.SessionView, error) {
	code := i.machine.Code()
	res, err := i.api.PressButton(ctx, code, model.RoleUser)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrSessionExpired):
		i.emit(Event{Kind: EventTimedOut, Code: code})
		return nil, i.create(ctx)
	case errors.Is(err, model.ErrSessionNotFound):
		return nil, ErrSessionGone
	case errors.Is(err, model.ErrSessionNotActive):
		i.emit(Event{Kind: EventNotActive, Code: code, Err: err})
		return i.refresh(ctx, code)
	default:
		i.emit(Event{Kind: EventError, Code: code, Err: err})
		return nil, nil
	}

	i.emit(Event{Kind: EventPressed, Code: code})
	if !res.Status.IsTerminal() {
		return nil, nil
	}
	return i.refresh(ctx, code)
}

func (i *Initiator) refresh(ctx context.Context, code string) (*model.SessionView, error) {
	view, err := i.api.GetSession(ctx, code)
	if err != nil {
		i.emit(Event{Kind: EventError, Code: code, Err: err})
		return nil, nil
	}
	if view == nil {
		return nil, ErrSessionGone
	}
	return view, nil
}

// Helper joins a session by code and presses as the helper
type Helper struct {
	loop
	machine *HelperMachine
}

// NewHelper validates the entered code and creates a helper client
func NewHelper(api API, rawCode string, opts Options) (*Helper, error) {
	m, err := NewHelperMachine(rawCode)
	if err != nil {
		return nil, err
	}
	return &Helper{loop: loop{api: api, opts: opts.withDefaults()}, machine: m}, nil
}

// Code returns the normalized session code
func (h *Helper) Code() string { return h.machine.Code() }

// Run drives the helper until success. It returns ErrSessionTimedOut when the
// session expires and ErrSessionGone when it does not exist.
func (h *Helper) Run(ctx context.Context, presses <-chan struct{}) error {
	defer h.close()
	code := h.machine.Code()

	view, err := h.api.GetSession(ctx, code)
	if err != nil {
		return err
	}
	if view == nil {
		return ErrSessionGone
	}
	h.subscribe(ctx, code)

	ticker := h.opts.Clock.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()

	for {
		action, events := h.machine.Observe(view)
		h.emit(events...)
		switch action {
		case ActionFinish:
			return nil
		case ActionAbort:
			if view == nil {
				return ErrSessionGone
			}
			return ErrSessionTimedOut
		}

		var pressed bool
		view, pressed, err = h.wait(ctx, ticker, presses, code)
		if err != nil {
			return err
		}
		if !pressed {
			continue
		}

		res, err := h.api.PressButton(ctx, code, model.RoleHelper)
		switch {
		case err == nil:
			h.emit(Event{Kind: EventPressed, Code: code})
			if !res.Status.IsTerminal() {
				view, err = h.current(ctx, code)
				if err != nil {
					return err
				}
				continue
			}
		case errors.Is(err, model.ErrSessionExpired):
			h.emit(Event{Kind: EventTimedOut, Code: code, Err: ErrSessionTimedOut})
			return ErrSessionTimedOut
		case errors.Is(err, model.ErrSessionNotFound):
			return ErrSessionGone
		case errors.Is(err, model.ErrSessionNotActive):
			h.emit(Event{Kind: EventNotActive, Code: code, Err: err})
		default:
			h.emit(Event{Kind: EventError, Code: code, Err: err})
		}

		if view, err = h.current(ctx, code); err != nil {
			return err
		}
	}
}

// current fetches the session, retrying on transport errors until ctx ends
func (h *Helper) current(ctx context.Context, code string) (*model.SessionView, error) {
	for {
		view, err := h.api.GetSession(ctx, code)
		if err == nil {
			return view, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.emit(Event{Kind: EventError, Code: code, Err: err})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.opts.Clock.After(h.opts.PollInterval):
		}
	}
}
