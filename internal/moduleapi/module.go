// Package moduleapi is the plug-in framework every signaling feature
// builds on. A module is modeled as a capability record, a set of
// function hooks plus an opaque per-connection state value, rather than
// as a generic interface with associated types, so the runner dispatching
// between modules never needs to know a module's concrete Go type. Type safety at the call site
// is the module author's responsibility: each hook receives and returns
// `any` and is expected to type-assert its own state.
package moduleapi

import (
	"context"
	"time"

	"github.com/opentalkeu/signaling-runtime/internal/exchange"
	"github.com/opentalkeu/signaling-runtime/internal/ids"
	"github.com/opentalkeu/signaling-runtime/internal/storage"
)

// Id is a module's stable ASCII identifier: the wire namespace and the
// routing-key/demux key used throughout the runtime.
type Id string

// BuildParamsFunc runs once per process at startup. Returning ok=false
// disables the module entirely for the life of the process.
type BuildParamsFunc func(initData any) (params any, ok bool)

// InitFunc runs once per connection, after the control module has
// authenticated the participant. Returning ok=false skips the module for
// this session without failing the connection; a non-nil error fails the
// whole session.
type InitFunc func(ctx context.Context, mc *Context, params any) (state any, ok bool, err error)

// OnEventFunc is invoked for every event dispatched to this module's
// instance, in the order the runner pulled them off its select loop.
type OnEventFunc func(ctx context.Context, mc *Context, state any, evt Event) error

// OnDestroyFunc is guaranteed to run exactly once per successfully
// initialized module instance, regardless of teardown path.
type OnDestroyFunc func(ctx context.Context, mc *Context, state any, destroy DestroyContext)

// Module is the capability record a feature registers with the runner.
type Module struct {
	Id          Id
	Features    []string
	BuildParams BuildParamsFunc
	Init        InitFunc
	OnEvent     OnEventFunc
	OnDestroy   OnDestroyFunc
}

// Hooks are the runner-provided implementations behind a Context. Modules
// never see this struct; the runner fills it in when it instantiates a
// module.
type Hooks struct {
	WsSend                     func(moduleId Id, payload any) error
	ExchangePublish            func(routingKey string, moduleId Id, payload any) error
	ExchangePublishAny         func(routingKey string, evt exchange.NamespacedEvent) error
	BindExchange               func(routingKey string) error
	UnbindExchange             func(routingKey string) error
	RegisterExternalStream     func(name string, ch <-chan any)
	InvalidateParticipantState func()
	DispatchLifecycle          func(evt Event)
	Exit                       func(code int)
	ExitWithReason             func(code int, reason LeaveReason)
}

// Context is the API surface a module's hooks see. It is per-runner,
// per-module.
type Context struct {
	ParticipantId ids.ParticipantId
	RunnerId      ids.RunnerId
	Room          ids.SignalingRoomId
	Role          Role
	Now           func() time.Time

	Volatile storage.Storage

	hooks Hooks
}

// NewContext is used by the runner to construct a module's Context with its
// concrete hook implementations wired in; modules never construct this
// directly.
func NewContext(
	participantId ids.ParticipantId,
	runnerId ids.RunnerId,
	room ids.SignalingRoomId,
	role Role,
	now func() time.Time,
	volatile storage.Storage,
	hooks Hooks,
) *Context {
	return &Context{
		ParticipantId: participantId,
		RunnerId:      runnerId,
		Room:          room,
		Role:          role,
		Now:           now,
		Volatile:      volatile,
		hooks:         hooks,
	}
}

func (c *Context) WsSend(moduleId Id, payload any) error { return c.hooks.WsSend(moduleId, payload) }

func (c *Context) ExchangePublish(routingKey string, moduleId Id, payload any) error {
	return c.hooks.ExchangePublish(routingKey, moduleId, payload)
}

func (c *Context) ExchangePublishAny(routingKey string, evt exchange.NamespacedEvent) error {
	return c.hooks.ExchangePublishAny(routingKey, evt)
}

func (c *Context) BindExchange(routingKey string) error { return c.hooks.BindExchange(routingKey) }

func (c *Context) UnbindExchange(routingKey string) error {
	return c.hooks.UnbindExchange(routingKey)
}

// RegisterExternalStream lets a module ask the runner to include ch in its
// select loop; items arrive as Event{Kind: Ext}.
func (c *Context) RegisterExternalStream(name string, ch <-chan any) {
	c.hooks.RegisterExternalStream(name, ch)
}

// InvalidateParticipantState schedules a peer-data refresh broadcast, e.g.
// after a module mutates peer-visible state out of band.
func (c *Context) InvalidateParticipantState() { c.hooks.InvalidateParticipantState() }

// DispatchLifecycle asks the runner to fan a lifecycle signal (RaiseHand,
// LowerHand, RoleUpdated, ...) out to every module instance on this runner.
// Only the control module uses this; feature modules receive, they do not
// emit.
func (c *Context) DispatchLifecycle(evt Event) { c.hooks.DispatchLifecycle(evt) }

// Exit requests a graceful runner shutdown with the given close code; it
// takes effect after the current event finishes processing.
func (c *Context) Exit(code int) { c.hooks.Exit(code) }

// ExitWithReason is Exit with an explicit leave reason carried on the Left
// broadcast, used by modules that move a participant elsewhere (breakout
// transitions) rather than ending the session outright.
func (c *Context) ExitWithReason(code int, reason LeaveReason) {
	c.hooks.ExitWithReason(code, reason)
}

// Role is a participant's privilege level.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

func (r Role) IsModerator() bool { return r == RoleModerator }
