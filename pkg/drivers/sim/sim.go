// Package sim provides in-process resource types for rehearsing
// experiment descriptions without touching real hosts.
//
// Deployment follows the dependencies of a real testbed: an interface
// waits for its node to be provisioned and its channel to be ready, a node
// waits for its interfaces, and an application waits for its node. An
// application finishes on its own after its duration.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/expctl/pkg/engine"
)

// Resource type names.
const (
	TypeNode        = "sim::Node"
	TypeInterface   = "sim::Interface"
	TypeChannel     = "sim::Channel"
	TypeApplication = "sim::Application"
)

// Values of the fail_on attribute.
const (
	failNone    = "none"
	failDeploy  = "deploy"
	failStart   = "start"
	failStop    = "stop"
	failRelease = "release"
)

// ErrInjected is returned by operations selected with fail_on.
var ErrInjected = fmt.Errorf("injected failure")

func commonAttributes() []engine.Attribute {
	return []engine.Attribute{
		{
			Name:     "deploy_time",
			Help:     "Seconds spent deploying",
			Type:     engine.AttrDouble,
			Default:  0.0,
			Validate: "min=0",
			Flags:    engine.FlagExecReadOnly,
		},
		{
			Name:    "fail_on",
			Help:    "Operation that fails",
			Type:    engine.AttrEnum,
			Default: failNone,
			Allowed: []string{failNone, failDeploy, failStart, failStop, failRelease},
		},
	}
}

func withCommon(attrs ...engine.Attribute) []engine.Attribute {
	return append(commonAttributes(), attrs...)
}

// Types returns the simulated resource types.
func Types() []engine.TypeInfo {
	return []engine.TypeInfo{
		{
			Name: TypeNode,
			Help: "Simulated host",
			Attributes: withCommon(
				engine.Attribute{Name: "hostname", Help: "Host name", Type: engine.AttrString, Validate: "omitempty,hostname"},
				engine.Attribute{Name: "cpus", Help: "Number of CPUs", Type: engine.AttrInteger, Default: int64(1), Validate: "min=1"},
			),
			New: func(base *engine.Base) (engine.Resource, error) {
				return &Node{sim: sim{Base: base}}, nil
			},
		},
		{
			Name: TypeInterface,
			Help: "Simulated network interface of a node",
			Attributes: withCommon(
				engine.Attribute{Name: "ip", Help: "Address", Type: engine.AttrString, Validate: "omitempty,ip", Flags: engine.FlagExecReadOnly},
				engine.Attribute{Name: "prefix", Help: "Prefix length", Type: engine.AttrInteger, Default: int64(24), Validate: "min=0,max=128"},
				engine.Attribute{Name: "up", Help: "Link state", Type: engine.AttrBool, Default: true},
			),
			New: func(base *engine.Base) (engine.Resource, error) {
				return &Interface{sim: sim{Base: base}}, nil
			},
		},
		{
			Name: TypeChannel,
			Help: "Simulated link between interfaces",
			Attributes: withCommon(
				engine.Attribute{Name: "delay", Help: "One-way delay in milliseconds", Type: engine.AttrDouble, Default: 0.0, Validate: "min=0"},
				engine.Attribute{Name: "loss", Help: "Packet loss ratio", Type: engine.AttrDouble, Default: 0.0, Validate: "min=0,max=1"},
			),
			New: func(base *engine.Base) (engine.Resource, error) {
				return &Channel{sim: sim{Base: base}}, nil
			},
		},
		{
			Name: TypeApplication,
			Help: "Simulated application running on a node",
			Attributes: withCommon(
				engine.Attribute{Name: "command", Help: "Command line", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
				engine.Attribute{Name: "duration", Help: "Seconds until the application finishes, 0 runs until stopped", Type: engine.AttrDouble, Default: 0.0, Validate: "min=0"},
			),
			Traces: []engine.Trace{
				{Name: "stdout", Help: "Standard output"},
			},
			New: func(base *engine.Base) (engine.Resource, error) {
				return &Application{sim: sim{Base: base}}, nil
			},
		},
	}
}

// Register adds the simulated types to factory.
func Register(factory *engine.Factory) error {
	for _, info := range Types() {
		if err := factory.Register(info); err != nil {
			return err
		}
	}
	return nil
}

// sim holds the behaviour shared by every simulated type.
type sim struct {
	*engine.Base
}

func (s *sim) inject(op string) error {
	if s.GetString("fail_on") == op {
		return fmt.Errorf("%s %d: %w", s.Type(), s.Guid(), ErrInjected)
	}
	return nil
}

// work sleeps for deploy_time or until ctx is done.
func (s *sim) work(ctx context.Context) error {
	d := time.Duration(s.GetFloat("deploy_time") * float64(time.Second))
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *sim) deploy(ctx context.Context) error {
	if err := s.inject(failDeploy); err != nil {
		return err
	}
	if err := s.work(ctx); err != nil {
		return err
	}
	return s.Base.Deploy(ctx)
}

// Start fails when fail_on is start.
func (s *sim) Start(ctx context.Context) error {
	if err := s.inject(failStart); err != nil {
		return err
	}
	return s.Base.Start(ctx)
}

// Stop fails when fail_on is stop.
func (s *sim) Stop(ctx context.Context) error {
	if err := s.inject(failStop); err != nil {
		return err
	}
	return s.Base.Stop(ctx)
}

// Release stops a started resource, then fails when fail_on is release;
// the controller still marks the resource released.
func (s *sim) Release(ctx context.Context) error {
	if s.Base.State() == engine.StateStarted {
		if err := s.Stop(ctx); err != nil {
			s.Logger().WithError(err).Warn("failed to stop before release")
		}
	}
	if err := s.inject(failRelease); err != nil {
		return err
	}
	return s.Base.Release(ctx)
}

// connected returns the connected resources of rtype.
func (s *sim) connected(rtype string) []engine.Resource {
	return s.Connected(rtype)
}

// first returns the first connected resource of rtype.
func (s *sim) first(rtype string) (engine.Resource, error) {
	rs := s.connected(rtype)
	if len(rs) == 0 {
		return nil, fmt.Errorf("%s %d is not connected to a %s", s.Type(), s.Guid(), rtype)
	}
	return rs[0], nil
}

func isType(r engine.Resource, types ...string) bool {
	for _, t := range types {
		if r.Type() == t {
			return true
		}
	}
	return false
}
