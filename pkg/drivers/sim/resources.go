package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/expctl/pkg/engine"
)

// Node is a simulated host. It is provisioned on its first deploy
// attempt and becomes READY once all its interfaces are.
type Node struct {
	sim
}

// ValidConnection accepts interfaces and applications.
func (n *Node) ValidConnection(other engine.Resource) bool {
	return isType(other, TypeInterface, TypeApplication)
}

// Deploy discovers and provisions the node, then waits for its interfaces.
func (n *Node) Deploy(ctx context.Context) error {
	if n.State() == engine.StateNew {
		if err := n.Discover(ctx); err != nil {
			return err
		}
		if err := n.Provision(ctx); err != nil {
			return err
		}
		if name := n.GetString("hostname"); name == "" {
			if err := n.SetInternal("hostname", fmt.Sprintf("node%d", n.Guid())); err != nil {
				return err
			}
		}
	}

	for _, iface := range n.connected(TypeInterface) {
		if s := iface.State(); s < engine.StateReady {
			return engine.NotReady("interface %d is %s", iface.Guid(), s)
		}
	}
	return n.deploy(ctx)
}

// Interface is a simulated network interface.
type Interface struct {
	sim
}

// ValidConnection accepts nodes and channels.
func (i *Interface) ValidConnection(other engine.Resource) bool {
	return isType(other, TypeNode, TypeChannel)
}

// Deploy waits for the node to be provisioned and the channel, if any, to
// be ready.
func (i *Interface) Deploy(ctx context.Context) error {
	node, err := i.first(TypeNode)
	if err != nil {
		return err
	}
	if s := node.State(); s < engine.StateProvisioned {
		return engine.NotReady("node %d is %s", node.Guid(), s)
	}
	for _, ch := range i.connected(TypeChannel) {
		if s := ch.State(); s < engine.StateReady {
			return engine.NotReady("channel %d is %s", ch.Guid(), s)
		}
	}
	return i.deploy(ctx)
}

// Channel is a simulated link. It depends on nothing.
type Channel struct {
	sim
}

// ValidConnection accepts interfaces.
func (c *Channel) ValidConnection(other engine.Resource) bool {
	return isType(other, TypeInterface)
}

// Deploy makes the channel ready after deploy_time.
func (c *Channel) Deploy(ctx context.Context) error {
	return c.deploy(ctx)
}

// Application is a simulated process. It finishes duration seconds after
// it started, or runs until stopped when duration is 0.
type Application struct {
	sim

	mu     sync.Mutex
	stdout strings.Builder
}

var _ engine.Tracer = (*Application)(nil)

// ValidConnection accepts nodes.
func (a *Application) ValidConnection(other engine.Resource) bool {
	return isType(other, TypeNode)
}

// Deploy waits for the node to be ready.
func (a *Application) Deploy(ctx context.Context) error {
	node, err := a.first(TypeNode)
	if err != nil {
		return err
	}
	if s := node.State(); s < engine.StateReady {
		return engine.NotReady("node %d is %s", node.Guid(), s)
	}
	return a.deploy(ctx)
}

// Start records the command on stdout and starts the application.
func (a *Application) Start(ctx context.Context) error {
	if err := a.sim.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	fmt.Fprintf(&a.stdout, "%s $ %s\n", time.Now().UTC().Format(time.RFC3339Nano), a.GetString("command"))
	a.mu.Unlock()
	return nil
}

// State reports FINISHED once duration elapsed since the start.
func (a *Application) State() engine.ResourceState {
	s := a.Base.State()
	if s != engine.StateStarted {
		return s
	}
	d := time.Duration(a.GetFloat("duration") * float64(time.Second))
	if d <= 0 || time.Since(a.StateTime(engine.StateStarted)) < d {
		return s
	}
	if err := a.Finish(); err != nil {
		return a.Base.State()
	}
	return engine.StateFinished
}

// Trace returns the recorded stdout.
func (a *Application) Trace(ctx context.Context, q engine.TraceQuery) (string, error) {
	if q.Name != "stdout" {
		return "", fmt.Errorf("unknown trace %q", q.Name)
	}
	a.mu.Lock()
	content := a.stdout.String()
	a.mu.Unlock()

	switch q.Attr {
	case engine.TracePath:
		return fmt.Sprintf("sim://%d/stdout", a.Guid()), nil
	case engine.TraceSize:
		return strconv.Itoa(len(content)), nil
	case engine.TraceStream:
		offset := max(q.Offset, 0)
		if offset >= len(content) || q.Block <= 0 {
			return "", nil
		}
		end := min(offset+q.Block, len(content))
		return content[offset:end], nil
	default:
		return content, nil
	}
}
