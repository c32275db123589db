package linux

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

// stateCheckInterval is the minimum time between two liveness probes.
const stateCheckInterval = 500 * time.Millisecond

// probeTimeout bounds one liveness probe.
const probeTimeout = 10 * time.Second

// Application runs a command in the background of its node.
type Application struct {
	*engine.Base

	mu        sync.Mutex
	pid       int
	lastCheck time.Time
	probing   bool
}

var (
	_ engine.ConnectionValidator = (*Application)(nil)
	_ engine.Tracer              = (*Application)(nil)
)

// ValidConnection accepts a single node.
func (a *Application) ValidConnection(other engine.Resource) bool {
	return other.Type() == TypeNode && len(a.Connected(TypeNode)) == 0
}

func (a *Application) node() (*Node, error) {
	for _, r := range a.Connected(TypeNode) {
		if n, ok := r.(*Node); ok {
			return n, nil
		}
	}
	return nil, engine.NewInvalidError("application is not connected to a node", nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(a.Guid())
}

// AppHome returns the directory owned by the application.
func (a *Application) AppHome(n *Node) string {
	return path.Join(n.ExpHome(), fmt.Sprintf("app-%d", a.Guid()))
}

// PID returns the process id of the running command, or 0.
func (a *Application) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pid
}

// absolute anchors a path relative to the login home.
func absolute(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "${HOME}/" + p
}

// expand replaces the path placeholders of cmd.
func (a *Application) expand(n *Node, cmd string) string {
	home := a.AppHome(n)
	return strings.NewReplacer(
		"${SOURCES}", absolute(path.Join(home, "src")),
		"${BUILD}", absolute(path.Join(home, "build")),
		"${APP_HOME}", absolute(home),
		"${NODE_HOME}", absolute(n.NodeHome()),
		"${EXP_HOME}", absolute(n.ExpHome()),
	).Replace(cmd)
}

// Deploy waits for the node and prepares the application.
func (a *Application) Deploy(ctx context.Context) error {
	n, err := a.node()
	if err != nil {
		return err
	}
	if s := n.State(); s < engine.StateReady {
		return engine.NotReady("node %d is %s", n.Guid(), s)
	}

	if a.State() == engine.StateNew {
		if err := a.Discover(ctx); err != nil {
			return err
		}
	}
	if a.State() == engine.StateDiscovered {
		if err := a.Provision(ctx); err != nil {
			return err
		}
	}
	return a.Base.Deploy(ctx)
}

// Provision uploads sources and stdin, installs dependencies, then builds
// and installs the application.
func (a *Application) Provision(ctx context.Context) error {
	n, err := a.node()
	if err != nil {
		return err
	}
	home := a.AppHome(n)

	if _, err := n.Exec(ctx, "mkdir -p "+ssh.ShellQuote(path.Join(home, "src"))+" "+ssh.ShellQuote(path.Join(home, "build")), false); err != nil {
		return err
	}

	for _, src := range strings.Fields(a.GetString("sources")) {
		content, err := os.ReadFile(src)
		if err != nil {
			return engine.NewInvalidError("cannot read source "+src, err).
				WithCode(engine.ErrCodeValidation).
				WithResource(a.Guid())
		}
		if err := n.Upload(ctx, content, path.Join(home, "src", filepath.Base(src)), 0644); err != nil {
			return err
		}
	}

	if stdin := a.GetString("stdin"); stdin != "" {
		if err := n.Upload(ctx, []byte(stdin), path.Join(home, "stdin"), 0644); err != nil {
			return err
		}
	}

	if err := n.InstallPackages(ctx, strings.Fields(a.GetString("depends"))); err != nil {
		return err
	}

	if build := a.GetString("build"); build != "" {
		a.Logger().Infof("building")
		if err := a.runStep(ctx, n, path.Join(home, "build"), build); err != nil {
			return err
		}
	}
	if install := a.GetString("install"); install != "" {
		a.Logger().Infof("installing")
		if err := a.runStep(ctx, n, home, install); err != nil {
			return err
		}
	}

	return a.Base.Provision(ctx)
}

// runStep runs a build step in dir, appending its output to the build log.
func (a *Application) runStep(ctx context.Context, n *Node, dir, step string) error {
	log := ssh.ShellQuote(path.Join(a.AppHome(n), "build.log"))
	cmd := fmt.Sprintf("cd %s && ( %s ) >> %s 2>&1", ssh.ShellQuote(dir), a.expand(n, step), log)
	_, err := n.Exec(ctx, cmd, false)
	return err
}

// script returns the content of app.sh.
func (a *Application) script(n *Node) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, kv := range strings.Fields(a.GetString("env")) {
		b.WriteString("export " + kv + "\n")
	}
	cmd := a.expand(n, a.GetString("command"))
	if a.GetBool("sudo") {
		cmd = "sudo -n " + cmd
	}
	b.WriteString(cmd + "\n")
	return b.String()
}

// launchCommand starts app.sh in its own session and prints its pid.
func (a *Application) launchCommand(n *Node) string {
	home := ssh.ShellQuote(a.AppHome(n))
	stdin := "/dev/null"
	if a.GetString("stdin") != "" {
		stdin = "stdin"
	}
	return fmt.Sprintf("cd %s || exit 1; rm -f exitcode; "+
		"setsid bash -c 'bash ./app.sh; echo $? > exitcode' < %s > stdout 2> stderr & "+
		"echo $! > pid; cat pid", home, stdin)
}

// Start launches the command. An application without a command is only
// used to install dependencies and finishes immediately.
func (a *Application) Start(ctx context.Context) error {
	n, err := a.node()
	if err != nil {
		return err
	}

	if a.GetString("command") == "" {
		if err := a.Base.Start(ctx); err != nil {
			return err
		}
		return a.Finish()
	}

	if err := n.Upload(ctx, []byte(a.script(n)), path.Join(a.AppHome(n), "app.sh"), 0755); err != nil {
		return err
	}
	out, err := n.Exec(ctx, a.launchCommand(n), false)
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 0 {
		return engine.NewDriverError(fmt.Sprintf("unexpected pid %q", out), err).WithResource(a.Guid())
	}

	a.mu.Lock()
	a.pid = pid
	a.lastCheck = time.Now()
	a.mu.Unlock()

	a.Logger().Infof("started pid %d", pid)
	return a.Base.Start(ctx)
}

// Stop kills the process group of the command.
func (a *Application) Stop(ctx context.Context) error {
	n, err := a.node()
	if err != nil {
		return err
	}
	if pid := a.PID(); pid > 0 && a.Base.State() == engine.StateStarted {
		cmd := fmt.Sprintf("kill -TERM -- -%d 2>/dev/null || kill -TERM %d 2>/dev/null || true", pid, pid)
		if _, err := n.Exec(ctx, cmd, a.GetBool("sudo")); err != nil {
			return err
		}
	}
	return a.Base.Stop(ctx)
}

// Release runs tear_down, stops a running command and releases.
func (a *Application) Release(ctx context.Context) error {
	n, err := a.node()
	if err == nil && n.State() < engine.StateReleased {
		if td := a.GetString("tear_down"); td != "" {
			if _, err := n.Exec(ctx, a.expand(n, td), false); err != nil {
				a.Logger().WithError(err).Warn("tear down failed")
			}
		}
		if a.Base.State() == engine.StateStarted {
			if err := a.Stop(ctx); err != nil {
				a.Logger().WithError(err).Warn("failed to stop")
			}
		}
	}
	return a.Base.Release(ctx)
}

// State probes a started command at most every stateCheckInterval.
func (a *Application) State() engine.ResourceState {
	s := a.Base.State()
	if s != engine.StateStarted {
		return s
	}

	a.mu.Lock()
	if a.probing || a.pid == 0 || time.Since(a.lastCheck) < stateCheckInterval {
		a.mu.Unlock()
		return s
	}
	a.probing = true
	pid := a.pid
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	next := a.probe(ctx, pid)

	a.mu.Lock()
	a.probing = false
	a.lastCheck = time.Now()
	a.mu.Unlock()
	return next
}

// probe checks whether pid is alive and reads its exit code once it is not.
func (a *Application) probe(ctx context.Context, pid int) engine.ResourceState {
	n, err := a.node()
	if err != nil {
		return a.Base.State()
	}

	_, err = n.Exec(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null", pid), a.GetBool("sudo"))
	if err == nil {
		return engine.StateStarted
	}
	if !engine.IsDriver(err) {
		a.Logger().WithError(err).Debug("liveness probe failed")
		return a.Base.State()
	}

	out, err := n.Exec(ctx, "cat "+ssh.ShellQuote(path.Join(a.AppHome(n), "exitcode")), false)
	if err != nil {
		// The wrapper writes exitcode after the process is gone.
		return a.Base.State()
	}
	code := strings.TrimSpace(out)
	if code == "0" {
		if err := a.Finish(); err != nil {
			a.Logger().WithError(err).Debug("could not mark finished")
		}
		return a.Base.State()
	}

	stderr, _ := n.Exec(ctx, "tail -c 2048 "+ssh.ShellQuote(path.Join(a.AppHome(n), "stderr")), false)
	ferr := fmt.Errorf("command exited with code %s: %s", code, strings.TrimSpace(stderr))
	a.Logger().WithError(ferr).Error("application failed")
	_ = a.Fail("run", ferr)
	return a.Base.State()
}

// Trace reads stdout, stderr or the build log from the host.
func (a *Application) Trace(ctx context.Context, q engine.TraceQuery) (string, error) {
	n, err := a.node()
	if err != nil {
		return "", err
	}
	name := q.Name
	if name == "build" {
		name = "build.log"
	}
	file := path.Join(a.AppHome(n), name)
	quoted := ssh.ShellQuote(file)

	switch q.Attr {
	case engine.TracePath:
		return file, nil
	case engine.TraceSize:
		out, err := n.Exec(ctx, "stat -c %s "+quoted+" 2>/dev/null || echo 0", false)
		return strings.TrimSpace(out), err
	case engine.TraceStream:
		if q.Block <= 0 {
			return "", nil
		}
		return n.Exec(ctx, fmt.Sprintf("tail -c +%d %s 2>/dev/null | head -c %d", max(q.Offset, 0)+1, quoted, q.Block), false)
	default:
		return n.Exec(ctx, "cat "+quoted+" 2>/dev/null || true", false)
	}
}
