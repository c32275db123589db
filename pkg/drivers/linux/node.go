package linux

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

// Node is a Linux host. It connects on discover, prepares the experiment
// directories on provision and releases its connection on release.
type Node struct {
	*engine.Base
	driver *Driver

	mu        sync.Mutex
	config    *ssh.Config
	transport ssh.Transport
}

var _ engine.ConnectionValidator = (*Node)(nil)

// ValidConnection accepts applications.
func (n *Node) ValidConnection(other engine.Resource) bool {
	return other.Type() == TypeApplication
}

// Home returns the experiment root on the host.
func (n *Node) Home() string {
	return n.GetString("home")
}

// ExpHome returns the directory of the current experiment.
func (n *Node) ExpHome() string {
	return path.Join(n.Home(), n.Handle().ExpID())
}

// NodeHome returns the directory owned by this node.
func (n *Node) NodeHome() string {
	return path.Join(n.ExpHome(), fmt.Sprintf("node-%d", n.Guid()))
}

// sshConfig builds the connection settings from the attributes.
func (n *Node) sshConfig() *ssh.Config {
	config := ssh.DefaultConfig(n.GetString("hostname"), n.GetString("username"))
	config.Port = int(n.GetInt("port"))
	config.StrictHostKeyChecking = n.GetBool("strict_host_key")

	switch {
	case n.GetString("password") != "":
		config.AuthMethod = ssh.AuthMethodPassword
		config.Password = n.GetString("password")
	case n.GetBool("use_agent"):
		config.AuthMethod = ssh.AuthMethodAgent
	default:
		config.PrivateKeyPath = n.GetString("identity")
	}

	if gw := n.GetString("gateway"); gw != "" {
		config.ProxyHost = gw
		config.ProxyUser = n.GetString("gateway_user")
		if config.ProxyUser == "" {
			config.ProxyUser = config.User
		}
	}
	return config
}

// connect acquires the pooled connection to the host.
func (n *Node) connect(ctx context.Context) (ssh.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.transport != nil {
		return n.transport, nil
	}

	if n.GetString("hostname") == "" {
		return nil, engine.NewInvalidError("hostname is not set", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(n.Guid())
	}
	if n.GetString("username") == "" {
		return nil, engine.NewInvalidError("username is not set", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(n.Guid())
	}

	config := n.sshConfig()
	transport, err := n.driver.connector.Acquire(ctx, config)
	if err != nil {
		return nil, engine.NewTransportError("failed to connect to "+config.Address(), err).
			WithResource(n.Guid())
	}
	n.config = config
	n.transport = transport
	return transport, nil
}

// Discover connects to the host and records its facts.
func (n *Node) Discover(ctx context.Context) error {
	if _, err := n.connect(ctx); err != nil {
		return err
	}

	out, err := n.Exec(ctx, factsCommand, false)
	if err != nil {
		return err
	}
	facts := parseFacts(out)

	for name, value := range map[string]string{
		"os":              facts.OS,
		"os_version":      facts.OSVersion,
		"kernel":          facts.Kernel,
		"arch":            facts.Arch,
		"package_manager": facts.PackageManager,
	} {
		if err := n.SetInternal(name, value); err != nil {
			return err
		}
	}
	n.Logger().Infof("discovered %s %s (%s, kernel %s)", facts.OS, facts.OSVersion, facts.Arch, facts.Kernel)

	return n.Base.Discover(ctx)
}

// Provision cleans up earlier runs if asked and creates the node home.
func (n *Node) Provision(ctx context.Context) error {
	exp := ssh.ShellQuote(n.ExpHome())

	if n.GetBool("clean_processes") {
		// Every launched application runs with its app home in the command line.
		if _, err := n.Exec(ctx, "pkill -TERM -f "+ssh.ShellQuote(n.Home()+"/")+" || true", false); err != nil {
			return err
		}
	}
	if n.GetBool("clean_home") {
		if _, err := n.Exec(ctx, "rm -rf "+ssh.ShellQuote(n.Home()), false); err != nil {
			return err
		}
	}
	if _, err := n.Exec(ctx, "mkdir -p "+exp+" "+ssh.ShellQuote(n.NodeHome()), false); err != nil {
		return err
	}
	return n.Base.Provision(ctx)
}

// Deploy discovers and provisions a new node, then marks it ready.
func (n *Node) Deploy(ctx context.Context) error {
	if n.State() == engine.StateNew {
		if err := n.Discover(ctx); err != nil {
			return err
		}
	}
	if n.State() == engine.StateDiscovered {
		if err := n.Provision(ctx); err != nil {
			return err
		}
	}
	return n.Base.Deploy(ctx)
}

// Release runs tear_down and gives the connection back to the pool.
func (n *Node) Release(ctx context.Context) error {
	n.mu.Lock()
	transport, config := n.transport, n.config
	n.mu.Unlock()

	if transport != nil {
		if td := n.GetString("tear_down"); td != "" {
			if _, err := n.Exec(ctx, td, false); err != nil {
				n.Logger().WithError(err).Warn("tear down failed")
			}
		}

		n.mu.Lock()
		n.transport, n.config = nil, nil
		n.mu.Unlock()
		if err := n.driver.connector.Release(config); err != nil {
			n.Logger().WithError(err).Warn("failed to release connection")
		}
	}
	return n.Base.Release(ctx)
}

// Exec runs cmd on the host and returns its standard output.
func (n *Node) Exec(ctx context.Context, cmd string, sudo bool) (string, error) {
	n.mu.Lock()
	transport := n.transport
	n.mu.Unlock()
	if transport == nil {
		return "", engine.NewTransportError("node is not connected", nil).WithResource(n.Guid())
	}

	var (
		stdout, stderr string
		err            error
	)
	if sudo {
		stdout, stderr, err = transport.ExecuteCommandWithSudo(ctx, cmd, n.GetString("password"))
	} else {
		stdout, stderr, err = transport.ExecuteCommand(ctx, cmd)
	}
	if err != nil {
		return stdout, n.commandError(cmd, stderr, err)
	}
	return stdout, nil
}

// commandError classifies a failed command: non-zero exits are driver
// errors, everything else is a transport error.
func (n *Node) commandError(cmd, stderr string, err error) error {
	if code := ssh.ExitCode(err); code > 0 {
		return engine.NewDriverError(fmt.Sprintf("command exited with code %d", code), err).
			WithResource(n.Guid()).
			WithDetail("command", firstLine(cmd)).
			WithDetail("stderr", stderr)
	}
	return engine.NewTransportError("command failed", err).
		WithResource(n.Guid()).
		WithDetail("command", firstLine(cmd))
}

// Upload writes content to remote unless the file already holds it.
func (n *Node) Upload(ctx context.Context, content []byte, remote string, mode uint32) error {
	n.mu.Lock()
	transport := n.transport
	n.mu.Unlock()
	if transport == nil {
		return engine.NewTransportError("node is not connected", nil).WithResource(n.Guid())
	}

	want := fmt.Sprintf("%x", sha256.Sum256(content))
	if got, err := transport.ComputeChecksum(ctx, remote); err == nil && got == want {
		n.Logger().Debugf("%s is up to date", remote)
		return nil
	}

	if err := transport.UploadContent(ctx, content, remote, mode); err != nil {
		return engine.NewTransportError("failed to upload "+remote, err).WithResource(n.Guid())
	}
	return nil
}

// InstallPackages installs the missing packages, one application at a
// time per host.
func (n *Node) InstallPackages(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	manager := n.GetString("package_manager")

	if _, err := n.Exec(ctx, installedCommand(manager, packages), false); err == nil {
		return nil
	}

	cmd, err := installCommand(manager, packages)
	if err != nil {
		return engine.NewDriverError("cannot install dependencies", err).WithResource(n.Guid())
	}

	lock := n.driver.hostLock(n.GetString("hostname"))
	lock.Lock()
	defer lock.Unlock()

	n.Logger().Infof("installing %s", strings.Join(packages, " "))
	_, err = n.Exec(ctx, cmd, true)
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
