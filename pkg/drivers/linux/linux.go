// Package linux provides resource types that run experiment applications
// on Linux hosts reached over SSH.
//
// A linux::Node owns the SSH connection to a host and the experiment
// directories below the remote home:
//
//	<home>/<exp-id>/node-<guid>/
//	<home>/<exp-id>/app-<guid>/{src,build,app.sh,pid,exitcode,stdout,stderr}
//
// A linux::Application uploads its sources and stdin, installs its package
// dependencies, builds and installs, then runs its command in the
// background of its own session. Its state is probed over SSH at most
// every half second.
package linux

import (
	"sync"

	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

// Resource type names.
const (
	TypeNode        = "linux::Node"
	TypeApplication = "linux::Application"
)

// Driver creates linux resources sharing one SSH connector.
type Driver struct {
	connector ssh.Connector

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDriver returns a driver acquiring connections from connector.
func NewDriver(connector ssh.Connector) *Driver {
	return &Driver{
		connector: connector,
		locks:     make(map[string]*sync.Mutex),
	}
}

// hostLock returns the lock serializing package installation on host.
func (d *Driver) hostLock(host string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[host]
	if !ok {
		l = &sync.Mutex{}
		d.locks[host] = l
	}
	return l
}

// Register adds the linux types to factory.
func (d *Driver) Register(factory *engine.Factory) error {
	for _, info := range d.Types() {
		if err := factory.Register(info); err != nil {
			return err
		}
	}
	return nil
}

// Types returns the linux resource types.
func (d *Driver) Types() []engine.TypeInfo {
	return []engine.TypeInfo{
		{
			Name:       TypeNode,
			Help:       "Linux host reached over SSH",
			Attributes: nodeAttributes(),
			New: func(base *engine.Base) (engine.Resource, error) {
				return &Node{Base: base, driver: d}, nil
			},
		},
		{
			Name:       TypeApplication,
			Help:       "Command run in the background of a Linux host",
			Attributes: applicationAttributes(),
			Traces: []engine.Trace{
				{Name: "stdout", Help: "Standard output"},
				{Name: "stderr", Help: "Standard error"},
				{Name: "build", Help: "Output of the build and install commands"},
			},
			New: func(base *engine.Base) (engine.Resource, error) {
				return &Application{Base: base}, nil
			},
		},
	}
}

func nodeAttributes() []engine.Attribute {
	return []engine.Attribute{
		{Name: "hostname", Help: "Host name or address", Type: engine.AttrString, Validate: "omitempty,hostname_rfc1123|ip", Flags: engine.FlagExecReadOnly},
		{Name: "username", Help: "Login user", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "port", Help: "SSH port", Type: engine.AttrInteger, Default: int64(22), Validate: "min=1,max=65535", Flags: engine.FlagExecReadOnly},
		{Name: "identity", Help: "Private key file", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "password", Help: "Login password, used instead of a key when set", Type: engine.AttrString, Flags: engine.FlagExecReadOnly | engine.FlagCredential},
		{Name: "use_agent", Help: "Authenticate with the SSH agent", Type: engine.AttrBool, Default: false, Flags: engine.FlagExecReadOnly},
		{Name: "strict_host_key", Help: "Reject hosts missing from known_hosts", Type: engine.AttrBool, Default: true, Flags: engine.FlagExecReadOnly},
		{Name: "gateway", Help: "SSH gateway host", Type: engine.AttrString, Validate: "omitempty,hostname_rfc1123|ip", Flags: engine.FlagExecReadOnly},
		{Name: "gateway_user", Help: "Login user on the gateway", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "home", Help: "Directory holding experiment files, relative to the login home", Type: engine.AttrString, Default: ".expctl", Flags: engine.FlagExecReadOnly},
		{Name: "clean_home", Help: "Remove the experiment home before provisioning", Type: engine.AttrBool, Default: false, Flags: engine.FlagExecReadOnly},
		{Name: "clean_processes", Help: "Kill processes left by earlier runs before provisioning", Type: engine.AttrBool, Default: false, Flags: engine.FlagExecReadOnly},
		{Name: "tear_down", Help: "Shell command run when the node is released", Type: engine.AttrString},
		{Name: "os", Help: "Distribution id", Type: engine.AttrString, Flags: engine.FlagReadOnly},
		{Name: "os_version", Help: "Distribution version", Type: engine.AttrString, Flags: engine.FlagReadOnly},
		{Name: "kernel", Help: "Kernel release", Type: engine.AttrString, Flags: engine.FlagReadOnly},
		{Name: "arch", Help: "Normalized machine architecture", Type: engine.AttrString, Flags: engine.FlagReadOnly},
		{Name: "package_manager", Help: "Detected package manager", Type: engine.AttrString, Flags: engine.FlagReadOnly},
	}
}

func applicationAttributes() []engine.Attribute {
	return []engine.Attribute{
		{Name: "command", Help: "Command line; may use ${SOURCES}, ${BUILD}, ${APP_HOME}, ${NODE_HOME} and ${EXP_HOME}", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "env", Help: "Space separated NAME=value pairs exported before the command", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "sudo", Help: "Run the command as root", Type: engine.AttrBool, Default: false, Flags: engine.FlagExecReadOnly},
		{Name: "depends", Help: "Space separated packages to install", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "sources", Help: "Space separated local files uploaded to ${SOURCES}", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "build", Help: "Shell command run in ${BUILD} after upload", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "install", Help: "Shell command run in ${APP_HOME} after build", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "stdin", Help: "Content fed to the command's standard input", Type: engine.AttrString, Flags: engine.FlagExecReadOnly},
		{Name: "tear_down", Help: "Shell command run when the application is released", Type: engine.AttrString},
	}
}
