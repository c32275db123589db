package linux

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

// factsCommand prints one section per fact, each introduced by a marker line.
const factsCommand = `echo '### os-release'; cat /etc/os-release 2>/dev/null; ` +
	`echo '### kernel'; uname -r; ` +
	`echo '### machine'; uname -m; ` +
	`echo '### hostname'; hostname; ` +
	`echo '### package-manager'; for m in apt-get dnf yum zypper; do command -v $m >/dev/null 2>&1 && { echo $m; break; }; done`

// Facts describes a host.
type Facts struct {
	OS             string
	OSVersion      string
	Kernel         string
	Arch           string
	Hostname       string
	PackageManager string
}

// parseFacts reads the output of factsCommand.
func parseFacts(output string) Facts {
	var facts Facts
	section := ""
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "### ") {
			section = strings.TrimPrefix(line, "### ")
			continue
		}
		if line == "" {
			continue
		}
		switch section {
		case "os-release":
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			value = strings.Trim(value, `"'`)
			switch key {
			case "ID":
				facts.OS = value
			case "VERSION_ID":
				facts.OSVersion = value
			}
		case "kernel":
			facts.Kernel = line
		case "machine":
			facts.Arch = normalizeArchitecture(line)
		case "hostname":
			facts.Hostname = line
		case "package-manager":
			if facts.PackageManager == "" {
				facts.PackageManager = line
			}
		}
	}
	return facts
}

func normalizeArchitecture(machine string) string {
	switch machine {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l", "armv6l":
		return "arm"
	case "i386", "i686":
		return "386"
	default:
		return machine
	}
}

// installCommand returns the command installing packages with manager.
func installCommand(manager string, packages []string) (string, error) {
	quoted := make([]string, len(packages))
	for i, p := range packages {
		quoted[i] = ssh.ShellQuote(p)
	}
	list := strings.Join(quoted, " ")

	switch manager {
	case "apt-get":
		return "DEBIAN_FRONTEND=noninteractive apt-get install -y " + list, nil
	case "dnf", "yum":
		return manager + " install -y " + list, nil
	case "zypper":
		return "zypper --non-interactive install " + list, nil
	default:
		return "", fmt.Errorf("unsupported package manager: %q", manager)
	}
}

// installedCommand exits 0 when every package is installed.
func installedCommand(manager string, packages []string) string {
	quoted := make([]string, len(packages))
	for i, p := range packages {
		quoted[i] = ssh.ShellQuote(p)
	}
	list := strings.Join(quoted, " ")

	if manager == "apt-get" {
		return "dpkg-query -W " + list + " >/dev/null 2>&1"
	}
	return "rpm -q " + list + " >/dev/null 2>&1"
}
