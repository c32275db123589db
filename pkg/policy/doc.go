// Package policy checks experiment descriptions against Open Policy Agent
// (OPA) Rego policies before they are deployed.
//
// Each policy is a Rego module defining a deny set. Members of the set are
// strings or objects with message, resource and severity keys. The input
// document is:
//
//	{
//	  "experiment": <the description>,
//	  "types": {"linux::Node": ["hostname", "port", ...]},
//	  "operation": "deploy"
//	}
//
// # Built-in Policies
//
//   - dangling-references: connections, conditions and deploy groups name
//     declared resources (error)
//   - self-start-deadlock: no resource waits on its own start to start (error)
//   - unconnected-applications: applications are connected to a node (warning)
//   - unbounded-runs: repeated runs stopping only on convergence set
//     max_runs (warning)
//
// # Custom Policies
//
// Policies are loaded from .rego files, named after the file, or from .json
// files holding a Policy. A "# severity: error" comment in the leading
// comment block of a .rego file sets its default severity.
//
//	# Nodes must use key authentication.
//	# severity: error
//	package site.keys
//
//	import rego.v1
//
//	deny contains msg if {
//		some r in input.experiment.resources
//		r.type == "linux::Node"
//		r.attributes.password
//		msg := sprintf("%s uses a password", [r.id])
//	}
//
// # Modes
//
// In advisory mode violations are reported only. In enforcing mode an
// error or critical violation makes Result.Allowed false and expctl
// refuses to deploy.
package policy
