// Package config loads experiment descriptions and expctl settings.
//
// # Descriptions
//
// An experiment description declares resources, their attributes,
// connections and traces, the conditions gating their start or stop, how
// they are deployed, and optionally how the experiment is repeated.
// Descriptions are written in CUE or YAML. Both formats are checked
// against the same CUE schema, then by a validator that resolves
// references between resources.
//
//	name: "ping"
//
//	resources: [
//		{id: "node1", type: "linux::Node", attributes: hostname: "host1"},
//		{id: "ping", type: "linux::Application", connections: ["node1"],
//			attributes: command: "ping -c 3 host2"},
//	]
//
//	conditions: [{
//		resources: ["ping"], action: "stop",
//		after: ["ping"], state: "STARTED", delay: "10s",
//	}]
//
// In CUE, resources may also be written as a map keyed by id.
//
// # Components
//
// Loader picks the CUE or YAML loader by file extension. CUELoader loads
// files, directories (as a CUE package) and inline content. SchemaRegistry
// holds the CUE schemas. Validator adds the struct-tag and reference
// checks, and CheckTypes checks a description against the resource types
// of an engine factory.
//
// Apply registers a description with an experiment controller and Deploy
// deploys it group by group.
//
// StarlarkEvaluator runs the metric and convergence scripts of repeated
// runs with a timeout.
//
// # Settings
//
// Settings configure the controller, the ledger and telemetry. They are
// read from a YAML file and overridden by EXPCTL_* environment variables.
package config
