package policy

// BuiltinPolicies returns the policies shipped with expctl.
func BuiltinPolicies() []Policy {
	return []Policy{
		danglingReferencesPolicy(),
		selfStartPolicy(),
		unconnectedApplicationsPolicy(),
		unboundedRunsPolicy(),
	}
}

// danglingReferencesPolicy rejects references to undeclared resources.
func danglingReferencesPolicy() Policy {
	return Policy{
		Name:        "dangling-references",
		Description: "Connections, conditions and deploy groups must name declared resources",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package expctl.policies.references

import rego.v1

declared contains r.id if {
	some r in input.experiment.resources
}

deny contains violation if {
	some r in input.experiment.resources
	some c in r.connections
	not declared[c]
	violation := {
		"message": sprintf("resource %s connects to undeclared resource %s", [r.id, c]),
		"resource": r.id,
	}
}

deny contains violation if {
	some i, cond in input.experiment.conditions
	some id in array.concat(cond.resources, cond.after)
	not declared[id]
	violation := {
		"message": sprintf("condition %d references undeclared resource %s", [i, id]),
		"resource": id,
	}
}

deny contains violation if {
	some group in input.experiment.deploy.groups
	some id in group
	not declared[id]
	violation := {
		"message": sprintf("deploy group references undeclared resource %s", [id]),
		"resource": id,
	}
}
`,
	}
}

// selfStartPolicy rejects a start condition that waits on the resource
// itself reaching STARTED or a later state.
func selfStartPolicy() Policy {
	return Policy{
		Name:        "self-start-deadlock",
		Description: "A resource cannot wait on its own start to start",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package expctl.policies.selfstart

import rego.v1

after_start := {"STARTED", "STOPPED", "FINISHED", "RELEASED"}

deny contains violation if {
	some cond in input.experiment.conditions
	cond.action == "start"
	upper(cond.state) in after_start
	some id in cond.resources
	id in cond.after
	violation := {
		"message": sprintf("resource %s waits on itself reaching %s before starting", [id, upper(cond.state)]),
		"resource": id,
	}
}
`,
	}
}

// unconnectedApplicationsPolicy warns about applications with no node.
func unconnectedApplicationsPolicy() Policy {
	return Policy{
		Name:        "unconnected-applications",
		Description: "Applications should be connected to a node",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package expctl.policies.applications

import rego.v1

deny contains violation if {
	some r in input.experiment.resources
	endswith(r.type, "::Application")
	count(object.get(r, "connections", [])) == 0
	not connected_from_elsewhere(r.id)
	violation := {
		"message": sprintf("application %s is not connected to any node", [r.id]),
		"resource": r.id,
	}
}

connected_from_elsewhere(id) if {
	some other in input.experiment.resources
	id in object.get(other, "connections", [])
}
`,
	}
}

// unboundedRunsPolicy warns about repeated runs that may never stop.
func unboundedRunsPolicy() Policy {
	return Policy{
		Name:        "unbounded-runs",
		Description: "Repeated runs should set max_runs",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package expctl.policies.runs

import rego.v1

deny contains violation if {
	run := input.experiment.run
	object.get(run, "max_runs", 0) == 0
	object.get(run, "convergence_script", "") != ""
	violation := {"message": "runs stop only on convergence; set max_runs to bound them"}
}
`,
	}
}
