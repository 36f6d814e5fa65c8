// Package config loads the stagehand configuration file and step catalogs.
//
// The configuration file is YAML and is validated with struct tags. It names
// the state and history paths, the default reboot mode, trigger and identity
// settings, restart detection signals, secrets and telemetry, and may list
// steps inline:
//
//	state_path: /var/lib/stagehand/state.json
//	reboot_mode: Check
//	identities:
//	  workstation: {kind: user, username: deploy}
//	steps:
//	  - name: install-agent
//	    priority: 10
//	    detect: {run: "test -x /opt/agent/bin/agent"}
//	    apply: {run: "/tmp/install-agent.sh"}
//	  - name: reboot-after-agent
//	    priority: 20
//	    depends_on: [install-agent]
//	    checkpoint: {mode: Check, next_section: post}
//
// Step catalogs are CUE files or directories listed under catalog. Each file
// declares a steps struct keyed by step name; every entry is checked against
// the #Step definition held by the SchemaRegistry before it is decoded:
//
//	steps: "install-agent": {
//	    priority: 10
//	    apply: run: "/tmp/install-agent.sh"
//	}
//
// Detect logic that outgrows a shell command can be written in Starlark with
// detect_script. StarlarkEvaluator runs such scripts under a time limit and
// lets callers inject host builtins.
package config
