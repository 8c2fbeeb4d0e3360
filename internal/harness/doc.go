// Package harness loads verification scenarios and runs them against a
// target root.
//
// # Scenario Format
//
// Scenarios are YAML files validated against an embedded CUE schema:
//
//	name: debootstrap
//	description: "What this scenario verifies"
//	wrapper: {kind: schroot}          # optional, inherited by nested scenarios
//	policy:                           # optional, inherited by assertions
//	  expected_failure:
//	    reason: known pty bug
//	    when: [{kernel_below: "4.7"}, {container: ["*"]}]
//	steps:
//	  - assert:
//	      name: dev-full
//	      probe: {kind: device, path: /dev/full}
//	      expect: "1,7,0666"
//	  - assert:
//	      name: script
//	      probe: {kind: command_output, command: "script -qc 'cat /etc/debian_version' /dev/null"}
//	      expect: {reference: {kind: read_file, path: /etc/debian_version}}
//	  - scenario:
//	      name: nested
//	      steps: [...]
//
// # Probe Kinds
//
//   - exists, char_device, directory, symlink: boolean facts
//   - symlink_target: the link text, compared as a path
//   - device: "major,minor,0mode"
//   - read_file: file content, line endings normalized and trimmed
//   - command_output: stdout of a command run through the wrapper
//
// # Execution
//
// Steps run one at a time in file order. Assertion failures are recorded
// and the run continues. A failed fatal assertion aborts its scenario and
// all enclosing scenarios. A timeout aborts the scenario it happened in.
// A command that cannot be launched, or cancellation, aborts the run.
package harness
