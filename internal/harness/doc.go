// Package harness runs multi-device sync scenarios end to end.
//
// A scenario starts one sync server and a set of devices, each with its
// own journal and catalog, then executes a flow of appends and syncs
// against them. Every step is recorded as an invocation and a completion
// in the trace, which can be checked with assertions and compared against
// golden snapshots.
//
// # Scenario Format
//
//	name: two_devices_converge
//	description: "A note written on one device reaches the other"
//	definitions: |
//	  events: "note-created": {primaryKey: "id", invalidates: ["notes"]}
//	limits: {max_devices: 2}
//	devices:
//	  - {name: laptop, identity: alice}
//	  - {name: phone, identity: alice}
//	flow:
//	  - device: laptop
//	    append: {tag: note-created, payload: {id: n1, title: first}}
//	  - device: laptop
//	    sync: true
//	  - device: phone
//	    sync: true
//	    expect: {case: ok, result: {imported: 1}}
//	assertions:
//	  - type: final_state
//	    device: phone
//	    table: notes
//	    key: n1
//	    expect: {title: first}
//
// An append completes with the entry's key and local seq. A sync completes
// with how many entries were pushed to the own vault, how many were
// imported, and the cursor afterwards. A refused or closed connection
// completes with case "error" and its close code.
//
// # Assertion Types
//
//   - trace_contains: an invocation with matching args and, optionally, result
//   - trace_order: first invocations occur in the listed order
//   - trace_count: an action is invoked exactly N times
//   - final_state: a device state row matches, or is absent
//
// # Determinism
//
// Entry ids come from testutil.SequentialIDs with one node byte per device
// and journal timestamps from a manual clock, so traces are identical
// across runs.
package harness
