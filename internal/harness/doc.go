// Package harness runs scripted command scenarios against a fresh
// persistence service.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	steps:
//	  - command: context
//	    args: { context: { alias: app, path: "${SCRATCH}/app" } }
//	  - command: file_handle
//	    args:
//	      context: { alias: app }
//	      file_handle: { path: notes.txt, mode: { mode: create, new: true, overwrite: false } }
//	    save: fh
//	  - command: file_write_text
//	    args: { context: { alias: app }, file_handle: { id: "${fh.id}" }, data: "hello" }
//	  - command: context
//	    args: { context: { alias: missing } }
//	    expect:
//	      kind: unknown_context
//
// Each step runs one command through rpc.Dispatcher, exactly as a client
// request would. A step without expect must succeed. expect.status is
// "ok" or "error"; expect.kind implies "error". expect.data is a subset
// match: objects may carry more fields than listed, arrays must match
// element for element.
//
// # Variables
//
// ${SCRATCH} is the scenario's scratch directory. save: name stores a
// successful step's data as ${name}; ${name.field} reaches into objects.
// A string that is exactly one reference is replaced by the value itself,
// so saved objects and numbers keep their type.
//
// # Deterministic Traces
//
// Ids come from testutil.SequentialIDGenerator, the scratch path is written
// as ${SCRATCH} and timestamps are redacted, so the trace of a run is
// byte-identical across runs and machines and can be compared against a
// golden file.
package harness
