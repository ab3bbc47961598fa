// Package gcp implements the device side of the GCP vendor command
// protocol.
//
// Commands reach the device as the data stage of a vendor control
// request. Each command is a little-endian header followed by arguments:
//
//	offset 0: class id  (uint32)
//	offset 4: verb      (uint32)
//	offset 8: arguments
//
// A command runs in up to three control transfers, all using
// [RequestCommand]:
//
//   - submit: OUT with [ValueExecute] carrying the command. The
//     [Registry] runs it and the response or error is held.
//   - fetch: IN with [ValueExecute]. The held response is returned.
//   - abort: IN with [ValueCancel]. The held error code is returned as
//     4 little-endian bytes, or [ErrStateNotRecoverable] if none is held.
//
// A failed submit stalls the IN endpoint so the host knows to abort.
//
// [Classes] is a [Registry] over numbered classes of numbered verbs.
// [CoreClass] provides board identity and introspection; [SelftestClass]
// exercises the command path.
package gcp
