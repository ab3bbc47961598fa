// Package prof exposes runtime profiles of the daemon.
//
// [Register] mounts the net/http/pprof handlers on a mux, so they are served
// next to /metrics rather than on a listener of their own. [StartCPU] and
// [StopCPU] record a CPU profile to a file for the life of the process, and
// [Write] captures a snapshot profile such as [ProfileHeap] or
// [ProfileGoroutine]:
//
//	if err := prof.StartCPU("cpu.prof"); err != nil {
//		return err
//	}
//	defer prof.StopCPU()
//
// Block and mutex profiles stay empty until [SetBlockProfileRate] and
// [SetMutexProfileFraction] enable them.
package prof
