package prof

import (
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"

	"github.com/efficientgo/core/errors"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile, or ProfileCPU passed
	// where a snapshot is expected.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime profile.
type Profile string

// Profiles.
const (
	ProfileCPU          Profile = "cpu"
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

// String returns the profile name.
func (p Profile) String() string {
	return string(p)
}

// Register mounts the pprof handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

var (
	cpuMutex  sync.Mutex
	cpuFile   *os.File
	cpuActive bool
)

// StartCPU starts CPU profiling into a new file at path.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuActive {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create cpu profile")
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "start cpu profile")
	}
	cpuFile = f
	cpuActive = true
	return nil
}

// StopCPU stops CPU profiling and closes the file. It does nothing if
// profiling is not active.
func StopCPU() {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if !cpuActive {
		return
	}
	rpprof.StopCPUProfile()
	if cpuFile != nil {
		_ = cpuFile.Close()
		cpuFile = nil
	}
	cpuActive = false
}

// IsCPUActive reports whether CPU profiling is active.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuActive
}

// Write writes a snapshot of profile to a new file at path in protobuf
// form.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s profile", profile)
	}
	defer f.Close()
	return WriteTo(profile, f, 0)
}

// WriteTo writes a snapshot of profile to w. Debug 0 is protobuf; 1 and 2
// are text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	if profile == ProfileCPU {
		return errors.Wrap(ErrInvalidProfile, "cpu profiles are recorded with StartCPU")
	}
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return errors.Wrapf(ErrInvalidProfile, "%q", string(profile))
	}
	return p.WriteTo(w, debug)
}

// SetBlockProfileRate sets the block profile rate in nanoseconds; 0
// disables it.
func SetBlockProfileRate(rate int) {
	runtime.SetBlockProfileRate(rate)
}

// SetMutexProfileFraction reports 1/rate mutex contention events; 0
// disables it.
func SetMutexProfileFraction(rate int) {
	runtime.SetMutexProfileFraction(rate)
}
