// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command nucleus-harness drives the kernel core end to end, outside of any
// unit test, for each of the scenarios used to validate this repo against
// its specification: priority message-queue ordering, fork+COW, scheduler
// priority, wait-queue wakeup order, syscall errno mapping, and capability
// enforcement.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/nucleuscore/nucleus/pkg/audit"
	"github.com/nucleuscore/nucleus/pkg/boot"
	"github.com/nucleuscore/nucleus/pkg/cap"
	"github.com/nucleuscore/nucleus/pkg/hal"
	"github.com/nucleuscore/nucleus/pkg/ipc/mq"
	"github.com/nucleuscore/nucleus/pkg/ipc/shm"
	"github.com/nucleuscore/nucleus/pkg/mm/frame"
	"github.com/nucleuscore/nucleus/pkg/mm/paging"
	"github.com/nucleuscore/nucleus/pkg/proc"
	"github.com/nucleuscore/nucleus/pkg/sched"
	"github.com/nucleuscore/nucleus/pkg/signal"
	nsyscall "github.com/nucleuscore/nucleus/pkg/syscall"
)

var (
	scenario = flag.String("scenario", "all", "scenario to run: mq-priority, fork-cow, sched-priority, wait-queue, errno, capability, all")
	verbose  = flag.Bool("verbose", false, "enable verbose logging")
	pretty   = flag.Bool("pretty", true, "pretty-print JSON output")
)

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	names := []string{"mq-priority", "fork-cow", "sched-priority", "wait-queue", "errno", "capability"}
	if *scenario != "all" {
		names = []string{*scenario}
	}

	results := make(map[string]any, len(names))
	for _, name := range names {
		fn, ok := scenarios[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n", name)
			os.Exit(2)
		}
		out, err := fn(logger)
		if err != nil {
			results[name] = map[string]string{"error": err.Error()}
			continue
		}
		results[name] = out
	}

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(results); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var scenarios = map[string]func(logr.Logger) (any, error){
	"mq-priority":    runMQPriority,
	"fork-cow":       runForkCOW,
	"sched-priority": runSchedPriority,
	"wait-queue":     runWaitQueue,
	"errno":          runErrno,
	"capability":     runCapability,
}

// env bundles the minimum kernel instance a scenario needs: its own HAL
// arena, frame allocator, mapper, process/thread tables, and scheduler —
// per the design note that globally-mutable kernel state is an explicit,
// per-instance construction rather than package-level singletons.
type env struct {
	sim       *hal.Simulated
	frames    *frame.Allocator
	mapper    *paging.Mapper
	kernel    *proc.Kernel
	scheduler *sched.Scheduler
	signals   *signal.Delivery
	shm       *shm.Registry
	dispatch  *nsyscall.Dispatcher
	auditLog  *audit.Log
}

func newEnv(logger logr.Logger) (*env, error) {
	sim, err := hal.NewSimulated(128 * 1024 * 1024)
	if err != nil {
		return nil, err
	}
	fa, err := frame.New(logger, boot.Info{MemoryMap: []boot.MemoryMapEntry{
		{Base: 16 * 1024 * 1024, Length: 64 * 1024 * 1024, Type: boot.RegionAvailable},
	}})
	if err != nil {
		return nil, err
	}
	mapper, err := paging.NewMapper(logger, sim, fa, sim.Arena())
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(logger)
	if err != nil {
		return nil, err
	}

	limiter := cap.NewLimiter()
	k := proc.NewKernel(logger, mapper, limiter)
	k.OnDenied = auditLog.Deny

	idle := &proc.TCB{Tid: k.Threads.AllocTid(), Pid: proc.NoPid, Name: "idle", Priority: -1, Affinity: 1, CurrentCPU: -1, Signals: &proc.ThreadSignalState{}, Done: make(chan struct{})}
	if err := k.Threads.Register(idle); err != nil {
		return nil, err
	}
	scheduler := sched.NewScheduler(logger, sim, k.Processes, k.Threads, []*proc.TCB{idle})
	sig := signal.New(k.Processes, k.Threads)
	shmRegistry := shm.NewRegistry(fa)
	dispatch := nsyscall.New(logger, k, scheduler, sig, shmRegistry, nil)

	return &env{sim: sim, frames: fa, mapper: mapper, kernel: k, scheduler: scheduler, signals: sig, shm: shmRegistry, dispatch: dispatch, auditLog: auditLog}, nil
}

func (e *env) close() {
	_ = e.auditLog.Close()
	_ = e.sim.Close()
}

func (e *env) newProcess(name string, creds proc.Credentials) (*proc.PCB, *proc.TCB, error) {
	p, err := e.kernel.ProcessCreate(name, creds, 0)
	if err != nil {
		return nil, nil, err
	}
	t, err := e.kernel.ThreadCreate(p, 0, 0, name+"-main", 0, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := e.scheduler.AddThread(t); err != nil {
		return nil, nil, err
	}
	return p, t, nil
}

// runMQPriority implements scenario 1: three sends at priorities 1/10/5,
// three receives must come back 10, 5, 1.
func runMQPriority(logger logr.Logger) (any, error) {
	e, err := newEnv(logger)
	if err != nil {
		return nil, err
	}
	defer e.close()

	_, thread, err := e.newProcess("mq-demo", proc.Credentials{Uid: 1000, Euid: 1000})
	if err != nil {
		return nil, err
	}

	q, err := mq.New(10, 100, e.scheduler)
	if err != nil {
		return nil, err
	}
	if err := q.Send(thread, []byte("low"), 1, false); err != nil {
		return nil, err
	}
	if err := q.Send(thread, []byte("high"), 10, false); err != nil {
		return nil, err
	}
	if err := q.Send(thread, []byte("medium"), 5, false); err != nil {
		return nil, err
	}

	type received struct {
		Priority int    `json:"priority"`
		Payload  string `json:"payload"`
	}
	var out []received
	for i := 0; i < 3; i++ {
		buf := make([]byte, 100)
		n, prio, err := q.Receive(thread, buf, false)
		if err != nil {
			return nil, err
		}
		out = append(out, received{Priority: prio, Payload: string(buf[:n])})
	}
	return out, nil
}

// runForkCOW implements scenario 2: a parent writes to a page, forks, the
// child sees the parent's write, then each side diverges on its own write.
func runForkCOW(logger logr.Logger) (any, error) {
	e, err := newEnv(logger)
	if err != nil {
		return nil, err
	}
	defer e.close()

	parent, thread, err := e.newProcess("cow-parent", proc.Credentials{Uid: 0, Euid: 0})
	if err != nil {
		return nil, err
	}

	const virt = 0x40_0000
	f, err := e.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	if err := parent.AddressSpace.Map(virt, f.Addr(), paging.MapFlags{Writable: true, User: true}); err != nil {
		return nil, err
	}
	arena := e.mapper.Arena()
	phys, _ := parent.AddressSpace.Translate(virt)
	arena[phys] = 0x42

	child, _, err := e.kernel.Fork(parent, thread, proc.CloneFlags{CloneVM: true})
	if err != nil {
		return nil, err
	}

	childPhys, _ := child.AddressSpace.Translate(virt)
	childSeesAfterFork := arena[childPhys]

	// Parent writes post-fork: the #PF handler (pkg/intr) resolves the COW
	// fault and copies the frame before the store actually lands.
	if err := parent.AddressSpace.HandleWriteFault(virt, parent.COW); err != nil {
		return nil, err
	}
	parentPhys, _ := parent.AddressSpace.Translate(virt)
	arena[parentPhys] = 0xAA

	childPhysAfter, _ := child.AddressSpace.Translate(virt)
	childSeesAfterParentWrite := arena[childPhysAfter]
	parentReadback := arena[parentPhys]

	return map[string]any{
		"child_sees_after_fork":         childSeesAfterFork,
		"child_sees_after_parent_write": childSeesAfterParentWrite,
		"parent_readback":               parentReadback,
		"frames_diverged":               parentPhys != childPhysAfter,
	}, nil
}

// runSchedPriority implements scenario 3: a high-priority and a low-priority
// thread are both runnable; pick_next must return the high-priority one
// first, then the low one after the high thread yields.
func runSchedPriority(logger logr.Logger) (any, error) {
	e, err := newEnv(logger)
	if err != nil {
		return nil, err
	}
	defer e.close()

	p, err := e.kernel.ProcessCreate("sched-demo", proc.Credentials{Uid: 1000, Euid: 1000}, 0)
	if err != nil {
		return nil, err
	}
	high, err := e.kernel.ThreadCreate(p, 0, 0, "t-high", 0, 0)
	if err != nil {
		return nil, err
	}
	high.Priority = 192
	low, err := e.kernel.ThreadCreate(p, 0, 0, "t-low", 0, 0)
	if err != nil {
		return nil, err
	}
	low.Priority = 64

	cpu0 := e.scheduler.CPUs()[0]
	if err := e.scheduler.AddThread(high); err != nil {
		return nil, err
	}
	if err := e.scheduler.AddThread(low); err != nil {
		return nil, err
	}

	first := e.scheduler.PickNext(cpu0)
	high.SetState(proc.ThreadReady) // yield: re-enqueue rather than block
	if err := e.scheduler.AddThread(high); err != nil {
		return nil, err
	}
	second := e.scheduler.PickNext(cpu0)

	return map[string]string{"first": first.Name, "second": second.Name}, nil
}

// runWaitQueue implements scenario 4: wake_one returns the first blocked
// thread; wake_all drains the rest.
func runWaitQueue(logger logr.Logger) (any, error) {
	e, err := newEnv(logger)
	if err != nil {
		return nil, err
	}
	defer e.close()

	p, err := e.kernel.ProcessCreate("waitq-demo", proc.Credentials{Uid: 1000, Euid: 1000}, 0)
	if err != nil {
		return nil, err
	}
	t1, err := e.kernel.ThreadCreate(p, 0, 0, "t1", 0, 0)
	if err != nil {
		return nil, err
	}
	t2, err := e.kernel.ThreadCreate(p, 0, 0, "t2", 0, 0)
	if err != nil {
		return nil, err
	}

	q := sched.NewWaitQueue()
	q.Sleep(t1, 0)
	q.Sleep(t2, 0)

	woken := q.WakeOne()
	remainingBeforeAll := q.Len()
	all := q.WakeAll()

	return map[string]any{
		"wake_one":             woken.Name,
		"wake_one_state":       int(woken.GetState()),
		"remaining_before_all": remainingBeforeAll,
		"wake_all_count":       len(all),
		"queue_len_after":      q.Len(),
	}, nil
}

// runErrno implements scenario 5: a bad fd and a missing path map to
// EBADF/ENOENT through the syscall dispatcher's -errno encoding.
func runErrno(logger logr.Logger) (any, error) {
	e, err := newEnv(logger)
	if err != nil {
		return nil, err
	}
	defer e.close()

	_, thread, err := e.newProcess("errno-demo", proc.Credentials{Uid: 1000, Euid: 1000})
	if err != nil {
		return nil, err
	}

	badFD := e.dispatch.Dispatch(context.Background(), nsyscall.NrRead, thread, nsyscall.Args{999, 0x1000, 100})

	e.dispatch.VFS = missingFileVFS{}
	const pathVirt = 0x3000_0000
	if err := mapPage(e, thread, pathVirt); err != nil {
		return nil, err
	}
	copyOutPath(e, thread, pathVirt, "/tmp/nope")
	missing := e.dispatch.Dispatch(context.Background(), nsyscall.NrOpen, thread, nsyscall.Args{pathVirt, uint64(nsyscall.ORdOnly), 0})

	return map[string]int64{
		"read_bad_fd":       int64(int32(badFD)),
		"open_missing_path": int64(int32(missing)),
	}, nil
}

// runCapability implements scenario 6: setuid without CAP_SETUID fails
// with EACCES; as root it succeeds, and the caller has traded away its
// root identity for the rest of the run.
func runCapability(logger logr.Logger) (any, error) {
	e, err := newEnv(logger)
	if err != nil {
		return nil, err
	}
	defer e.close()

	p, thread, err := e.newProcess("cap-demo", proc.Credentials{Uid: 1000, Euid: 1000})
	if err != nil {
		return nil, err
	}
	denied := e.dispatch.Dispatch(context.Background(), nsyscall.NrSetuid, thread, nsyscall.Args{0})

	p.Creds.Euid = 0
	allowed := e.dispatch.Dispatch(context.Background(), nsyscall.NrSetuid, thread, nsyscall.Args{1000})

	return map[string]any{
		"denied_as_non_root": int64(int32(denied)),
		"allowed_as_root":    int64(int32(allowed)),
		"euid_after":         p.Creds.Euid,
	}, nil
}

func mapPage(e *env, thread *proc.TCB, virt uint64) error {
	p, ok := e.kernel.Processes.Get(thread.Pid)
	if !ok {
		return fmt.Errorf("no process for thread %d", thread.Tid)
	}
	f, err := e.frames.AllocFrame()
	if err != nil {
		return err
	}
	return p.AddressSpace.Map(virt, f.Addr(), paging.MapFlags{Writable: true, User: true})
}

func copyOutPath(e *env, thread *proc.TCB, virt uint64, path string) {
	p, ok := e.kernel.Processes.Get(thread.Pid)
	if !ok {
		return
	}
	_ = nsyscall.CopyOut(p.AddressSpace, e.mapper.Arena(), virt, append([]byte(path), 0))
}

// missingFileVFS always reports ENOENT, for the errno-mapping scenario.
type missingFileVFS struct{}

func (missingFileVFS) Open(path string, flags int, mode uint32) (nsyscall.File, error) {
	return nil, os.ErrNotExist
}
