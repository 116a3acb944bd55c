// Command dshdemo simulates frames against a dynamic state heap and prints
// the resulting cache and heap statistics.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/dsh"
	"github.com/gogpu/dsh/backend/native"
	"github.com/gogpu/dsh/fence"
	"github.com/gogpu/dsh/kernels"
)

func main() {
	var (
		frames   = flag.Int("frames", 64, "number of frames to simulate")
		kernelN  = flag.Int("kernels", 48, "number of distinct kernels")
		perFrame = flag.Int("per-frame", 6, "kernel dispatches per frame")
		inFlight = flag.Int("in-flight", 2, "frames in flight before completion")
		backend  = flag.String("backend", "memory", "heap backing: memory or noop")
		seed     = flag.Int64("seed", 1, "random seed for kernel selection")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	dsh.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := []dsh.Option{
		dsh.WithInstructionHeap(4<<10, 4<<10, 64<<10),
		dsh.WithPerfSink(func(r dsh.PerfRecord) {
			dsh.Logger().Debug("perf record", "media_state", r.MediaState, "subsystem", r.SubsystemID)
		}),
	}

	var signal func() error
	var complete func(frame int)
	var tracker fence.Tracker

	switch *backend {
	case "memory":
		manual := fence.NewManual()
		tracker = manual
		signal = func() error { manual.Submit(0); return nil }
		complete = func(frame int) { manual.Complete(0, uint64(frame+1)) }
	case "noop":
		device, queue, cleanup, err := openNoop()
		if err != nil {
			log.Fatalf("noop device: %v", err)
		}
		defer cleanup()
		t, err := native.NewTracker(device, queue)
		if err != nil {
			log.Fatalf("tracker: %v", err)
		}
		defer t.Destroy()
		tracker = t
		signal = func() error { _, err := t.Submit(0); return err }
		complete = func(int) {}
		opts = append(opts, dsh.WithBackingFactory(native.NewBackingFactory(device, queue)))
	default:
		log.Fatalf("unknown backend %q", *backend)
	}

	m, err := dsh.New(opts...)
	if err != nil {
		log.Fatalf("create manager: %v", err)
	}
	defer m.Close()

	lib := kernels.NewLibrary(0)
	if err := m.LoadSystemKernel(lib); err != nil {
		log.Fatalf("load system kernel: %v", err)
	}

	fc := fence.Context{Tracker: tracker, Stream: 0, Producer: 1}
	rng := rand.New(rand.NewSource(*seed))
	for frame := 0; frame < *frames; frame++ {
		if err := runFrame(m, fc, rng, *kernelN, *perFrame); err != nil {
			log.Fatalf("frame %d: %v", frame, err)
		}
		if err := signal(); err != nil {
			log.Fatalf("frame %d: signal: %v", frame, err)
		}
		if done := frame - *inFlight; done >= 0 {
			complete(done)
		}
	}
	if err := m.RefreshSync(fc); err != nil {
		log.Fatalf("refresh: %v", err)
	}

	fmt.Println(m.Stats())
}

// runFrame assigns a media state, dispatches perFrame random kernels into it
// and submits it.
func runFrame(m *dsh.Manager, fc fence.Context, rng *rand.Rand, kernelN, perFrame int) error {
	ms, err := m.AssignMediaState(fc, dsh.MediaStateConfig{
		CurbeSize:           uint64(perFrame * 64),
		Samplers3D:          1,
		DispatchDescriptors: perFrame,
		ScratchPerThread:    256,
		SubsystemID:         1,
	})
	if err != nil {
		return fmt.Errorf("assign media state: %w", err)
	}
	for i := 0; i < perFrame; i++ {
		uid := uint32(rng.Intn(kernelN))
		k, err := m.LoadKernel(fc, uid, 0, kernelBinary(uid))
		if err != nil {
			return fmt.Errorf("load kernel %d: %w", uid, err)
		}
		curbe, err := m.LoadCurbeData(ms, make([]byte, 48))
		if err != nil {
			return fmt.Errorf("curbe: %w", err)
		}
		if _, err := m.GetOrAllocateDispatchDescriptor(ms, k, dsh.DispatchParams{
			CurbeOffset: uint32(curbe),
			CurbeLength: 48,
			ThreadCount: 64,
		}); err != nil {
			return fmt.Errorf("descriptor: %w", err)
		}
	}
	return m.SubmitMediaState(fc, ms)
}

// kernelBinary fabricates a payload whose size depends on uid, so kernels
// fragment the instruction heap unevenly.
func kernelBinary(uid uint32) []byte {
	b := make([]byte, 256+int(uid%7)*192)
	for i := range b {
		b[i] = byte(uid) ^ byte(i)
	}
	return b
}

func openNoop() (hal.Device, hal.Queue, func(), error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, nil, nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, nil, errors.New("no adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, err
	}
	return openDev.Device, openDev.Queue, func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}, nil
}
