// Command rhidemo drives an rhi device through a simple frame loop and
// prints its resource statistics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/rhi"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file, reloaded on change")
		backend    = flag.String("backend", "host", "backend: host or noop")
		frames     = flag.Int("frames", 120, "frames to render")
		statsEvery = flag.Int("stats", 60, "print statistics every N frames")
		asJSON     = flag.Bool("json", false, "print statistics as JSON")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "rhidemo",
	})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if err := run(*configPath, *backend, *frames, *statsEvery, *asJSON, logger); err != nil {
		logger.Fatal("demo failed", "err", err)
	}
}

func run(configPath, backend string, frames, statsEvery int, asJSON bool, logger *log.Logger) error {
	cfg := rhi.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = rhi.LoadConfig(configPath); err != nil {
			return err
		}
	}

	opts := []rhi.DeviceOption{
		rhi.WithConfig(cfg),
		rhi.WithLogger(slog.New(logger)),
		rhi.WithLabel("rhidemo"),
	}
	dev, cleanup, err := openDevice(backend, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	reloads := make(chan rhi.Config, 1)
	if configPath != "" {
		g.Go(func() error {
			err := rhi.WatchConfig(ctx, configPath, func(c rhi.Config) {
				select {
				case reloads <- c:
				default:
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		defer stop()
		sc, err := newScene(dev)
		if err != nil {
			return err
		}
		defer sc.release()

		for frame := 1; frame <= frames; frame++ {
			select {
			case <-ctx.Done():
				return nil
			case c := <-reloads:
				dev.ApplyConfig(c)
				logger.Info("configuration applied", "scratch_budget", c.Transient.ScratchBudget)
			default:
			}
			if err := sc.render(frame); err != nil {
				return fmt.Errorf("frame %d: %w", frame, err)
			}
			if statsEvery > 0 && frame%statsEvery == 0 {
				if asJSON {
					fmt.Println(string(dev.StatsJSON()))
				} else {
					fmt.Println(dev.Stats())
				}
			}
		}
		return dev.WaitForIdle(context.Background())
	})

	return g.Wait()
}

func openDevice(backend string, opts []rhi.DeviceOption) (*rhi.Device, func(), error) {
	switch backend {
	case "host":
		dev, err := rhi.NewDevice(rhi.NewHostBackend(), opts...)
		if err != nil {
			return nil, nil, err
		}
		return dev, dev.Destroy, nil

	case "noop":
		api := noop.API{}
		instance, err := api.CreateInstance(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create instance: %w", err)
		}
		adapters := instance.EnumerateAdapters(nil)
		if len(adapters) == 0 {
			instance.Destroy()
			return nil, nil, errors.New("no adapters")
		}
		openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
		if err != nil {
			instance.Destroy()
			return nil, nil, fmt.Errorf("open adapter: %w", err)
		}
		dev, err := rhi.NewDeviceFromHAL(openDev.Device, openDev.Queue, opts...)
		if err != nil {
			openDev.Device.Destroy()
			instance.Destroy()
			return nil, nil, err
		}
		return dev, func() {
			dev.Destroy()
			openDev.Device.Destroy()
			instance.Destroy()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// scene is one render target, one material and a command list.
type scene struct {
	dev       *rhi.Device
	target    *rhi.Texture
	albedo    *rhi.Texture
	constants *rhi.Buffer
	layout    *rhi.BindingLayout
	pipeline  *rhi.PipelineLayout
	set       *rhi.BindingSet
	cl        *rhi.CommandList
}

func newScene(dev *rhi.Device) (*scene, error) {
	sc := &scene{dev: dev}
	var err error
	if sc.target, err = dev.CreateTexture(rhi.TextureDesc{
		Name:             "backbuffer",
		Width:            1280,
		Height:           720,
		Format:           gputypes.TextureFormatBGRA8Unorm,
		Usage:            gputypes.TextureUsageRenderAttachment,
		InitialState:     rhi.StatePresent,
		KeepInitialState: true,
	}); err != nil {
		return nil, err
	}
	if sc.albedo, err = dev.CreateTexture(rhi.TextureDesc{
		Name:      "albedo",
		Width:     512,
		Height:    512,
		MipLevels: 10,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Usage:     gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,

		InitialState: rhi.StateShaderResource,
		Permanent:    true,
	}); err != nil {
		sc.release()
		return nil, err
	}
	if sc.constants, err = dev.CreateBuffer(rhi.BufferDesc{
		Name:             "frame-constants",
		Size:             256,
		Usage:            gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		InitialState:     rhi.StateConstantBuffer,
		KeepInitialState: true,
	}); err != nil {
		sc.release()
		return nil, err
	}
	if sc.layout, err = dev.CreateBindingLayout(rhi.BindingLayoutDesc{
		Name:       "material",
		Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
		Items: []rhi.BindingLayoutItem{
			{Slot: 0, Type: rhi.ResourceTypeConstantBuffer},
			{Slot: 1, Type: rhi.ResourceTypeTextureSRV},
			{Slot: 2, Type: rhi.ResourceTypeSampler},
		},
	}); err != nil {
		sc.release()
		return nil, err
	}
	if sc.pipeline, err = dev.ResolvePipelineLayout([]*rhi.BindingLayout{sc.layout}, true); err != nil {
		sc.release()
		return nil, err
	}
	if sc.set, err = dev.CreateBindingSet(rhi.BindingSetDesc{
		Name: "material",
		Items: []rhi.BindingSetItem{
			{Slot: 0, Type: rhi.ResourceTypeConstantBuffer, Buffer: sc.constants},
			{Slot: 1, Type: rhi.ResourceTypeTextureSRV, Texture: sc.albedo},
			{Slot: 2, Type: rhi.ResourceTypeSampler, Sampler: dev.CreateSampler(rhi.SamplerDesc{Name: "linear", Linear: true})},
		},
	}, sc.layout); err != nil {
		sc.release()
		return nil, err
	}
	if sc.cl, err = dev.CreateCommandList("frame"); err != nil {
		sc.release()
		return nil, err
	}
	return sc, nil
}

func (sc *scene) render(frame int) error {
	cl := sc.cl
	if err := cl.Open(); err != nil {
		return err
	}
	var consts [16]byte
	for i := range consts {
		consts[i] = byte(frame + i)
	}
	if err := cl.WriteBuffer(sc.constants, consts[:], 0); err != nil {
		cl.Discard()
		return err
	}
	if err := cl.RequireTextureState(sc.target, rhi.AllSubresources, rhi.StateRenderTarget); err != nil {
		cl.Discard()
		return err
	}
	if err := cl.SetBindingSets(sc.set); err != nil {
		cl.Discard()
		return err
	}
	if _, err := cl.AllocateScratch(1<<20, 256); err != nil {
		cl.Discard()
		return err
	}
	if err := cl.Close(); err != nil {
		return err
	}
	if _, err := sc.dev.ExecuteCommandList(cl); err != nil {
		return err
	}
	return sc.dev.RunGarbageCollection()
}

func (sc *scene) release() {
	if sc.cl != nil {
		sc.cl.Destroy()
	}
	if sc.set != nil {
		sc.set.Release()
	}
	if sc.pipeline != nil {
		sc.pipeline.Release()
	}
	if sc.layout != nil {
		sc.layout.Release()
	}
	if sc.constants != nil {
		sc.constants.Release()
	}
	if sc.albedo != nil {
		sc.albedo.Release()
	}
	if sc.target != nil {
		sc.target.Release()
	}
}
