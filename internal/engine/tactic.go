package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/klauspost/cpuid/v2"

	"github.com/born-ml/mnistrt/internal/backend/cpu"
	"github.com/born-ml/mnistrt/internal/tensor"
)

const (
	// Convolutions with fewer multiply-adds per output than this skip
	// im2col: the column buffer costs more than it saves.
	directMaxPatch = 32

	// Column buffers above this many L2 caches run direct.
	colBufferL2Multiple = 64

	defaultL2 = 256 << 10
)

func cpuBrand() string {
	if cpuid.CPU.BrandName == "" {
		return cpuid.CPU.VendorString
	}
	return cpuid.CPU.BrandName
}

func l2Size() int64 {
	if cpuid.CPU.Cache.L2 > 0 {
		return int64(cpuid.CPU.Cache.L2)
	}
	return defaultL2
}

// heuristicTactic picks a convolution tactic from the step geometry and the
// host cache size.
func heuristicTactic(s *Step) Tactic {
	in, out := s.InShape, s.OutShape
	if in[1]*s.Kernel*s.Kernel < directMaxPatch {
		return TacticDirect
	}
	if cpu.Im2colBytes(in[0], in[1], s.Kernel, s.Kernel, out[2], out[3]) > colBufferL2Multiple*l2Size() {
		return TacticDirect
	}
	return TacticIm2col
}

func (b *Builder) selectTactics(ctx context.Context, steps []Step, raw map[string]*tensor.RawTensor, device DeviceKind, cfg *BuilderConfig) error {
	b.logger.Debug("host", "cpu", cpuBrand(), "l2", l2Size(), "avx2", cpuid.CPU.Supports(cpuid.AVX2))
	for i := range steps {
		s := &steps[i]
		switch {
		case device == DeviceWebGPU:
			s.Tactic = TacticWGSL
		case s.Op == OpFC:
			s.Tactic = TacticGemm
		case s.Op == OpConv && cfg.Autotune:
			t, err := b.timeConv(ctx, s, raw[s.Weight], cfg.TimingIterations)
			if err != nil {
				return err
			}
			s.Tactic = t
		case s.Op == OpConv:
			s.Tactic = heuristicTactic(s)
		default:
			s.Tactic = TacticNaive
		}
		b.logger.Debug("tactic", "step", s.Name, "op", s.Op, "tactic", s.Tactic)
	}
	return nil
}

// timeConv runs both CPU convolution kernels on random input and returns
// the faster one.
func (b *Builder) timeConv(ctx context.Context, s *Step, kernel *tensor.RawTensor, iterations int) (Tactic, error) {
	if kernel == nil {
		return "", fmt.Errorf("%s: no kernel to time", s.Name)
	}
	iterations = max(iterations, 1)

	rng := rand.New(rand.NewSource(int64(len(s.Name))))
	values := make([]float32, s.InShape.NumElements())
	for i := range values {
		values[i] = float32(rng.NormFloat64())
	}
	input, err := tensor.FromFloat32(s.InShape, values, tensor.CPU)
	if err != nil {
		return "", err
	}

	kernels := []struct {
		tactic Tactic
		run    func(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor
	}{
		{TacticIm2col, b.backend.Conv2D},
		{TacticDirect, b.backend.Conv2DDirect},
	}

	best, bestTime := TacticIm2col, time.Duration(-1)
	for _, k := range kernels {
		var total time.Duration
		for i := 0; i < iterations; i++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			start := time.Now()
			k.run(input, kernel, s.Stride, s.Padding)
			total += time.Since(start)
		}
		b.logger.Debug("timed tactic", "step", s.Name, "tactic", k.tactic, "avg", total/time.Duration(iterations))
		if bestTime < 0 || total < bestTime {
			best, bestTime = k.tactic, total
		}
	}
	return best, nil
}
