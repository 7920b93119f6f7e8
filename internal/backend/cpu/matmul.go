package cpu

import (
	"fmt"

	"github.com/born-ml/mnistrt/internal/parallel"
	"github.com/born-ml/mnistrt/internal/tensor"
)

// MatMul performs matrix multiplication: (M, K) @ (K, N) -> (M, N).
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape := a.Shape()
	bShape := b.Shape()

	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: only 2D tensors supported, got %dD and %dD", len(aShape), len(bShape)))
	}
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		panic(fmt.Sprintf("matmul: unsupported dtype %s", a.DType()))
	}

	m, k := aShape[0], aShape[1]
	kAlt, n := bShape[0], bShape[1]
	if k != kAlt {
		panic(fmt.Sprintf("matmul: shape mismatch [%d,%d] @ [%d,%d]", m, k, kAlt, n))
	}

	result := cpu.newFloat32("matmul", tensor.Shape{m, n})
	matmulFloat32(result.AsFloat32(), a.AsFloat32(), b.AsFloat32(), m, k, n, cpu.par)
	return result
}

// matmulFloat32 computes C = A @ B with rows of C split across workers.
// The i-k-j order keeps the inner loop on contiguous rows of B and C.
func matmulFloat32(c, a, b []float32, m, k, n int, cfg parallel.Config) {
	parallel.ForRange(m, cfg, func(start, end int) {
		for i := start; i < end; i++ {
			cRow := c[i*n : (i+1)*n]
			for j := range cRow {
				cRow[j] = 0
			}
			aRow := a[i*k : (i+1)*k]
			for kIdx, av := range aRow {
				if av == 0 {
					continue
				}
				bRow := b[kIdx*n : (kIdx+1)*n]
				for j, bv := range bRow {
					cRow[j] += av * bv
				}
			}
		}
	})
}
