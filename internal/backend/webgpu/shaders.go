package webgpu

// conv2dShader computes a direct convolution with bias and optional ReLU.
// Input [batch, in_channels, h, w], kernel [out_channels, in_channels, k, k].
const conv2dShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read> kernel: array<f32>;
@group(0) @binding(2) var<storage, read> bias: array<f32>;
@group(0) @binding(3) var<storage, read_write> output: array<f32>;

struct Params {
    batch: u32,
    in_channels: u32,
    in_height: u32,
    in_width: u32,
    out_channels: u32,
    kernel_size: u32,
    stride: u32,
    padding: u32,
    out_height: u32,
    out_width: u32,
    relu: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let b = global_id.z / params.out_channels;
    let oc = global_id.z % params.out_channels;
    let oh = global_id.y;
    let ow = global_id.x;

    if (b >= params.batch || oh >= params.out_height || ow >= params.out_width) {
        return;
    }

    var sum: f32 = bias[oc];
    let k = params.kernel_size;
    for (var ic: u32 = 0u; ic < params.in_channels; ic = ic + 1u) {
        for (var kh: u32 = 0u; kh < k; kh = kh + 1u) {
            for (var kw: u32 = 0u; kw < k; kw = kw + 1u) {
                let ih = i32(oh * params.stride + kh) - i32(params.padding);
                let iw = i32(ow * params.stride + kw) - i32(params.padding);
                if (ih >= 0 && iw >= 0 && u32(ih) < params.in_height && u32(iw) < params.in_width) {
                    let in_idx = ((b * params.in_channels + ic) * params.in_height + u32(ih)) * params.in_width + u32(iw);
                    let k_idx = ((oc * params.in_channels + ic) * k + kh) * k + kw;
                    sum = sum + input[in_idx] * kernel[k_idx];
                }
            }
        }
    }
    if (params.relu != 0u) {
        sum = max(sum, 0.0);
    }

    let out_idx = ((b * params.out_channels + oc) * params.out_height + oh) * params.out_width + ow;
    output[out_idx] = sum;
}
`

// maxPool2dShader computes max pooling over square windows.
const maxPool2dShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> output: array<f32>;

struct Params {
    batch: u32,
    channels: u32,
    in_height: u32,
    in_width: u32,
    kernel_size: u32,
    stride: u32,
    out_height: u32,
    out_width: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let b = global_id.z / params.channels;
    let c = global_id.z % params.channels;
    let oh = global_id.y;
    let ow = global_id.x;

    if (b >= params.batch || oh >= params.out_height || ow >= params.out_width) {
        return;
    }

    var max_val: f32 = -3.402823e+38;
    for (var kh: u32 = 0u; kh < params.kernel_size; kh = kh + 1u) {
        for (var kw: u32 = 0u; kw < params.kernel_size; kw = kw + 1u) {
            let ih = oh * params.stride + kh;
            let iw = ow * params.stride + kw;
            let in_idx = ((b * params.channels + c) * params.in_height + ih) * params.in_width + iw;
            max_val = max(max_val, input[in_idx]);
        }
    }

    let out_idx = ((b * params.channels + c) * params.out_height + oh) * params.out_width + ow;
    output[out_idx] = max_val;
}
`

// linearShader computes result = a @ w + bias with optional ReLU.
// a is [M, K], w is [K, N] (pre-transposed), result is [M, N].
const linearShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> w: array<f32>;
@group(0) @binding(2) var<storage, read> bias: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

struct Params {
    M: u32,
    K: u32,
    N: u32,
    relu: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;
    if (row >= params.M || col >= params.N) {
        return;
    }

    var sum: f32 = bias[col];
    for (var k: u32 = 0u; k < params.K; k = k + 1u) {
        sum = sum + a[row * params.K + k] * w[k * params.N + col];
    }
    if (params.relu != 0u) {
        sum = max(sum, 0.0);
    }
    result[row * params.N + col] = sum;
}
`

// reluShader applies ReLU: result = max(0, x).
const reluShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = max(0.0, input[idx]);
    }
}
`
