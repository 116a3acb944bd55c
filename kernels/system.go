package kernels

// SystemKernelUID is the uid reserved for the debug/system kernel.
const SystemKernelUID uint32 = 0xFFFF_FFFF

// systemKernelWGSL clears the per-thread debug state slot. It is loaded
// outside the kernel cache and survives instruction heap growth.
const systemKernelWGSL = `
@group(0) @binding(0) var<storage, read_write> state: array<u32>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    state[id.x] = 0u;
}
`

// SystemKernel returns the source of the builtin debug/system kernel.
func SystemKernel() Source {
	return Source{
		UID:  SystemKernelUID,
		Name: "system",
		WGSL: systemKernelWGSL,
	}
}
