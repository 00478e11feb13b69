package cpu

import "encoding/binary"

// Kernels compiled into every CPU HAL. Images that export these names can be
// executed by any server built from this module.
//
// Argument layouts (in declaration order):
//
//	fill_u32        (global uint *dst, uint value)
//	vector_add_u32  (global uint *a, global uint *b, global uint *out)
//	barrier_markers (global uint *markers, global uint *result)
func init() {
	RegisterKernel("fill_u32", fillU32)
	RegisterKernel("vector_add_u32", vectorAddU32)
	RegisterKernel("barrier_markers", barrierMarkers)
}

func fillU32(_ []byte, exec *ExecState) {
	r := exec.ArgReader()
	dst := r.Addr()
	value := r.Uint32()
	n := exec.GlobalSize(0) * exec.GlobalSize(1) * exec.GlobalSize(2)
	out := exec.MustBuffer(dst, 4*n)
	for g := range exec.Groups() {
		i := linearGlobalID(exec, g)
		binary.LittleEndian.PutUint32(out[4*i:], value)
	}
}

func vectorAddU32(_ []byte, exec *ExecState) {
	r := exec.ArgReader()
	a, b, c := r.Addr(), r.Addr(), r.Addr()
	n := exec.GlobalSize(0) * exec.GlobalSize(1) * exec.GlobalSize(2)
	av := exec.MustBuffer(a, 4*n)
	bv := exec.MustBuffer(b, 4*n)
	cv := exec.MustBuffer(c, 4*n)
	for g := range exec.Groups() {
		i := 4 * linearGlobalID(exec, g)
		sum := binary.LittleEndian.Uint32(av[i:]) + binary.LittleEndian.Uint32(bv[i:])
		binary.LittleEndian.PutUint32(cv[i:], sum)
	}
}

// barrierMarkers has every work-item write its id+1 before a barrier; after
// the barrier work-item 0 stores 1 in result if all markers are visible.
func barrierMarkers(_ []byte, exec *ExecState) {
	r := exec.ArgReader()
	markersAddr, resultAddr := r.Addr(), r.Addr()
	n := uint64(exec.NumThreads)
	markers := exec.MustBuffer(markersAddr, 4*n)
	result := exec.MustBuffer(resultAddr, 4)

	binary.LittleEndian.PutUint32(markers[4*exec.ThreadID:], uint32(exec.ThreadID)+1)
	exec.Barrier()
	if exec.ThreadID != 0 {
		return
	}
	ok := uint32(1)
	for i := range n {
		if binary.LittleEndian.Uint32(markers[4*i:]) != uint32(i)+1 {
			ok = 0
		}
	}
	binary.LittleEndian.PutUint32(result, ok)
}

func linearGlobalID(exec *ExecState, group [3]uint64) uint64 {
	x := exec.GlobalID(group, 0) - exec.GlobalOffset(0)
	y := exec.GlobalID(group, 1) - exec.GlobalOffset(1)
	z := exec.GlobalID(group, 2) - exec.GlobalOffset(2)
	return x + exec.GlobalSize(0)*(y+exec.GlobalSize(1)*z)
}
