package vm

// ---------------------------------------------------------------------------
// MemoryManager: raw allocations for MEM_malloc / MEM_free
// ---------------------------------------------------------------------------

// poolClasses are the block size classes served from pools. Requests larger
// than the largest class fall through to a direct allocation.
var poolClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// blocksPerPool is how many blocks each size class can hand out before the
// class falls through to direct allocation.
const blocksPerPool = 100

// memBlock is one raw allocation, addressable by an opaque 64-bit address.
type memBlock struct {
	buf   []byte
	class int // size class index, -1 for direct allocations
}

// MemoryManager hands out raw byte blocks addressed by opaque 64-bit
// integers, so pointers can be transported on the operand stack. Small
// requests are served from fixed size-class pools; large ones allocate
// directly. Each VM owns its own manager.
type MemoryManager struct {
	blocks   map[int64]*memBlock
	nextAddr int64
	used     []int // blocks handed out per size class
}

// memAddrBase keeps arena addresses clear of small integer literals that
// programs push as handles.
const memAddrBase = 0x10000

// NewMemoryManager creates a manager with empty pools.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		blocks:   make(map[int64]*memBlock),
		nextAddr: memAddrBase,
		used:     make([]int, len(poolClasses)),
	}
}

// classFor returns the index of the smallest size class with capacity for
// size bytes, or -1 when the request must allocate directly.
func (m *MemoryManager) classFor(size int) int {
	for i, c := range poolClasses {
		if size <= c && m.used[i] < blocksPerPool {
			return i
		}
	}
	return -1
}

// Malloc allocates size bytes and returns the block's opaque address.
// A negative size is a memory fault; zero-size allocations are legal and
// return a distinct address.
func (m *MemoryManager) Malloc(size int) (int64, error) {
	if size < 0 {
		return 0, NewMemoryError("malloc with negative size", -1)
	}

	class := m.classFor(size)
	buf := size
	if class >= 0 {
		buf = poolClasses[class]
		m.used[class]++
	}

	addr := m.nextAddr
	m.nextAddr += int64(buf)
	if buf == 0 {
		m.nextAddr++
	}
	m.blocks[addr] = &memBlock{buf: make([]byte, buf), class: class}
	return addr, nil
}

// Free releases the block at addr. Freeing an unknown or already freed
// address is a no-op.
func (m *MemoryManager) Free(addr int64) {
	block, ok := m.blocks[addr]
	if !ok {
		return
	}
	if block.class >= 0 {
		m.used[block.class]--
	}
	delete(m.blocks, addr)
}

// Block returns the bytes behind addr, or nil when the address is unknown.
func (m *MemoryManager) Block(addr int64) []byte {
	if block, ok := m.blocks[addr]; ok {
		return block.buf
	}
	return nil
}

// Stats returns the number of outstanding blocks and their total size.
func (m *MemoryManager) Stats() (blocks int, bytes int) {
	for _, b := range m.blocks {
		blocks++
		bytes += len(b.buf)
	}
	return blocks, bytes
}

// ReleaseAll drops every outstanding block. Used at runtime teardown.
func (m *MemoryManager) ReleaseAll() {
	clear(m.blocks)
	for i := range m.used {
		m.used[i] = 0
	}
}
