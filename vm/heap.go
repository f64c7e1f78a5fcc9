package vm

// ---------------------------------------------------------------------------
// Heap: mark-and-sweep collector over an explicit reference graph
// ---------------------------------------------------------------------------

// ManagedObject is a heap cell owned by the collector: a raw data payload,
// a short textual type tag ("int", "file", "object", ...), its size in
// bytes, and a mark bit used during collection.
type ManagedObject struct {
	Data   []byte
	Type   string
	Size   int
	id     int64
	marked bool
}

// Heap tracks every live allocation, the root set, and the directed
// reference graph between cells. It is stop-the-world relative to the
// interpreter: only the interpreter mutates it, and only between
// instructions. Each VM owns its own Heap; there is no process-wide state.
type Heap struct {
	objects map[*ManagedObject]struct{}
	roots   map[*ManagedObject]struct{}
	refs    map[*ManagedObject][]*ManagedObject

	nextID    int64
	reclaimed uint64
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{
		objects: make(map[*ManagedObject]struct{}),
		roots:   make(map[*ManagedObject]struct{}),
		refs:    make(map[*ManagedObject][]*ManagedObject),
		nextID:  1,
	}
}

// Allocate creates a zeroed cell of the given size with the given type tag
// and adds it to the live set. A negative size is a memory fault.
func (h *Heap) Allocate(size int, typeTag string) (*ManagedObject, error) {
	if size < 0 {
		return nil, NewMemoryError("allocation with negative size", -1)
	}
	obj := &ManagedObject{
		Data: make([]byte, size),
		Type: typeTag,
		Size: size,
		id:   h.nextID,
	}
	h.nextID++
	h.objects[obj] = struct{}{}
	return obj, nil
}

// Contains reports whether obj is in the live set.
func (h *Heap) Contains(obj *ManagedObject) bool {
	_, ok := h.objects[obj]
	return ok
}

// MarkRoot adds obj to the root set. Objects not in the live set are
// ignored.
func (h *Heap) MarkRoot(obj *ManagedObject) {
	if obj == nil || !h.Contains(obj) {
		return
	}
	h.roots[obj] = struct{}{}
}

// ClearRoots empties the root set. The interpreter rebuilds roots from its
// reachable state before every collection.
func (h *Heap) ClearRoots() {
	clear(h.roots)
}

// AddReference records a directed edge from one cell to another. Edges with
// an endpoint outside the live set describe a relation that cannot exist
// and are silently dropped.
func (h *Heap) AddReference(from, to *ManagedObject) {
	if from == nil || to == nil || !h.Contains(from) || !h.Contains(to) {
		return
	}
	h.refs[from] = append(h.refs[from], to)
}

// Deallocate explicitly destroys a cell: it is removed from the live set,
// the root set, and every edge endpoint in one step. Unknown cells are
// ignored.
func (h *Heap) Deallocate(obj *ManagedObject) {
	if obj == nil || !h.Contains(obj) {
		return
	}
	delete(h.objects, obj)
	delete(h.roots, obj)
	delete(h.refs, obj)
	h.purgeEdgesTo(obj)
	obj.Data = nil
	h.reclaimed++
}

// Collect runs one mark-and-sweep cycle and returns the number of cells
// reclaimed. After it returns, the live set equals exactly the cells that
// were reachable from the root set when the call started.
func (h *Heap) Collect() int {
	h.mark()
	return h.sweep()
}

// mark clears every mark bit, then traverses the reference graph depth
// first from the root set, marking each newly visited cell.
func (h *Heap) mark() {
	for obj := range h.objects {
		obj.marked = false
	}

	var worklist []*ManagedObject
	for root := range h.roots {
		if h.Contains(root) && !root.marked {
			root.marked = true
			worklist = append(worklist, root)
		}
	}

	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		for _, ref := range h.refs[current] {
			if h.Contains(ref) && !ref.marked {
				ref.marked = true
				worklist = append(worklist, ref)
			}
		}
	}
}

// sweep destroys every unmarked cell, purging its edges from the reference
// graph, and resets the surviving mark bits so that marks are never
// observable across collections.
func (h *Heap) sweep() int {
	collected := 0
	for obj := range h.objects {
		if obj.marked {
			obj.marked = false
			continue
		}
		delete(h.objects, obj)
		delete(h.roots, obj)
		delete(h.refs, obj)
		h.purgeEdgesTo(obj)
		obj.Data = nil
		collected++
	}
	h.reclaimed += uint64(collected)
	return collected
}

// purgeEdgesTo removes obj from every other cell's edge list.
func (h *Heap) purgeEdgesTo(obj *ManagedObject) {
	for from, list := range h.refs {
		kept := list[:0]
		for _, to := range list {
			if to != obj {
				kept = append(kept, to)
			}
		}
		if len(kept) == 0 {
			delete(h.refs, from)
		} else {
			h.refs[from] = kept
		}
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Size returns the number of cells in the live set.
func (h *Heap) Size() int {
	return len(h.objects)
}

// LiveObjects returns the number of cells currently reachable from roots.
func (h *Heap) LiveObjects() int {
	reachable := make(map[*ManagedObject]struct{})
	var worklist []*ManagedObject
	for root := range h.roots {
		if h.Contains(root) {
			if _, seen := reachable[root]; !seen {
				reachable[root] = struct{}{}
				worklist = append(worklist, root)
			}
		}
	}
	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, ref := range h.refs[current] {
			if h.Contains(ref) {
				if _, seen := reachable[ref]; !seen {
					reachable[ref] = struct{}{}
					worklist = append(worklist, ref)
				}
			}
		}
	}
	return len(reachable)
}

// TotalReclaimed returns the running count of cells destroyed by sweeps and
// explicit deallocation since the heap was created.
func (h *Heap) TotalReclaimed() uint64 {
	return h.reclaimed
}
