package tracerx

import (
	"bytes"
	"fmt"

	"github.com/benbjohnson/immutable"
	"github.com/tidwall/btree"
	"golang.org/x/tools/go/ssa"
)

// MemoryObject identifies one allocation. Objects are identified by their
// base address; two distinct objects never overlap by construction.
type MemoryObject struct {
	Base uint64
	Size uint64

	Name     string
	Local    bool
	Global   bool
	ReadOnly bool
	Fixed    bool

	// Allocation site, if allocated by an instruction.
	Site ssa.Value
}

// String returns a string representation of the object.
func (mo *MemoryObject) String() string {
	return fmt.Sprintf("MO[%d..%d) %s", mo.Base, mo.Base+mo.Size, mo.Name)
}

// BaseExpr returns the base address as a pointer-width constant.
func (mo *MemoryObject) BaseExpr() *ConstantExpr {
	return NewConstantExpr64(mo.Base)
}

// BoundsCheck returns the predicate that a pointer-width address refers to
// accessible bytes of the object: base <= addr && addr+bytes <= base+size.
func (mo *MemoryObject) BoundsCheck(addr Expr, nbytes uint64) Expr {
	if nbytes > mo.Size {
		return NewBoolConstantExpr(false)
	}
	addr = newZExtExpr(addr, Width64)
	lower := NewBinaryExpr(ULE, mo.BaseExpr(), addr)
	upper := NewBinaryExpr(ULE,
		NewBinaryExpr(ADD, addr, NewConstantExpr64(nbytes)),
		NewConstantExpr64(mo.Base+mo.Size))
	return NewBinaryExpr(AND, lower, upper)
}

// InBounds returns the predicate that addr points anywhere inside the
// object. A zero-size object admits no address.
func (mo *MemoryObject) InBounds(addr Expr) Expr {
	if mo.Size == 0 {
		return NewBoolConstantExpr(false)
	}
	addr = newZExtExpr(addr, Width64)
	lower := NewBinaryExpr(ULE, mo.BaseExpr(), addr)
	upper := NewBinaryExpr(ULT, addr, NewConstantExpr64(mo.Base+mo.Size))
	return NewBinaryExpr(AND, lower, upper)
}

// OffsetExpr returns addr relative to the object base.
func (mo *MemoryObject) OffsetExpr(addr Expr) Expr {
	return NewBinaryExpr(SUB, newZExtExpr(addr, Width64), mo.BaseExpr())
}

// Allocator issues memory objects with deterministic base addresses so two
// runs on identical input yield identical addresses. All states share one
// allocator; allocation order is sequential.
type Allocator struct {
	next    uint64
	objects *btree.BTreeG[*MemoryObject]
}

const (
	allocBase  = 0x10000 // first base address; zero stays invalid
	allocAlign = 8
)

// NewAllocator returns a new instance of Allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		next: allocBase,
		objects: btree.NewBTreeGOptions(func(a, b *MemoryObject) bool {
			return a.Base < b.Base
		}, btree.Options{NoLocks: true}),
	}
}

// Allocate returns a fresh object with a unique base address. Size zero is
// valid and yields a zero-size object with its own address.
func (al *Allocator) Allocate(size uint64, name string, local, global bool, site ssa.Value) *MemoryObject {
	mo := &MemoryObject{
		Base:   al.next,
		Size:   size,
		Name:   name,
		Local:  local,
		Global: global,
		Site:   site,
	}
	step := size
	if step == 0 {
		step = 1
	}
	al.next += (step + allocAlign - 1) &^ uint64(allocAlign-1)
	al.objects.Set(mo)
	return mo
}

// AllocateFixed binds a caller-supplied address, used to mirror
// process-wide data. Panic if the range collides with a live object.
func (al *Allocator) AllocateFixed(base, size uint64, name string) *MemoryObject {
	mo := &MemoryObject{Base: base, Size: size, Name: name, Fixed: true, Global: true}
	if prev, ok := al.find(base); ok && prev.Base+prev.Size > base {
		panic(fmt.Sprintf("tracerx.Allocator: fixed allocation overlaps %s", prev))
	}
	al.objects.Set(mo)
	if base+size > al.next {
		al.next = (base + size + allocAlign - 1) &^ uint64(allocAlign-1)
	}
	return mo
}

// find returns the object with the greatest base <= addr.
func (al *Allocator) find(addr uint64) (*MemoryObject, bool) {
	var found *MemoryObject
	al.objects.Descend(&MemoryObject{Base: addr}, func(mo *MemoryObject) bool {
		found = mo
		return false
	})
	return found, found != nil
}

// ObjectState holds the per-state content of a MemoryObject: an array of
// byte expressions, optionally rooted in a named symbolic array.
//
// States share an ObjectState until one writes; GetWriteable materializes a
// private copy keyed by the owning address space.
type ObjectState struct {
	Object *MemoryObject

	content  *Array // byte content; update chain over the symbolic root
	symbolic *Array // non-nil once the object was made symbolic
	readOnly bool

	cowOwner int // address-space cow key that may mutate in place
}

// NewObjectState returns a zero-initialized content for mo.
func NewObjectState(mo *MemoryObject) *ObjectState {
	content := NewArray("", uint(mo.Size))
	content.zero()
	return &ObjectState{Object: mo, content: content}
}

// NewSymbolicObjectState returns content backed by a named symbolic array.
func NewSymbolicObjectState(mo *MemoryObject, array *Array) *ObjectState {
	assert(uint64(array.Size) == mo.Size, "symbolic array size mismatch: %d != %d", array.Size, mo.Size)
	return &ObjectState{Object: mo, content: array, symbolic: array}
}

// SymbolicArray returns the backing symbolic array, or nil.
func (os *ObjectState) SymbolicArray() *Array { return os.symbolic }

// SetReadOnly marks the content as read-only.
func (os *ObjectState) SetReadOnly(v bool) { os.readOnly = v }

// IsReadOnly returns true if writes are rejected.
func (os *ObjectState) IsReadOnly() bool { return os.readOnly }

// Read returns a width-bit expression for the bytes at offset.
func (os *ObjectState) Read(offset Expr, width uint, isLittleEndian bool) Expr {
	return os.content.Select(offset, width, isLittleEndian)
}

// Write stores value at offset. The caller must hold a writeable copy and
// have rejected read-only objects beforehand.
func (os *ObjectState) Write(offset, value Expr, isLittleEndian bool) {
	assert(!os.readOnly, "write to read-only object: %s", os.Object)
	os.content = os.content.Store(offset, value, isLittleEndian)
}

// clone returns a copy owned by cowKey sharing the content chain.
func (os *ObjectState) clone(cowKey int) *ObjectState {
	return &ObjectState{
		Object:   os.Object,
		content:  os.content.Clone(),
		symbolic: os.symbolic,
		readOnly: os.readOnly,
		cowOwner: cowKey,
	}
}

// cowKeySeq issues address-space copy-on-write keys. Process-scoped like
// the statistics counters; execution is single-threaded.
var cowKeySeq int

func nextCowKey() int {
	cowKeySeq++
	return cowKeySeq
}

// AddressSpace maps MemoryObject base addresses to per-state content. The
// map itself is persistent, so cloning a state is O(1) and mutation copies
// only the touched path.
type AddressSpace struct {
	cowKey  int
	objects *immutable.SortedMap
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		cowKey:  nextCowKey(),
		objects: immutable.NewSortedMap(&uint64Comparer{}),
	}
}

// Clone returns a copy sharing all object states.
func (as *AddressSpace) Clone() *AddressSpace {
	return &AddressSpace{cowKey: nextCowKey(), objects: as.objects}
}

// Bind inserts or replaces the content of an object.
func (as *AddressSpace) Bind(os *ObjectState) {
	os.cowOwner = as.cowKey
	as.objects = as.objects.Set(os.Object.Base, os)
}

// Unbind removes the object from the address space.
func (as *AddressSpace) Unbind(mo *MemoryObject) {
	as.objects = as.objects.Delete(mo.Base)
}

// FindObject returns the content bound at exactly the given base address.
func (as *AddressSpace) FindObject(base uint64) *ObjectState {
	if v, _ := as.objects.Get(base); v != nil {
		return v.(*ObjectState)
	}
	return nil
}

// GetWriteable returns a content that may be mutated by this address
// space, cloning a shared one first.
func (as *AddressSpace) GetWriteable(os *ObjectState) *ObjectState {
	if os.cowOwner == as.cowKey {
		return os
	}
	other := os.clone(as.cowKey)
	as.objects = as.objects.Set(other.Object.Base, other)
	return other
}

// FindContaining returns the content whose object contains the concrete
// address, or nil.
func (as *AddressSpace) FindContaining(addr uint64) *ObjectState {
	// Seek to the given address or the next available address.
	itr := as.objects.Iterator()
	if itr.Seek(addr); itr.Done() {
		itr.Last()
	}

	// Move backwards until address range too low.
	for !itr.Done() {
		k, v := itr.Prev()
		base, os := k.(uint64), v.(*ObjectState)

		if addr >= base && addr < base+os.Object.Size {
			return os
		} else if addr > base+os.Object.Size {
			break // target address above allocation, exit
		}
	}
	return nil
}

// ResolveOne returns a single object consistent with the path condition if
// addr is concrete and inside exactly one object, or symbolic but provably
// inside one object. ok is false if no unique resolution exists.
func (as *AddressSpace) ResolveOne(solver *TimingSolver, state *ExecutionState, addr Expr) (*ObjectState, bool, error) {
	if addr, ok := addr.(*ConstantExpr); ok {
		os := as.FindContaining(addr.Value)
		return os, os != nil, nil
	}

	// Use a model value to locate a candidate, then prove uniqueness.
	example, err := solver.GetValue(state, addr)
	if err != nil {
		return nil, false, err
	}
	os := as.FindContaining(example.Value)
	if os == nil {
		return nil, false, nil
	}
	unique, err := solver.MustBeTrue(state, os.Object.InBounds(addr))
	if err != nil {
		return nil, false, err
	} else if !unique {
		return nil, false, nil
	}
	return os, true, nil
}

// Resolve enumerates every object whose bounds are feasible for addr under
// the path condition, up to maxResolutions (0 = unlimited). The caller
// forks one successor per candidate.
func (as *AddressSpace) Resolve(solver *TimingSolver, state *ExecutionState, addr Expr, maxResolutions int) ([]*ObjectState, error) {
	if addr, ok := addr.(*ConstantExpr); ok {
		if os := as.FindContaining(addr.Value); os != nil {
			return []*ObjectState{os}, nil
		}
		return nil, nil
	}

	var a []*ObjectState
	itr := as.objects.Iterator()
	for {
		_, v := itr.Next()
		if v == nil {
			break
		}
		os := v.(*ObjectState)
		feasible, _, err := solver.MayBeTrue(state, os.Object.InBounds(addr))
		if err != nil {
			return nil, err
		} else if !feasible {
			continue
		}
		a = append(a, os)
		if maxResolutions > 0 && len(a) >= maxResolutions {
			break
		}
	}
	return a, nil
}

// Dump returns the contents of the address space as a string.
func (as *AddressSpace) Dump() string {
	var buf bytes.Buffer
	itr := as.objects.Iterator()
	for {
		k, v := itr.Next()
		if k == nil {
			return buf.String()
		}
		os := v.(*ObjectState)
		fmt.Fprintf(&buf, "%08d %s\n", k.(uint64), os.content.String())
		for upd := os.content.Updates; upd != nil; upd = upd.Next {
			fmt.Fprintf(&buf, "  + UPD: I=%s; V=%s\n", upd.Index.String(), upd.Value.String())
		}
		fmt.Fprintln(&buf, "")
	}
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b,
// and returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
