package threadsafe

import (
	"fmt"
	"math/rand/v2"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// Comparer supplies hashing and equality for keys of type T.
//
// Implementations must be consistent: Equal(a, b) implies
// Hash(a) == Hash(b). Tables never hash keys themselves; every keyed
// operation takes the hash from a Comparer.
type Comparer[T any] interface {
	Hash(v T) uintptr
	Equal(a, b T) bool
}

// NewComparer builds a Comparer from a pair of functions.
// Both functions are required.
func NewComparer[T any](
	hash func(v T) uintptr,
	equal func(a, b T) bool,
) Comparer[T] {
	if hash == nil || equal == nil {
		panic(fmt.Errorf("%w: nil comparer function", ErrInvalidArgument))
	}
	return funcComparer[T]{hash: hash, equal: equal}
}

type funcComparer[T any] struct {
	hash  func(v T) uintptr
	equal func(a, b T) bool
}

func (c funcComparer[T]) Hash(v T) uintptr   { return c.hash(v) }
func (c funcComparer[T]) Equal(a, b T) bool { return c.equal(a, b) }

// DefaultComparer returns a seeded Comparer for comparable types.
//
// Strings are hashed with xxh3; every other type uses the same hash
// function Go's built-in map uses for it. Pointers therefore compare by
// identity.
func DefaultComparer[T comparable]() Comparer[T] {
	if _, ok := any(*new(T)).(string); ok {
		return any(stringComparer{seed: rand.Uint64()}).(Comparer[T])
	}
	keyHash, _ := defaultHasherUsingBuiltIn[T, struct{}]()
	return builtinComparer[T]{
		seed:    uintptr(rand.Uint64()),
		keyHash: keyHash,
	}
}

type stringComparer struct {
	seed uint64
}

func (c stringComparer) Hash(s string) uintptr {
	return uintptr(xxh3.HashString(s) ^ c.seed)
}

func (stringComparer) Equal(a, b string) bool { return a == b }

type builtinComparer[T comparable] struct {
	seed    uintptr
	keyHash hashFunc
}

func (c builtinComparer[T]) Hash(v T) uintptr {
	return c.keyHash(noescape(unsafe.Pointer(&v)), c.seed)
}

func (builtinComparer[T]) Equal(a, b T) bool { return a == b }

// spread improves hash distribution by XORing the original hash with its high
// bits.
// This function increases randomness in the lower bits of the hash value,
// which helps reduce collisions when calculating slot indices.
// It's particularly effective for hash values where significant bits
// are concentrated in the upper positions, and for caller supplied hashes
// of unknown quality.
//
//go:nosplit
func spread(h uintptr) uintptr {
	// Stage 1: Mix high bits into low bits with 16-bit shift
	h ^= h >> 16
	// Stage 2: Further mix with 8-bit shift to enhance byte-level distribution
	h ^= h >> 8
	// Stage 3: Final mix with 4-bit shift for maximum low-byte entropy
	h ^= h >> 4
	// Multiply by odd constant to ensure all bits contribute to low byte
	// 0x9e3779b1 is the golden ratio hash constant (32-bit)
	// For 64-bit systems, we use 0x9e3779b97f4a7c15
	if unsafe.Sizeof(h) == 8 {
		var c64 uint64 = 0x9e3779b97f4a7c15
		h *= uintptr(c64)
	} else {
		var c32 uint32 = 0x9e3779b1
		h *= uintptr(c32)
	}
	return h
}

// hashFunc is the function to hash a value through a pointer to it.
type hashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr

// defaultHasherUsingBuiltIn gets Go's built-in hash and equality functions
// for the specified types using reflection.
//
// This approach provides direct access to the type-specific functions without
// the overhead of switch statements, resulting in better performance.
//
// Notes:
//   - This implementation relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func defaultHasherUsingBuiltIn[K comparable, V any]() (
	keyHash hashFunc,
	valEqual func(unsafe.Pointer, unsafe.Pointer) bool,
) {
	var m map[K]V
	mapType := iTypeOf(m).MapType()
	return mapType.Hasher, mapType.Elem.Equal
}

type (
	iTFlag   uint8
	iKind    uint8
	iNameOff int32
)

// TypeOff is the offset to a type from moduledata.types.  See resolveTypeOff in
// runtime.
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr // number of (prefix) bytes in the type that can contain pointers
	Hash        uint32  // hash of type; avoids computation in hash tables
	TFlag       iTFlag  // extra type information flags
	Align_      uint8   // alignment of variable with this type
	FieldAlign_ uint8   // alignment of struct field with this type
	Kind_       iKind   // enumeration for C
	// function for comparing objects of this type
	// (ptr to object A, ptr to object B) -> ==?
	Equal func(unsafe.Pointer, unsafe.Pointer) bool
	// GCData stores the GC type data for the garbage collector.
	GCData    *byte
	Str       iNameOff // string form
	PtrToThis iTypeOff // type for pointer to this type, may be zero
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType // internal type representing a slot group
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static (for compiler-created types) or
	// heap-allocated but always reachable (for reflection-created
	// types, held in the central map). So there is no need to
	// escape types. noescape here help avoid unnecessary escape
	// of v.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
