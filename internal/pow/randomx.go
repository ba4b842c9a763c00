//go:build randomx

package pow

/*
#cgo LDFLAGS: -lrandomx -lstdc++ -lm
#include <stdlib.h>
#include <randomx.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/scashpool/pkg/errors"
)

// cachedSeeds bounds how many epoch caches stay resident. Two covers the
// boundary where shares for the old and new epoch arrive together.
const cachedSeeds = 2

type seedState struct {
	seed    chainhash.Hash
	cache   *C.randomx_cache
	free    []*C.randomx_vm
	refs    int
	retired bool
}

func (s *seedState) destroy() {
	for _, vm := range s.free {
		C.randomx_destroy_vm(vm)
	}
	s.free = nil
	if s.cache != nil {
		C.randomx_release_cache(s.cache)
		s.cache = nil
	}
}

// randomxEngine runs librandomx in light mode with a pool of VMs per seed.
type randomxEngine struct {
	mu     sync.Mutex
	flags  C.randomx_flags
	states []*seedState
	closed bool
}

func openEngine() (Engine, error) {
	return &randomxEngine{flags: C.randomx_get_flags()}, nil
}

func (e *randomxEngine) acquire(seed chainhash.Hash) (*seedState, *C.randomx_vm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, errors.New(errors.ErrorTypeVerifier, "randomx_acquire", "engine closed")
	}

	var st *seedState
	for _, s := range e.states {
		if s.seed == seed {
			st = s
			break
		}
	}

	if st == nil {
		cache := C.randomx_alloc_cache(e.flags)
		if cache == nil {
			return nil, nil, errors.New(errors.ErrorTypeVerifier, "randomx_acquire", "failed to allocate cache")
		}
		C.randomx_init_cache(cache, unsafe.Pointer(&seed[0]), C.size_t(len(seed)))
		st = &seedState{seed: seed, cache: cache}
		e.states = append(e.states, st)

		for len(e.states) > cachedSeeds {
			old := e.states[0]
			e.states = e.states[1:]
			old.retired = true
			if old.refs == 0 {
				old.destroy()
			}
		}
	}

	var vm *C.randomx_vm
	if n := len(st.free); n > 0 {
		vm = st.free[n-1]
		st.free = st.free[:n-1]
	} else {
		vm = C.randomx_create_vm(e.flags, st.cache, nil)
		if vm == nil {
			return nil, nil, errors.New(errors.ErrorTypeVerifier, "randomx_acquire", "failed to create VM")
		}
	}
	st.refs++
	return st, vm, nil
}

func (e *randomxEngine) release(st *seedState, vm *C.randomx_vm) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st.free = append(st.free, vm)
	st.refs--
	if (st.retired || e.closed) && st.refs == 0 {
		st.destroy()
	}
}

func (e *randomxEngine) Hash(seed chainhash.Hash, input []byte) ([32]byte, error) {
	var out [32]byte
	if len(input) == 0 {
		return out, errors.New(errors.ErrorTypeVerifier, "randomx_hash", "empty input")
	}

	st, vm, err := e.acquire(seed)
	if err != nil {
		return out, err
	}
	defer e.release(st, vm)

	C.randomx_calculate_hash(vm, unsafe.Pointer(&input[0]), C.size_t(len(input)), unsafe.Pointer(&out[0]))
	return out, nil
}

func (e *randomxEngine) Commitment(input []byte, hash [32]byte) [32]byte {
	var out [32]byte
	if len(input) == 0 {
		return out
	}
	C.randomx_calculate_commitment(unsafe.Pointer(&input[0]), C.size_t(len(input)),
		unsafe.Pointer(&hash[0]), unsafe.Pointer(&out[0]))
	return out
}

func (e *randomxEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for _, st := range e.states {
		if st.refs == 0 {
			st.destroy()
		}
	}
	e.states = nil
}
