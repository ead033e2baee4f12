// Package config collects the compile-time constants spec.md calls out
// (PHYSTOP, NPROC, SWAPBLOCKS, ...) into one place, mirroring the shape of
// the teacher's limits.Syslimit_t: a small set of numbers every other
// package imports instead of restating.
package config

// NPROC bounds the reverse-map capacity: the maximum number of distinct
// address spaces that may simultaneously share one frame or swap slot. It
// is a compile-time array capacity, not a runtime-tunable limit.
const NPROC = 64

// RootDev names the simulated disk holding the swap area, mirroring the
// teacher's single ROOTDEV constant.
const RootDev = "rootdev"

/// Limits_t holds the boot-time sizing of the physical memory manager.
/// Grounded on limits.Syslimit_t: one struct of defaults, constructed once
/// at boot, optionally overridden by a config file.
type Limits_t struct {
	// Phystop is the top of managed physical memory in bytes.
	Phystop uint64 `yaml:"phystop"`
	// ReservedEnd is the end of the kernel image / bootstrap mapping;
	// frames below it never enter the allocator.
	ReservedEnd uint64 `yaml:"reserved_end"`
	// Swapblocks is the number of disk sectors reserved for swap.
	// Swap slots = Swapblocks / 8.
	Swapblocks int `yaml:"swap_blocks"`
	// SwapImage is the path to the file-backed simulated swap disk.
	SwapImage string `yaml:"swap_image"`
}

/// SwapSlots returns the number of 8-sector swap slots these limits imply.
func (l *Limits_t) SwapSlots() int {
	return l.Swapblocks / 8
}

/// Default returns a small but workable set of limits, suitable for tests
/// and for a demo run of cmd/memsimctl without a config file.
func Default() *Limits_t {
	return &Limits_t{
		Phystop:     1 << 24, // 16MB of simulated physical memory
		ReservedEnd: 0,
		Swapblocks:  800,
		SwapImage:   "swap.img",
	}
}
