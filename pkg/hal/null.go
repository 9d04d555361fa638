// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package hal

// Null is a HAL that panics on every call. It exists to catch accidental
// hardware access from code paths that are supposed to be hardware-agnostic
// (e.g. a unit test for mm/vma that should never need port I/O).
type Null struct{}

func (Null) trap() { panic("hal: Null HAL method invoked") }

func (n Null) In8(uint16) uint8                    { n.trap(); return 0 }
func (n Null) In16(uint16) uint16                  { n.trap(); return 0 }
func (n Null) In32(uint16) uint32                  { n.trap(); return 0 }
func (n Null) Out8(uint16, uint8)                  { n.trap() }
func (n Null) Out16(uint16, uint16)                { n.trap() }
func (n Null) Out32(uint16, uint32)                { n.trap() }
func (n Null) ReadMSR(uint32) uint64               { n.trap(); return 0 }
func (n Null) WriteMSR(uint32, uint64)             { n.trap() }
func (n Null) ReadCR(int) uint64                   { n.trap(); return 0 }
func (n Null) WriteCR(int, uint64)                 { n.trap() }
func (n Null) CPUID(uint32, uint32) (a, b, c, d uint32) { n.trap(); return }
func (n Null) InvalidatePage(uint64)               { n.trap() }
func (n Null) RDTSC() uint64                       { n.trap(); return 0 }
func (n Null) LoadIDT(uint64, uint16)              { n.trap() }
func (n Null) LoadGDT(uint64, uint16)              { n.trap() }
func (n Null) LoadTR(uint16)                       { n.trap() }
func (n Null) SaveFlags() uint64                   { n.trap(); return 0 }
func (n Null) RestoreFlags(uint64)                 { n.trap() }
func (n Null) CAS64(*uint64, uint64, uint64) bool  { n.trap(); return false }
func (n Null) Xadd64(*uint64, int64) uint64        { n.trap(); return 0 }
func (n Null) Xchg64(*uint64, uint64) uint64       { n.trap(); return 0 }

var _ HAL = Null{}
