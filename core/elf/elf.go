/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package elf is a byte-exact reader for the handful of ELF structures
// depmod and modprobe need out of a kernel module object: exported symbol
// names, undefined symbol references with weak/strong binding, device
// tables, and the .modalias/.modinfo/__versions sections. It supports
// 32-bit and 64-bit objects of either endianness and performs a conditional
// byte-swap on every multi-byte field, rather than normalizing to host
// order the way the standard library's debug/elf does — strip_section
// needs to rewrite a section-header word back into the original buffer in
// its original byte order.
package elf

import (
	"encoding/binary"
	"fmt"

	"github.com/containerd/errdefs"
)

// Errors returned by Open and the section/symbol accessors. Each is
// wrapped with a containerd/errdefs sentinel so callers can test with
// errdefs.IsInvalidArgument in addition to errors.Is against the concrete
// value.
var (
	ErrNotELF        = fmt.Errorf("elf: not an ELF object (\\x7fELF magic not found): %w", errdefs.ErrInvalidArgument)
	ErrUnknownEndian = fmt.Errorf("elf: unknown EI_DATA value: %w", errdefs.ErrInvalidArgument)
	ErrUnknownClass  = fmt.Errorf("elf: unknown EI_CLASS value: %w", errdefs.ErrInvalidArgument)
	ErrTruncated     = fmt.Errorf("elf: section or string table extends past end of buffer: %w", errdefs.ErrInvalidArgument)
)

const (
	ei_MAG0     = 0
	ei_CLASS    = 4
	ei_DATA     = 5
	ehdrIdent   = 16
	class32     = 1
	class64     = 2
	dataLSB     = 1
	dataMSB     = 2
	shnUndef    = 0
	shtNobits   = 8
	shfAlloc    = 0x2
	stbWeak     = 2
	sttRegister = 13 // SPARC/SPARCV9 asm-global pseudo-symbol
)

// Machine is the subset of e_machine values the reader cares about (SPARC
// register-symbol special case).
type Machine uint16

const (
	EM_SPARC   Machine = 2
	EM_SPARCV9 Machine = 43
)

// SymKind distinguishes a strong undefined symbol from a weak one.
type SymKind int

const (
	Strong SymKind = iota
	Weak
)

// View is a parsed ELF object: the header fields needed for section lookup,
// plus the raw buffer and the byte-order/word-size it was built with.
type View struct {
	buf       []byte
	class     int // 32 or 64
	byteOrder binary.ByteOrder
	conv      bool // true if file endianness != host endianness
	machine   Machine

	shoff   uint64
	shnum   int
	shentsz int
	shstrnd int
}

// WordSize returns 32 or 64.
func (v *View) WordSize() int { return v.class }

// Machine returns the object's e_machine field.
func (v *View) Machine() Machine { return v.machine }

// Conv reports whether the file's endianness differs from the host's;
// every multi-byte read in this package already accounts for it by
// reading through the file's own byte order rather than the host's, so
// Conv is informational for callers, not load-bearing here.
func (v *View) Conv() bool { return v.conv }

// hostByteOrder is little-endian on every architecture this tool ships
// for in practice; field reads always go through the file's own byte
// order, so hard-coding it here only affects Conv() reporting, never
// correctness of field reads.
var hostByteOrder binary.ByteOrder = binary.LittleEndian

// Open validates the ELF magic and class/endianness bytes, locates the
// section header table and section-name string table, and returns a View.
func Open(buf []byte) (*View, error) {
	if len(buf) < ehdrIdent+ 0x30 {
		return nil, ErrTruncated
	}
	if buf[ei_MAG0] != 0x7f || buf[ei_MAG0+1] != 'E' || buf[ei_MAG0+2] != 'L' || buf[ei_MAG0+3] != 'F' {
		return nil, ErrNotELF
	}

	var class int
	switch buf[ei_CLASS] {
	case class32:
		class = 32
	case class64:
		class = 64
	default:
		return nil, fmt.Errorf("%w: EI_CLASS=%d", ErrUnknownClass, buf[ei_CLASS])
	}

	var fileOrder binary.ByteOrder
	switch buf[ei_DATA] {
	case dataLSB:
		fileOrder = binary.LittleEndian
	case dataMSB:
		fileOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: EI_DATA=%d", ErrUnknownEndian, buf[ei_DATA])
	}

	v := &View{
		buf:       buf,
		class:     class,
		byteOrder: fileOrder,
		conv:      fileOrder != hostByteOrder,
	}

	var e_shoff uint64
	var e_shentsize, e_shnum, e_shstrndx uint16
	var e_machine uint16

	if class == 32 {
		if len(buf) < 0x34 {
			return nil, ErrTruncated
		}
		e_machine = fileOrder.Uint16(buf[0x12:])
		e_shoff = uint64(fileOrder.Uint32(buf[0x20:]))
		e_shentsize = fileOrder.Uint16(buf[0x2e:])
		e_shnum = fileOrder.Uint16(buf[0x30:])
		e_shstrndx = fileOrder.Uint16(buf[0x32:])
	} else {
		if len(buf) < 0x40 {
			return nil, ErrTruncated
		}
		e_machine = fileOrder.Uint16(buf[0x12:])
		e_shoff = fileOrder.Uint64(buf[0x28:])
		e_shentsize = fileOrder.Uint16(buf[0x3a:])
		e_shnum = fileOrder.Uint16(buf[0x3c:])
		e_shstrndx = fileOrder.Uint16(buf[0x3e:])
	}

	v.machine = Machine(e_machine)
	v.shoff = e_shoff
	v.shentsz = int(e_shentsize)
	v.shnum = int(e_shnum)
	v.shstrnd = int(e_shstrndx)

	if v.shnum > 0 {
		need := e_shoff + uint64(v.shnum)*uint64(v.shentsz)
		if need > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: section header table", ErrTruncated)
		}
	}
	if v.shstrnd >= v.shnum {
		return nil, fmt.Errorf("%w: e_shstrndx out of range", ErrTruncated)
	}
	strSec := v.sectionHeader(v.shstrnd)
	if strSec.offset+strSec.size > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: section name string table", ErrTruncated)
	}

	return v, nil
}

type shdr struct {
	name   uint32
	typ    uint32
	offset uint64
	size   uint64
}

func (v *View) sectionHeader(idx int) shdr {
	base := int(v.shoff) + idx*v.shentsz
	b := v.buf
	var h shdr
	if v.class == 32 {
		h.name = v.byteOrder.Uint32(b[base:])
		h.typ = v.byteOrder.Uint32(b[base+4:])
		h.offset = uint64(v.byteOrder.Uint32(b[base+16:]))
		h.size = uint64(v.byteOrder.Uint32(b[base+20:]))
	} else {
		h.name = v.byteOrder.Uint32(b[base:])
		h.typ = v.byteOrder.Uint32(b[base+4:])
		h.offset = v.byteOrder.Uint64(b[base+24:])
		h.size = v.byteOrder.Uint64(b[base+32:])
	}
	return h
}

func (v *View) sectionHeaderFlagsOffset(idx int) int {
	base := int(v.shoff) + idx*v.shentsz
	if v.class == 32 {
		return base + 8 // sh_flags, Elf32_Word
	}
	return base + 8 // sh_flags, Elf64_Xword
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (v *View) sectionName(h shdr) string {
	strSec := v.sectionHeader(v.shstrnd)
	start := strSec.offset + uint64(h.name)
	if start > uint64(len(v.buf)) {
		return ""
	}
	return cstr(v.buf[start:])
}

// LoadSection returns the raw bytes of the first section named name, or
// false if no such section exists.
func (v *View) LoadSection(name string) ([]byte, bool) {
	p, _, ok := v.loadSectionHdr(name)
	return p, ok
}

func (v *View) loadSectionHdr(name string) ([]byte, shdr, bool) {
	for i := 1; i < v.shnum; i++ {
		h := v.sectionHeader(i)
		if v.sectionName(h) != name {
			continue
		}
		if h.typ == shtNobits {
			return nil, h, true
		}
		end := h.offset + h.size
		if end > uint64(len(v.buf)) {
			return nil, h, false
		}
		return v.buf[h.offset:end], h, true
	}
	return nil, shdr{}, false
}

// LoadStrings iterates NUL-terminated records inside section secname,
// skipping leading NUL padding, and returns every non-empty record.
func (v *View) LoadStrings(secname string) []string {
	data, ok := v.LoadSection(secname)
	if !ok || data == nil {
		return nil
	}
	i := 0
	for i < len(data) && data[i] == 0 {
		i++
	}
	var out []string
	for i < len(data) {
		j := i
		for j < len(data) && data[j] != 0 {
			j++
		}
		if j > i {
			out = append(out, string(data[i:j]))
		}
		i = j + 1
	}
	return out
}

const legacyKsymNameSize64 = 64 - 8
const legacyKsymNameSize32 = 64 - 4

// LoadSymbols returns the set of symbol names the module exports. It
// prefers the new-style __ksymtab_strings[_gpl] sections; if neither
// exists, it falls back to the legacy __ksymtab/__gpl_ksymtab arrays of
// fixed 64-byte {value, name} records.
func (v *View) LoadSymbols() []string {
	if strs := v.LoadStrings("__ksymtab_strings"); strs != nil {
		return append(strs, v.LoadStrings("__ksymtab_strings_gpl")...)
	}

	var out []string
	nameSize := legacyKsymNameSize64
	if v.class == 32 {
		nameSize = legacyKsymNameSize32
	}
	recSize := 64
	ptrSize := recSize - nameSize

	for _, sec := range []string{"__ksymtab", "__gpl_ksymtab"} {
		data, ok := v.LoadSection(sec)
		if !ok || len(data) == 0 {
			continue
		}
		for off := 0; off+recSize <= len(data); off += recSize {
			name := cstr(data[off+ptrSize : off+recSize])
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// DepSym is one undefined symbol referenced by a module.
type DepSym struct {
	Name string
	Kind SymKind
}

// LoadDepSyms scans .symtab for every symbol whose section index is
// SHN_UNDEF, resolving its name through .strtab and its Strong/Weak kind
// from ST_BIND. On SPARC/SPARCV9 (detected from e_machine), STT_REGISTER
// symbols are skipped: they are asm-globals, not real imports.
func (v *View) LoadDepSyms() ([]DepSym, error) {
	strtab, ok := v.LoadSection(".strtab")
	if !ok {
		return nil, fmt.Errorf("elf: no .strtab section")
	}
	symtabData, _, ok := v.loadSectionHdr(".symtab")
	if !ok {
		return nil, fmt.Errorf("elf: no .symtab section")
	}

	symSize := 16
	if v.class == 64 {
		symSize = 24
	}

	handleRegister := v.machine == EM_SPARC || v.machine == EM_SPARCV9

	var out []DepSym
	for off := symSize; off+symSize <= len(symtabData); off += symSize {
		var nameIdx uint32
		var info uint8
		var shndx uint16
		if v.class == 32 {
			nameIdx = v.byteOrder.Uint32(symtabData[off:])
			info = symtabData[off+12]
			shndx = v.byteOrder.Uint16(symtabData[off+14:])
		} else {
			nameIdx = v.byteOrder.Uint32(symtabData[off:])
			info = symtabData[off+4]
			shndx = v.byteOrder.Uint16(symtabData[off+6:])
		}
		if shndx != shnUndef {
			continue
		}
		bind := info >> 4
		typ := info & 0xf
		if handleRegister && typ == sttRegister {
			continue
		}
		if int(nameIdx) > len(strtab) {
			continue
		}
		name := cstr(strtab[nameIdx:])
		if name == "" {
			continue
		}
		kind := Strong
		if bind == stbWeak {
			kind = Weak
		}
		out = append(out, DepSym{Name: name, Kind: kind})
	}
	return out, nil
}

// GetAliases returns the .modalias section viewed as NUL-separated strings.
func (v *View) GetAliases() []string { return v.LoadStrings(".modalias") }

// GetModinfo returns the .modinfo section viewed as NUL-separated strings.
func (v *View) GetModinfo() []string { return v.LoadStrings(".modinfo") }

// ModInfoValue looks up a "key=value" record in .modinfo and returns the
// value (e.g. ModInfoValue(v, "vermagic")).
func ModInfoValue(v *View, key string) (string, bool) {
	prefix := key + "="
	for _, rec := range v.GetModinfo() {
		if len(rec) > len(prefix) && rec[:len(prefix)] == prefix {
			return rec[len(prefix):], true
		}
	}
	return "", false
}

// StripSection clears the SHF_ALLOC bit of the named section header
// in-place, honoring the file's original byte order.
func (v *View) StripSection(name string) bool {
	for i := 1; i < v.shnum; i++ {
		h := v.sectionHeader(i)
		if v.sectionName(h) != name {
			continue
		}
		flagsOff := v.sectionHeaderFlagsOffset(i)
		if v.class == 32 {
			flags := v.byteOrder.Uint32(v.buf[flagsOff:])
			v.byteOrder.PutUint32(v.buf[flagsOff:], flags&^uint32(shfAlloc))
		} else {
			flags := v.byteOrder.Uint64(v.buf[flagsOff:])
			v.byteOrder.PutUint64(v.buf[flagsOff:], flags&^uint64(shfAlloc))
		}
		return true
	}
	return false
}

// ModVersion is one {crc, name} record from __versions.
type ModVersion struct {
	CRC  uint32
	Name string
}

// DumpModVers reads __versions as an array of {crc: word, name: char[64-wordsize]}
// records. Returns nil, nil if the module has no __versions section (not a
// kernel module built with CONFIG_MODVERSIONS), and an error if the
// section size is not a multiple of the record size.
func (v *View) DumpModVers() ([]ModVersion, error) {
	data, ok := v.LoadSection("__versions")
	if !ok || data == nil {
		return nil, nil
	}
	wordSize := 8
	if v.class == 32 {
		wordSize = 4
	}
	recSize := 64
	if len(data)%recSize != 0 {
		return nil, fmt.Errorf("elf: __versions size %d not a multiple of record size %d", len(data), recSize)
	}
	var out []ModVersion
	for off := 0; off+recSize <= len(data); off += recSize {
		var crc uint32
		if wordSize == 8 {
			crc = uint32(v.byteOrder.Uint64(data[off:]))
		} else {
			crc = v.byteOrder.Uint32(data[off:])
		}
		name := cstr(data[off+wordSize : off+recSize])
		out = append(out, ModVersion{CRC: crc, Name: name})
	}
	return out, nil
}
