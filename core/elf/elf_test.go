package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// section describes one section to bake into a synthetic ELF64 object.
type section struct {
	name string
	typ  uint32
	data []byte
}

// buildELF64 assembles a minimal, well-formed little-endian ELF64 object
// with the given sections (plus the mandatory null section and a
// .shstrtab). It is just enough for this package's parsing, not a general
// ELF writer.
func buildELF64(t *testing.T, le bool, machine uint16, secs []section) []byte {
	t.Helper()
	order := binary.ByteOrder(binary.LittleEndian)
	if !le {
		order = binary.BigEndian
	}

	// section name string table
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := map[string]uint32{}
	names := []string{""}
	for _, s := range secs {
		nameOff[s.name] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
		names = append(names, s.name)
	}
	nameOff[".shstrtab"] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	allSecs := append([]section{}, secs...)
	allSecs = append(allSecs, section{name: ".shstrtab", typ: 3, data: shstrtab.Bytes()})

	const ehdrSize = 0x40
	const shentSize = 0x40

	// compute data offsets
	offsets := make([]uint64, len(allSecs)+1) // +1 for null section
	cur := uint64(ehdrSize)
	for i, s := range allSecs {
		offsets[i+1] = cur
		cur += uint64(len(s.data))
	}
	shoff := cur

	buf := make([]byte, shoff+uint64(len(allSecs)+1)*shentSize)

	// e_ident
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = class64
	if le {
		buf[5] = dataLSB
	} else {
		buf[5] = dataMSB
	}

	order.PutUint16(buf[0x12:], machine)
	order.PutUint64(buf[0x28:], shoff)
	order.PutUint16(buf[0x3a:], shentSize)
	order.PutUint16(buf[0x3c:], uint16(len(allSecs)+1))
	order.PutUint16(buf[0x3e:], uint16(len(allSecs)+1)-1) // shstrtab is last

	// write section data
	for i, s := range allSecs {
		copy(buf[offsets[i+1]:], s.data)
	}

	// write section headers: index 0 is null, shstrtab index is len(allSecs)
	writeShdr := func(idx int, nameOffset uint32, typ uint32, off, size uint64) {
		base := shoff + uint64(idx)*shentSize
		order.PutUint32(buf[base:], nameOffset)
		order.PutUint32(buf[base+4:], typ)
		order.PutUint64(buf[base+24:], off)
		order.PutUint64(buf[base+32:], size)
	}
	writeShdr(0, 0, 0, 0, 0)
	for i, s := range allSecs {
		writeShdr(i+1, nameOff[s.name], s.typ, offsets[i+1], uint64(len(s.data)))
	}

	return buf
}

func TestOpenRejectsBadMagic(t *testing.T) {
	_, err := Open([]byte("not an elf file padding padding padding padding"))
	require.ErrorIs(t, err, ErrNotELF)
}

func TestOpenTruncated(t *testing.T) {
	_, err := Open([]byte{0x7f, 'E', 'L', 'F'})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestLoadStringsAndSymbols(t *testing.T) {
	ksym := append([]byte{0}, []byte("foo\x00bar\x00")...)
	buf := buildELF64(t, true, 0, []section{
		{name: "__ksymtab_strings", typ: 1, data: ksym},
	})
	v, err := Open(buf)
	require.NoError(t, err)
	require.Equal(t, 64, v.WordSize())
	require.False(t, v.Conv())

	syms := v.LoadSymbols()
	require.ElementsMatch(t, []string{"foo", "bar"}, syms)
}

func TestLoadSymbolsLegacyKsymtab(t *testing.T) {
	// Legacy record: {value uint64, name[56]byte}
	rec := func(name string) []byte {
		b := make([]byte, 64)
		copy(b[8:], name)
		return b
	}
	data := append(rec("legacy_a"), rec("legacy_b")...)
	buf := buildELF64(t, true, 0, []section{
		{name: "__ksymtab", typ: 1, data: data},
	})
	v, err := Open(buf)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"legacy_a", "legacy_b"}, v.LoadSymbols())
}

func TestLoadDepSyms(t *testing.T) {
	strtab := []byte{0}
	strtab = append(strtab, []byte("undef_strong\x00undef_weak\x00")...)
	strongOff := uint32(1)
	weakOff := uint32(1 + len("undef_strong") + 1)

	symEntry := func(nameOff uint32, info uint8, shndx uint16) []byte {
		b := make([]byte, 24)
		binary.LittleEndian.PutUint32(b[0:], nameOff)
		b[4] = info
		binary.LittleEndian.PutUint16(b[6:], shndx)
		return b
	}
	symtab := make([]byte, 24) // null entry
	symtab = append(symtab, symEntry(strongOff, 1<<4, shnUndef)...)       // GLOBAL bind=1
	symtab = append(symtab, symEntry(weakOff, stbWeak<<4, shnUndef)...)   // WEAK bind=2
	symtab = append(symtab, symEntry(0, 1<<4, 1)...)                     // defined, not undef

	buf := buildELF64(t, true, 0, []section{
		{name: ".strtab", typ: 3, data: strtab},
		{name: ".symtab", typ: 2, data: symtab},
	})
	v, err := Open(buf)
	require.NoError(t, err)
	syms, err := v.LoadDepSyms()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	require.Equal(t, "undef_strong", syms[0].Name)
	require.Equal(t, Strong, syms[0].Kind)
	require.Equal(t, "undef_weak", syms[1].Name)
	require.Equal(t, Weak, syms[1].Kind)
}

func TestLoadDepSymsSkipsSparcRegisterSymbols(t *testing.T) {
	strtab := append([]byte{0}, []byte("reg_sym\x00")...)
	symEntry := func(nameOff uint32, info uint8, shndx uint16) []byte {
		b := make([]byte, 24)
		binary.LittleEndian.PutUint32(b[0:], nameOff)
		b[4] = info
		binary.LittleEndian.PutUint16(b[6:], shndx)
		return b
	}
	symtab := make([]byte, 24)
	symtab = append(symtab, symEntry(1, sttRegister, shnUndef)...)

	buf := buildELF64(t, true, uint16(EM_SPARCV9), []section{
		{name: ".strtab", typ: 3, data: strtab},
		{name: ".symtab", typ: 2, data: symtab},
	})
	v, err := Open(buf)
	require.NoError(t, err)
	syms, err := v.LoadDepSyms()
	require.NoError(t, err)
	require.Empty(t, syms)
}

func TestGetModinfoAndModInfoValue(t *testing.T) {
	modinfo := []byte("vermagic=6.1.0 SMP mod_unload\x00depends=\x00srcversion=ABCDEF\x00")
	buf := buildELF64(t, true, 0, []section{
		{name: ".modinfo", typ: 1, data: modinfo},
	})
	v, err := Open(buf)
	require.NoError(t, err)

	val, ok := ModInfoValue(v, "vermagic")
	require.True(t, ok)
	require.Equal(t, "6.1.0 SMP mod_unload", val)

	_, ok = ModInfoValue(v, "nonexistent")
	require.False(t, ok)
}

func TestStripSectionClearsAllocFlag(t *testing.T) {
	buf := buildELF64(t, true, 0, []section{
		{name: "__versions", typ: 1, data: make([]byte, 64)},
	})
	// buildELF64 leaves sh_flags zero; set SHF_ALLOC on __versions
	// (section header 1) so there is a bit to clear.
	flagsOff := binary.LittleEndian.Uint64(buf[0x28:]) + 0x40 + 8
	binary.LittleEndian.PutUint64(buf[flagsOff:], shfAlloc)

	v, err := Open(buf)
	require.NoError(t, err)

	ok := v.StripSection("__versions")
	require.True(t, ok)

	// The section header's sh_flags (in the shared buffer) has SHF_ALLOC
	// cleared; an unknown section name reports false.
	require.Zero(t, binary.LittleEndian.Uint64(buf[flagsOff:])&shfAlloc)
	ok = v.StripSection("nonexistent")
	require.False(t, ok)
}

func TestDumpModVers(t *testing.T) {
	rec := func(crc uint32, name string) []byte {
		b := make([]byte, 64)
		binary.LittleEndian.PutUint64(b, uint64(crc))
		copy(b[8:], name)
		return b
	}
	data := append(rec(0xdeadbeef, "symbol_a"), rec(0xc0ffee, "symbol_b")...)
	buf := buildELF64(t, true, 0, []section{
		{name: "__versions", typ: 1, data: data},
	})
	v, err := Open(buf)
	require.NoError(t, err)
	vers, err := v.DumpModVers()
	require.NoError(t, err)
	require.Len(t, vers, 2)
	require.Equal(t, uint32(0xdeadbeef), vers[0].CRC)
	require.Equal(t, "symbol_a", vers[0].Name)
}

func TestDumpModVersInvalidSize(t *testing.T) {
	buf := buildELF64(t, true, 0, []section{
		{name: "__versions", typ: 1, data: make([]byte, 10)},
	})
	v, err := Open(buf)
	require.NoError(t, err)
	_, err = v.DumpModVers()
	require.Error(t, err)
}

func TestBigEndianConv(t *testing.T) {
	ksym := append([]byte{0}, []byte("beSymbol\x00")...)
	buf := buildELF64(t, false, 0, []section{
		{name: "__ksymtab_strings", typ: 1, data: ksym},
	})
	v, err := Open(buf)
	require.NoError(t, err)
	require.True(t, v.Conv())
	require.Equal(t, []string{"beSymbol"}, v.LoadSymbols())
}
