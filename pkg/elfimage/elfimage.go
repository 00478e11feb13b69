// Package elfimage builds and reads the kernel images loaded by the CPU HAL.
//
// A kernel image is a little-endian ELF64 shared object whose symbol table
// exports one STT_FUNC symbol per kernel entry point. The CPU HAL only needs
// the exported symbol table; Build emits exactly the sections required for
// that (.text, .symtab, .strtab, .shstrtab) and Open reads any conforming
// ELF64 object, including ones produced by a real toolchain.
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
)

var (
	ErrNoSymbols     = errors.New("elfimage: image exports no function symbols")
	ErrDuplicateName = errors.New("elfimage: duplicate symbol name")
	ErrEmptyName     = errors.New("elfimage: empty symbol name")
)

// Symbol is a function exported by an image.
type Symbol struct {
	Name  string
	Value uint64 // offset in .text for built images
	Size  uint64
}

// Function is the input to Build: a symbol name and its code bytes.
// Empty Code is replaced by a single return instruction placeholder.
type Function struct {
	Name string
	Code []byte
}

// Options configures Build.
type Options struct {
	// Machine defaults to the machine of the running process.
	Machine elf.Machine
}

const (
	ehdrSize  = 64
	shdrSize  = 64
	sym64Size = 24
	textAlign = 16
)

// HostMachine returns the ELF machine for runtime.GOARCH.
func HostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "386":
		return elf.EM_386
	case "arm64":
		return elf.EM_AARCH64
	case "arm":
		return elf.EM_ARM
	case "riscv64":
		return elf.EM_RISCV
	default:
		return elf.EM_NONE
	}
}

// Build returns an ELF64 shared object exporting funcs.
func Build(funcs []Function, opts Options) ([]byte, error) {
	if len(funcs) == 0 {
		return nil, ErrNoSymbols
	}
	if opts.Machine == elf.EM_NONE {
		opts.Machine = HostMachine()
	}

	seen := make(map[string]bool, len(funcs))
	var text []byte
	strtab := []byte{0}
	syms := make([]byte, sym64Size) // STN_UNDEF
	le := binary.LittleEndian
	for _, fn := range funcs {
		if fn.Name == "" {
			return nil, ErrEmptyName
		}
		if seen[fn.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, fn.Name)
		}
		seen[fn.Name] = true

		code := fn.Code
		if len(code) == 0 {
			code = []byte{0xC3}
		}
		for len(text)%textAlign != 0 {
			text = append(text, 0)
		}
		value := uint64(len(text))
		text = append(text, code...)

		nameOff := uint32(len(strtab))
		strtab = append(strtab, fn.Name...)
		strtab = append(strtab, 0)

		var sym [sym64Size]byte
		le.PutUint32(sym[0:], nameOff)
		sym[4] = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)
		sym[5] = byte(elf.STV_DEFAULT)
		le.PutUint16(sym[6:], 1) // .text
		le.PutUint64(sym[8:], value)
		le.PutUint64(sym[16:], uint64(len(code)))
		syms = append(syms, sym[:]...)
	}

	shstrtab := []byte{0}
	names := map[string]uint32{}
	for _, n := range []string{".text", ".symtab", ".strtab", ".shstrtab"} {
		names[n] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, n...)
		shstrtab = append(shstrtab, 0)
	}

	var out bytes.Buffer
	out.Write(make([]byte, ehdrSize))
	pad := func(align int) {
		for out.Len()%align != 0 {
			out.WriteByte(0)
		}
	}

	pad(textAlign)
	textOff := out.Len()
	out.Write(text)
	pad(8)
	symOff := out.Len()
	out.Write(syms)
	strOff := out.Len()
	out.Write(strtab)
	shstrOff := out.Len()
	out.Write(shstrtab)
	pad(8)
	shOff := out.Len()

	type shdr struct {
		name, typ      uint32
		flags          uint64
		off, size      uint64
		link, info     uint32
		align, entsize uint64
	}
	sections := []shdr{
		{},
		{name: names[".text"], typ: uint32(elf.SHT_PROGBITS), flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			off: uint64(textOff), size: uint64(len(text)), align: textAlign},
		{name: names[".symtab"], typ: uint32(elf.SHT_SYMTAB), off: uint64(symOff), size: uint64(len(syms)),
			link: 3, info: 1, align: 8, entsize: sym64Size},
		{name: names[".strtab"], typ: uint32(elf.SHT_STRTAB), off: uint64(strOff), size: uint64(len(strtab)), align: 1},
		{name: names[".shstrtab"], typ: uint32(elf.SHT_STRTAB), off: uint64(shstrOff), size: uint64(len(shstrtab)), align: 1},
	}
	for _, s := range sections {
		var h [shdrSize]byte
		le.PutUint32(h[0:], s.name)
		le.PutUint32(h[4:], s.typ)
		le.PutUint64(h[8:], s.flags)
		le.PutUint64(h[24:], s.off)
		le.PutUint64(h[32:], s.size)
		le.PutUint32(h[40:], s.link)
		le.PutUint32(h[44:], s.info)
		le.PutUint64(h[48:], s.align)
		le.PutUint64(h[56:], s.entsize)
		out.Write(h[:])
	}

	b := out.Bytes()
	copy(b[0:], elf.ELFMAG)
	b[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	b[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	le.PutUint16(b[16:], uint16(elf.ET_DYN))
	le.PutUint16(b[18:], uint16(opts.Machine))
	le.PutUint32(b[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(b[40:], uint64(shOff))
	le.PutUint16(b[52:], ehdrSize)
	le.PutUint16(b[58:], shdrSize)
	le.PutUint16(b[60:], uint16(len(sections)))
	le.PutUint16(b[62:], 4) // .shstrtab
	return b, nil
}

// Image is an opened kernel image.
type Image struct {
	Machine elf.Machine
	symbols map[string]Symbol
	closer  io.Closer
}

// Open reads the image at path.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfimage: open %s: %w", path, err)
	}
	img, err := fromFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	img.closer = f
	return img, nil
}

// Parse reads an image from memory.
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elfimage: parse: %w", err)
	}
	return fromFile(f)
}

func fromFile(f *elf.File) (*Image, error) {
	img := &Image{Machine: f.Machine, symbols: map[string]Symbol{}}
	collect := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF {
				continue
			}
			if b := elf.ST_BIND(s.Info); b != elf.STB_GLOBAL && b != elf.STB_WEAK {
				continue
			}
			img.symbols[s.Name] = Symbol{Name: s.Name, Value: s.Value, Size: s.Size}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		collect(syms)
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("elfimage: symbols: %w", err)
	}
	if dyn, err := f.DynamicSymbols(); err == nil {
		collect(dyn)
	}
	if len(img.symbols) == 0 {
		return nil, ErrNoSymbols
	}
	return img, nil
}

// Lookup returns the exported function named name.
func (img *Image) Lookup(name string) (Symbol, bool) {
	s, ok := img.symbols[name]
	return s, ok
}

// Symbols returns the exported functions sorted by name.
func (img *Image) Symbols() []Symbol {
	out := make([]Symbol, 0, len(img.symbols))
	for _, s := range img.symbols {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases the underlying file, if any.
func (img *Image) Close() error {
	if img == nil || img.closer == nil {
		return nil
	}
	err := img.closer.Close()
	img.closer = nil
	return err
}
