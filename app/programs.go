package app

import (
	"encoding/binary"
	"strings"

	"nvos/kernel"
	"nvos/paging"
)

// Demo programs. Every piece of state a program keeps between quanta lives in
// its registers or its process memory, so it survives a reboot exactly as far
// as the last commit.
var programs = map[string]func(kernel.Layout) kernel.Program{
	"counter": counterProgram,
	"heap":    heapProgram,
	"echo":    echoProgram,
}

const (
	counterLogEvery = 100
	heapPages       = 4
	maxArgBytes     = 256
)

// programImage is the code segment contents of a program.
func programImage(name string) []byte {
	return []byte("nvos:" + name)
}

// counterProgram increments a counter at the start of its data segment and
// mirrors it in RAX.
func counterProgram(l kernel.Layout) kernel.Program {
	return kernel.ProgramFunc(func(c *kernel.Context) {
		var b [8]byte
		if err := c.Load(l.DataBase, b[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint64(b[:]) + 1
		binary.LittleEndian.PutUint64(b[:], n)
		if err := c.Store(l.DataBase, b[:]); err != nil {
			return
		}
		c.Registers().RAX = n
		if n%counterLogEvery == 0 {
			c.Logf("count=%d", n)
		}
	})
}

// heapProgram grows its heap one page per quantum, tagging each page, and
// exits once it has heapPages pages that all carry the right tag.
func heapProgram(l kernel.Layout) kernel.Program {
	return kernel.ProgramFunc(func(c *kernel.Context) {
		used := c.HeapEnd() - l.HeapBase
		if used < heapPages*paging.PageBytes {
			page, err := c.Sbrk(paging.PageBytes)
			if err != nil {
				return
			}
			_ = c.Store(page, []byte{pageTag(page)})
			return
		}

		var b [1]byte
		for va := l.HeapBase; va < l.HeapBase+used; va += paging.PageBytes {
			if err := c.Load(va, b[:]); err != nil {
				return
			}
			if b[0] != pageTag(va) {
				c.Logf("page %#x tag %#x, want %#x", va, b[0], pageTag(va))
				c.Exit(1)
				return
			}
		}
		c.Logf("grew heap to %d pages", used/paging.PageBytes)
		c.Exit(0)
	})
}

func pageTag(va uint64) byte { return byte(va>>12) | 1 }

// echoProgram logs its argv and exits.
func echoProgram(kernel.Layout) kernel.Program {
	return kernel.ProgramFunc(func(c *kernel.Context) {
		rf := c.Registers()
		args := make([]string, 0, rf.RDI)
		for i := uint64(0); i < rf.RDI; i++ {
			var p [8]byte
			if err := c.Load(rf.RSI+i*8, p[:]); err != nil {
				return
			}
			s, err := loadString(c, binary.LittleEndian.Uint64(p[:]))
			if err != nil {
				return
			}
			args = append(args, s)
		}
		c.Logf("%s", strings.Join(args[min(1, len(args)):], " "))
		c.Exit(0)
	})
}

func loadString(c *kernel.Context, va uint64) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for i := 0; i < maxArgBytes; i++ {
		if err := c.Load(va+uint64(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		sb.WriteByte(b[0])
	}
	return sb.String(), nil
}
