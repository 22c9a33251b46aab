package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sugawarayuuta/sonnet"

	"nvos/pmem"
	"nvos/procinfo"
)

var errReadOnly = errors.New("pmemdump: image is read-only")

// fileMem is a read-only PMem over an image file's contents.
type fileMem []byte

func (m fileMem) Bytes() []byte           { return m }
func (fileMem) Flush(off, n uint64) error { return errReadOnly }

type segmentDump struct {
	Present bool   `json:"present"`
	Virt    uint64 `json:"virt"`
	Phys    uint64 `json:"phys"`
	Size    uint64 `json:"size"`
}

type contextDump struct {
	RIP      uint64      `json:"rip"`
	RSP      uint64      `json:"rsp"`
	RAX      uint64      `json:"rax"`
	RFLAGS   uint64      `json:"rflags"`
	HeapUsed uint64      `json:"heap_used"`
	Code     segmentDump `json:"code"`
	Data     segmentDump `json:"data"`
	Stack    segmentDump `json:"stack"`
	Heap     segmentDump `json:"heap"`
}

type processDump struct {
	Index      int          `json:"index"`
	Name       string       `json:"name"`
	Info       uint64       `json:"info"`
	Error      string       `json:"error,omitempty"`
	ValidIndex int          `json:"valid_index"`
	Valid      *contextDump `json:"valid,omitempty"`
}

type imageDump struct {
	ID        string        `json:"id"`
	Size      uint64        `json:"size"`
	Used      uint64        `json:"used"`
	Processes []processDump `json:"processes"`
}

func main() {
	var asJSON bool
	flag.BoolVar(&asJSON, "json", false, "Print JSON instead of text.")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pmemdump [-json] IMAGE")
		os.Exit(2)
	}
	if err := run(os.Stdout, flag.Arg(0), asJSON); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(w io.Writer, path string, asJSON bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := pmem.Open(pmem.NewRegion(fileMem(data)))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	d := dump(img)
	if asJSON {
		out, err := sonnet.Marshal(d)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", out)
		return err
	}
	writeText(w, d)
	return nil
}

func dump(img *pmem.Image) imageDump {
	d := imageDump{
		ID:        img.ID().String(),
		Size:      img.Region().Size(),
		Used:      img.Used(),
		Processes: []processDump{},
	}
	for _, e := range img.Entries() {
		pd := processDump{Index: e.Index, Name: e.Name, Info: e.Info, ValidIndex: -1}
		if e.Info+procinfo.InfoBytes > d.Size {
			pd.Error = "info out of range"
			d.Processes = append(d.Processes, pd)
			continue
		}
		info := procinfo.InfoAt(img.Region(), e.Info)
		if err := info.Check(); err != nil {
			pd.Error = err.Error()
			d.Processes = append(d.Processes, pd)
			continue
		}
		pd.ValidIndex = info.ValidIndex()
		cd := dumpContext(info.ValidContext())
		pd.Valid = &cd
		d.Processes = append(d.Processes, pd)
	}
	return d
}

func dumpContext(c procinfo.ExecutionContext) contextDump {
	rf := c.Registers()
	m := c.Mapping()
	return contextDump{
		RIP:      rf.RIP,
		RSP:      rf.RSP,
		RAX:      rf.RAX,
		RFLAGS:   rf.RFLAGS,
		HeapUsed: c.HeapUsed(),
		Code:     dumpSegment(m.Code()),
		Data:     dumpSegment(m.Data()),
		Stack:    dumpSegment(m.Stack()),
		Heap:     dumpSegment(m.Heap()),
	}
}

func dumpSegment(s procinfo.SegmentMapping) segmentDump {
	return segmentDump{Present: s.Present(), Virt: s.VirtAddr(), Phys: s.PhysAddr(), Size: s.MapSize()}
}

func writeText(w io.Writer, d imageDump) {
	fmt.Fprintf(w, "image %s: %d/%d bytes used\n", d.ID, d.Used, d.Size)
	for _, p := range d.Processes {
		if p.Valid == nil {
			fmt.Fprintf(w, "[%d] %-24s info=%#x: %s\n", p.Index, p.Name, p.Info, p.Error)
			continue
		}
		c := p.Valid
		fmt.Fprintf(w, "[%d] %-24s info=%#x slot=%d rip=%#x rsp=%#x rax=%d heap=%d\n",
			p.Index, p.Name, p.Info, p.ValidIndex, c.RIP, c.RSP, c.RAX, c.HeapUsed)
		for _, s := range []struct {
			name string
			seg  segmentDump
		}{{"code", c.Code}, {"data", c.Data}, {"stack", c.Stack}, {"heap", c.Heap}} {
			if !s.seg.Present {
				continue
			}
			fmt.Fprintf(w, "    %-5s %#x-%#x -> %#x\n", s.name, s.seg.Virt, s.seg.Virt+s.seg.Size, s.seg.Phys)
		}
	}
}
