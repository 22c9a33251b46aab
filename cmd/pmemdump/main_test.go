package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"

	"nvos/kernel"
	"nvos/paging"
	"nvos/pmem"
	"nvos/procinfo"
)

func writeImage(t *testing.T) (string, *pmem.Image) {
	t.Helper()
	dev := pmem.NewSimDevice(1 << 20)
	img, err := pmem.Format(pmem.NewRegion(dev))
	require.NoError(t, err)
	l := kernel.NewLoader(img, paging.NewFrameArena(1<<40, 64*paging.PageBytes), paging.Software{}, nil)
	_, err = l.Spawn("alpha", nil, []byte("code"), "alpha -v", kernel.DefaultLayout())
	require.NoError(t, err)
	beta, err := l.Spawn("beta", nil, []byte("code"), "", kernel.DefaultLayout())
	require.NoError(t, err)
	info, _ := beta.Info()
	require.NoError(t, info.Invalidate())

	path := filepath.Join(t.TempDir(), "nvos.pmem")
	require.NoError(t, os.WriteFile(path, dev.Bytes(), 0o644))
	return path, img
}

func TestDumpJSON(t *testing.T) {
	path, img := writeImage(t)

	var out bytes.Buffer
	require.NoError(t, run(&out, path, true))

	var d imageDump
	require.NoError(t, sonnet.Unmarshal(out.Bytes(), &d))
	assert.Equal(t, img.ID().String(), d.ID)
	assert.Equal(t, img.Used(), d.Used)
	require.Len(t, d.Processes, 2)

	alpha := d.Processes[0]
	assert.Equal(t, "alpha", alpha.Name)
	assert.Equal(t, 0, alpha.ValidIndex)
	require.NotNil(t, alpha.Valid)
	layout := kernel.DefaultLayout()
	assert.Equal(t, layout.CodeBase, alpha.Valid.RIP)
	assert.True(t, alpha.Valid.Data.Present)
	assert.Equal(t, layout.DataBase, alpha.Valid.Data.Virt)
	assert.Equal(t, layout.HeapSize, alpha.Valid.Heap.Size)
	assert.NotZero(t, alpha.Valid.RFLAGS&procinfo.RFlagsIF)

	beta := d.Processes[1]
	assert.Equal(t, "beta", beta.Name)
	assert.Nil(t, beta.Valid)
	assert.Equal(t, procinfo.ErrNotInitialized.Error(), beta.Error)
}

func TestDumpText(t *testing.T) {
	path, _ := writeImage(t)

	var out bytes.Buffer
	require.NoError(t, run(&out, path, false))
	s := out.String()
	assert.Contains(t, s, "[0] alpha")
	assert.Contains(t, s, "slot=0 rip=0x400000")
	assert.Contains(t, s, "    data  0x600000-0x604000")
	assert.Contains(t, s, "[1] beta")
	assert.Contains(t, s, procinfo.ErrNotInitialized.Error())
}

func TestDumpRejectsUnformatted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank")
	require.NoError(t, os.WriteFile(path, make([]byte, 64<<10), 0o644))
	err := run(&bytes.Buffer{}, path, false)
	assert.ErrorIs(t, err, pmem.ErrNotFormatted)
}
