package nvmesim

import (
	"testing"
	"time"

	"github.com/nvmesim/nvmesim/config"
	"github.com/nvmesim/nvmesim/registers"
	"github.com/nvmesim/nvmesim/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControl_ThreadedIdentify(t *testing.T) {
	h := newHarness(t, "watcher:\n  change_check_interval: 1ms")
	require.False(t, h.ctl.SingleThreaded())

	h.ctl.Start()
	defer h.ctl.Stop()

	h.enable(1, 1)

	page, err := h.hm.Allocate(4096, 4096)
	require.NoError(t, err)

	h.submit(0, &Command{OPC: uint8(AdminIdentify), CID: 0x0001, PRP1: page})
	h.ring(1)

	e := h.completion(0)
	assert.Equal(t, uint16(0x0001), e.CID)
	assert.Equal(t, uint16(1), e.SQHD)
	assert.Equal(t, StatusSuccess, e.SC)
	assert.True(t, e.Phase)

	data, err := h.hm.Read(page, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xFF}, data)
}

func TestControl_ThreadedReset(t *testing.T) {
	h := newHarness(t, "watcher:\n  change_check_interval: 1ms")

	h.ctl.Start()
	defer h.ctl.Stop()

	h.enable(1, 1)
	h.submit(0, &Command{OPC: uint8(AdminKeepAlive), CID: 0x0001})
	h.ring(1)
	require.Equal(t, StatusSuccess, h.completion(0).SC)

	require.NoError(t, h.regs.HostWrite32(registers.RegCC, 0))
	require.Eventually(t, func() bool { return !h.regs.Ready() }, time.Second, time.Millisecond)
}

// The two scheduling modes must be externally indistinguishable for the same
// sequence of register writes.
func TestControl_ModeEquivalence(t *testing.T) {
	run := func(h *harness) ([]Completion, []byte, uint32) {
		h.enable(3, 1)

		page, err := h.hm.Allocate(4096, 4096)
		require.NoError(h.t, err)

		h.submit(0, &Command{OPC: uint8(AdminIdentify), CID: 1, PRP1: page})
		h.submit(1, &Command{OPC: uint8(AdminKeepAlive), CID: 2})
		h.submit(2, &Command{OPC: 0x7F, CID: 3})
		h.ring(1)
		first := h.completion(0)
		h.ring(3)

		out := []Completion{first, h.completion(1), h.completion(0)}
		data, err := h.hm.Read(page, 4)
		require.NoError(h.t, err)
		return out, data, h.cqHeadDoorbell()
	}

	single := newSingleThreadedHarness(t)
	sCompletions, sData, sDoorbell := run(single)

	threaded := newHarness(t, "watcher:\n  change_check_interval: 1ms")
	threaded.ctl.Start()
	defer threaded.ctl.Stop()
	tCompletions, tData, tDoorbell := run(threaded)

	assert.Equal(t, sCompletions, tCompletions)
	assert.Equal(t, sData, tData)
	assert.Equal(t, sDoorbell, tDoorbell)
}

func TestControl_StartStopIdempotent(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("watcher:\n  change_check_interval: 1ms"))

	ctl, err := Main(c, false, "test", l)
	require.NoError(t, err)

	ctl.Start()
	ctl.Start()
	ctl.Stop()
}

func TestControl_SingleThreadedStartIsNoop(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("main:\n  single_threaded: true"))

	ctl, err := Main(c, false, "test", l)
	require.NoError(t, err)
	require.True(t, ctl.SingleThreaded())

	ctl.Start()
	ctl.Stop()
}
