package channel

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/cdcnet/link"
	"github.com/ardnew/cdcnet/pkg"
)

type fakeDevice struct {
	sent [][]byte
	mac  net.HardwareAddr
}

func (d *fakeDevice) Transmit(frame []byte) error {
	d.sent = append(d.sent, append([]byte(nil), frame...))
	return nil
}

func (d *fakeDevice) MACAddress() (net.HardwareAddr, error) { return d.mac, nil }

func TestEndpoint_StackInput(t *testing.T) {
	e := New(2)
	frame := []byte{1, 2, 3}
	require.NoError(t, e.StackInput(frame))
	frame[0] = 9
	require.NoError(t, e.StackInput(frame))
	assert.ErrorIs(t, e.StackInput(frame), pkg.ErrBufferFull)
	assert.Equal(t, uint64(1), e.Dropped())

	assert.Equal(t, []byte{1, 2, 3}, <-e.C, "frames are copied")
	assert.Equal(t, 1, e.Drain())
}

func TestEndpoint_Stages(t *testing.T) {
	e := New(1)
	dev := &fakeDevice{mac: net.HardwareAddr{2, 0, 0, 0, 0, 1}}

	assert.ErrorIs(t, e.Transmit([]byte{1}), pkg.ErrInvalidState)

	e.OnStageChanged(link.StageUp, dev)
	assert.True(t, e.Up())
	assert.Equal(t, StageChange{Stage: link.StageUp, Data: dev}, <-e.Stages)

	require.NoError(t, e.Transmit([]byte{0xAB}))
	assert.Equal(t, [][]byte{{0xAB}}, dev.sent)
	mac, err := e.LinkAddress()
	require.NoError(t, err)
	assert.Equal(t, dev.mac, mac)

	e.OnStageChanged(link.StageDown, nil)
	assert.False(t, e.Up())
	_, err = e.LinkAddress()
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "up", link.StageUp.String())
	assert.Equal(t, "down", link.StageDown.String())
	assert.Equal(t, "unknown", link.Stage(7).String())
}
