package transport

import (
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/sduerr85/OpenBuildNet/obnmsg"
)

func TestInproc(t *testing.T) {
	t.Run("send reaches the peer", func(t *testing.T) {
		tr := NewInproc()
		defer tr.Close()
		p := tr.Connect(1)

		assert.NoError(t, tr.Send(1, &obnmsg.Frame{Kind: obnmsg.KindY, Time: 1000, NodeID: 1, Mask: 1}))
		f := <-p.In()
		assert.Equal(t, obnmsg.KindY, f.Kind)
		assert.Equal(t, int64(1000), f.Time)
	})

	t.Run("send to unknown endpoint fails", func(t *testing.T) {
		tr := NewInproc()
		defer tr.Close()
		assert.IsError(t, tr.Send(9, &obnmsg.Frame{Kind: obnmsg.KindY}), ErrUnknownEndpoint)
	})

	t.Run("peer frames arrive via recv", func(t *testing.T) {
		tr := NewInproc()
		defer tr.Close()
		p := tr.Connect(2)

		p.Send(&obnmsg.Frame{Kind: obnmsg.KindAck, NodeID: 2, Ack: &obnmsg.AckPayload{Acked: obnmsg.KindY}})
		ev, err := tr.Recv(time.Now().Add(time.Second))
		assert.NoError(t, err)
		assert.Equal(t, int32(2), ev.NodeID)
		assert.Equal(t, obnmsg.KindAck, ev.Frame.Kind)
	})

	t.Run("recv deadline yields timeout", func(t *testing.T) {
		tr := NewInproc()
		defer tr.Close()
		_, err := tr.Recv(time.Now().Add(10 * time.Millisecond))
		assert.IsError(t, err, ErrTimeout)
	})

	t.Run("broadcast stamps each receiver id", func(t *testing.T) {
		tr := NewInproc()
		defer tr.Close()
		a := tr.Connect(0)
		b := tr.Connect(1)

		assert.NoError(t, tr.Broadcast(&obnmsg.Frame{Kind: obnmsg.KindTerm, Time: 5000}))
		fa := <-a.In()
		fb := <-b.In()
		assert.Equal(t, int32(0), fa.NodeID)
		assert.Equal(t, int32(1), fb.NodeID)
	})

	t.Run("down surfaces through recv", func(t *testing.T) {
		tr := NewInproc()
		defer tr.Close()
		p := tr.Connect(3)

		p.Down()
		ev, err := tr.Recv(time.Now().Add(time.Second))
		assert.NoError(t, err)
		assert.True(t, ev.Down)
		assert.Equal(t, int32(3), ev.NodeID)
	})

	t.Run("closed transport rejects recv", func(t *testing.T) {
		tr := NewInproc()
		tr.Close()
		_, err := tr.Recv(time.Time{})
		assert.IsError(t, err, ErrClosed)
	})
}
