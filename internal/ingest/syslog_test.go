package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/model"
)

func TestStripPriority(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<34>Oct 11 22:14:15 host sshd[1]: Failed password", "Oct 11 22:14:15 host sshd[1]: Failed password"},
		{"<165>1 2024-05-01T12:00:00Z host app - - msg", "2024-05-01T12:00:00Z host app - - msg"},
		{"plain line", "plain line"},
		{"<abc>not a pri", "<abc>not a pri"},
		{"<12", "<12"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StripPriority(tc.in), tc.in)
	}
}

func receive(t *testing.T, sub bus.Subscription) model.LogEvent {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		var ev model.LogEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no log event received")
	}
	return model.LogEvent{}
}

func TestSyslogPublishesUDPAndTCP(t *testing.T) {
	b := bus.NewMemory(64)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := b.Subscribe(ctx, model.ChannelRawLogs)
	require.NoError(t, err)
	defer sub.Close()

	s := NewSyslog(b, config.SyslogConfig{UDPAddr: "127.0.0.1:0", TCPAddr: "127.0.0.1:0", Label: "auth"}, 0, nil, nil)
	require.NoError(t, s.Listen())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	udp, err := net.Dial("udp", s.UDPAddr().String())
	require.NoError(t, err)
	defer udp.Close()
	_, err = fmt.Fprint(udp, "<38>sshd[22]: Failed password for root from 203.0.113.9 port 22\n\n")
	require.NoError(t, err)

	ev := receive(t, sub)
	assert.Equal(t, "auth", ev.Source)
	assert.Equal(t, "sshd[22]: Failed password for root from 203.0.113.9 port 22", ev.Line)
	assert.Equal(t, "syslog+udp", ev.File)

	tcp, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	_, err = fmt.Fprint(tcp, "first line\r\nsecond line\n")
	require.NoError(t, err)
	tcp.Close()

	assert.Equal(t, "first line", receive(t, sub).Line)
	assert.Equal(t, "second line", receive(t, sub).Line)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("syslog did not stop")
	}
	assert.Nil(t, s.UDPAddr())
}

func TestSyslogListenRequiresAddress(t *testing.T) {
	s := NewSyslog(bus.NewMemory(1), config.SyslogConfig{}, 0, nil, nil)
	assert.Error(t, s.Listen())
	assert.Equal(t, "syslog", s.String())
}
