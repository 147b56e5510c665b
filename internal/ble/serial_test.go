package ble

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeGateway answers host requests on the far end of a pipe.
type fakeGateway struct {
	conn     net.Conn
	visible  bool
	refuse   bool
	received chan []byte
}

func (g *fakeGateway) run() {
	r := bufio.NewReader(g.conn)
	for {
		inner, err := readHDLCFrame(r)
		if err != nil {
			return
		}
		msg, err := hdlcDecode(inner)
		if err != nil || len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case opScan:
			found := byte(0)
			if g.visible {
				found = 1
			}
			g.reply(opScanResult, []byte{found})
		case opConnect:
			status := byte(0)
			if g.refuse {
				status = 0x3E
			}
			g.reply(opConnectResult, []byte{status})
		case opWrite:
			g.received <- msg[1:]
		case opReadInfo:
			g.reply(opInfo, []byte(InfoModel+"=BRC1H\n"+InfoSoftware+"=1.2"))
		}
	}
}

func (g *fakeGateway) reply(op byte, payload []byte) {
	g.conn.Write(hdlcEncode(append([]byte{op}, payload...)))
}

func newGatewayPair(t *testing.T, visible, refuse bool) (*SerialLink, *fakeGateway) {
	t.Helper()
	host, dev := net.Pipe()
	g := &fakeGateway{conn: dev, visible: visible, refuse: refuse, received: make(chan []byte, 8)}
	go g.run()
	l := newSerialLink(host, testLogger())
	t.Cleanup(func() {
		l.Close()
		dev.Close()
	})
	return l, g
}

func TestSerialLinkSession(t *testing.T) {
	l, g := newGatewayPair(t, true, false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.Scan(ctx, "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	conn, err := l.Connect(ctx, "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	notified := make(chan []byte, 1)
	conn.Subscribe(func(b []byte) { notified <- b })

	if err := conn.Write([]byte{0x00, 0x06, 0x00, 0x00, 0x20, 0x00, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case got := <-g.received:
		if !bytes.Equal(got, []byte{0x00, 0x06, 0x00, 0x00, 0x20, 0x00, 0x00}) {
			t.Errorf("gateway received %X", got)
		}
	case <-time.After(time.Second):
		t.Fatal("gateway received nothing")
	}

	go g.reply(opNotify, []byte{0x00, 0x07, 0x00, 0x00, 0x20, 0x20, 0x01, 0x01})
	select {
	case got := <-notified:
		if got[0] != 0x00 || got[1] != 0x07 {
			t.Errorf("notification = %X", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	info, err := conn.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info[InfoModel] != "BRC1H" || info[InfoSoftware] != "1.2" {
		t.Errorf("info = %v", info)
	}
}

func TestSerialLinkNotFound(t *testing.T) {
	l, _ := newGatewayPair(t, false, false)
	if err := l.Scan(context.Background(), "AA:BB"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSerialLinkConnectRefused(t *testing.T) {
	l, _ := newGatewayPair(t, true, true)
	if _, err := l.Connect(context.Background(), "AA:BB"); err == nil {
		t.Error("expected connect error")
	}
}
