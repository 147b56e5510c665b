package web

import (
	"strings"
	"testing"
)

func TestInstanceName(t *testing.T) {
	tests := []struct {
		cfg  AdvertiseConfig
		want string
	}{
		{AdvertiseConfig{Address: "AA:BB:CC:DD:EE:FF"}, "madoka-aabbccddeeff"},
		{AdvertiseConfig{Address: "/dev/ttyUSB0"}, "madoka-devttyusb0"},
		{AdvertiseConfig{Instance: "Living room", Address: "AA:BB"}, "Living room"},
		{AdvertiseConfig{Instance: strings.Repeat("x", 80)}, strings.Repeat("x", maxInstanceNameLen)},
	}
	for _, tt := range tests {
		if got := instanceName(tt.cfg); got != tt.want {
			t.Errorf("instanceName(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestTXTRecords(t *testing.T) {
	got := strings.Join(txtRecords(AdvertiseConfig{Address: "AA:BB", Version: "1.2.0", APIKey: true}), ",")
	want := "address=AA:BB,auth=api-key,path=/api,version=1.2.0,ws=/ws"
	if got != want {
		t.Errorf("txtRecords = %q, want %q", got, want)
	}

	got = strings.Join(txtRecords(AdvertiseConfig{Address: "AA:BB"}), ",")
	if want := "address=AA:BB,auth=none,path=/api,ws=/ws"; got != want {
		t.Errorf("txtRecords = %q, want %q", got, want)
	}
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	if _, err := Advertise(AdvertiseConfig{Address: "AA:BB"}); err == nil {
		t.Error("Advertise with port 0 succeeded")
	}
}

func TestAdvertiserShutdownIdempotent(t *testing.T) {
	var a Advertiser
	a.Shutdown()
	a.Shutdown()
}
