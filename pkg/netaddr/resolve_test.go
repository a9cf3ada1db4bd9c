package netaddr

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSystem struct {
	ifaces     map[string][]net.Addr
	local      net.IP
	localErr   error
	localCalls int
}

func (f *fakeSystem) InterfaceAddrs(name string) ([]net.Addr, error) {
	addrs, ok := f.ifaces[name]
	if !ok {
		return nil, ErrInterfaceNotFound
	}
	return addrs, nil
}

func (f *fakeSystem) LocalHostAddr() (net.IP, error) {
	f.localCalls++
	return f.local, f.localErr
}

func ipNet(s string) *net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		ifaces: map[string][]net.Addr{
			"eth0":   {ipNet("fe80::1/64"), ipNet("10.0.0.7/24"), ipNet("10.0.0.8/24")},
			"eth1":   {ipNet("192.168.1.20/24")},
			"v6only": {ipNet("2001:db8::5/64")},
			"empty":  {},
		},
		local: net.ParseIP("127.0.1.1"),
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		iface      string
		local      net.IP
		localErr   error
		want       string
		wantErr    error
		wantLocals int
	}{
		{
			name:  "first IPv4 of named interface",
			iface: "eth0",
			want:  "10.0.0.7",
		},
		{
			name:  "other interface is not consulted",
			iface: "eth1",
			want:  "192.168.1.20",
		},
		{
			name:       "no interface uses local host",
			iface:      "",
			want:       "127.0.1.1",
			wantLocals: 1,
		},
		{
			name:       "interface without IPv4 falls back to local host",
			iface:      "v6only",
			want:       "127.0.1.1",
			wantLocals: 1,
		},
		{
			name:       "interface without addresses falls back to local host",
			iface:      "empty",
			want:       "127.0.1.1",
			wantLocals: 1,
		},
		{
			name:    "missing interface never falls back",
			iface:   "wlan9",
			wantErr: ErrInterfaceNotFound,
		},
		{
			name:       "local host only has IPv6",
			iface:      "",
			local:      net.ParseIP("::1"),
			wantErr:    ErrNoIPv4Address,
			wantLocals: 1,
		},
		{
			name:       "local host lookup fails",
			iface:      "v6only",
			localErr:   errors.New("lookup failed"),
			wantErr:    ErrNoIPv4Address,
			wantLocals: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newFakeSystem()
			if tt.local != nil {
				sys.local = tt.local
			}
			if tt.localErr != nil {
				sys.local = nil
				sys.localErr = tt.localErr
			}

			ip, err := NewResolverWithSystem(sys).Resolve(tt.iface)
			assert.Equal(t, tt.wantLocals, sys.localCalls)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrNoUsableAddress)
				assert.Nil(t, ip)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip.String())
			assert.Len(t, ip, net.IPv4len)
		})
	}
}

func TestResolveAcceptsIPAddr(t *testing.T) {
	sys := &fakeSystem{ifaces: map[string][]net.Addr{
		"tun0": {&net.IPAddr{IP: net.ParseIP("100.64.0.9")}},
	}}
	ip, err := NewResolverWithSystem(sys).Resolve("tun0")
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.9", ip.String())
}

func TestResolveHostInterface(t *testing.T) {
	ifaces, err := net.Interfaces()
	require.NoError(t, err)

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		var own []string
		for _, a := range addrs {
			if ip := ipv4Of(a); ip != nil {
				own = append(own, ip.String())
			}
		}
		if len(own) == 0 {
			continue
		}

		ip, err := NewResolver().Resolve(iface.Name)
		require.NoError(t, err)
		assert.Contains(t, own, ip.String(), "address must belong to %s", iface.Name)
		return
	}
	t.Skip("no interface with an IPv4 address")
}

func TestResolveHostMissingInterface(t *testing.T) {
	_, err := NewResolver().Resolve("ttorrent-no-such-if0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterfaceNotFound)
}
