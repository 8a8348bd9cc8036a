package access

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

func TestNewRejectsBadPatterns(t *testing.T) {
	_, err := New(Config{AllowedClients: []string{"not-an-ip"}})
	assert.Error(t, err)

	_, err = New(Config{DeniedClients: []string{"10.0.0.0/99"}})
	assert.Error(t, err)
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		addr string
		want bool
	}{
		{"empty lists admit", Config{}, "192.168.1.5", true},
		{"allow any", Config{AllowAny: true, DeniedClients: []string{"0.0.0.0/0"}}, "10.1.1.1", true},
		{"exact allow", Config{AllowedClients: []string{"10.0.0.5"}}, "10.0.0.5", true},
		{"not in allow list", Config{AllowedClients: []string{"10.0.0.5"}}, "10.0.0.6", false},
		{"cidr allow", Config{AllowedClients: []string{"10.0.0.0/24"}}, "10.0.0.200", true},
		{"deny wins", Config{AllowedClients: []string{"10.0.0.0/8"}, DeniedClients: []string{"10.6.0.0/16"}}, "10.6.1.1", false},
		{"deny only", Config{DeniedClients: []string{"172.16.0.1"}}, "172.16.0.2", true},
		{"v4 mapped v6", Config{AllowedClients: []string{"127.0.0.1"}}, "::ffff:127.0.0.1", true},
		{"v6 cidr", Config{AllowedClients: []string{"fd00::/8"}}, "fd00::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Allowed(tcpAddr(tt.addr)))
		})
	}
}

func TestAllowedNonTCPAddr(t *testing.T) {
	f, err := New(Config{AllowedClients: []string{"127.0.0.1"}})
	require.NoError(t, err)

	assert.False(t, f.Allowed(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
	assert.False(t, f.Allowed(nil))
}

func TestNilFilterAdmits(t *testing.T) {
	var f *Filter
	assert.True(t, f.Allowed(tcpAddr("1.2.3.4")))
}
