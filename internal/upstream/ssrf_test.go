package upstream

import "testing"

// TestCheckHost_RejectsPrivateAndReservedRanges exercises invariant 8: every
// outbound dial is refused before any request byte is sent when it targets a
// private, loopback, link-local, multicast, or special-use address.
func TestCheckHost_RejectsPrivateAndReservedRanges(t *testing.T) {
	disallowed := []string{
		"127.0.0.1",
		"10.0.0.5",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.1.1",
		"224.0.0.1",
		"0.0.0.0",
		"::1",
		"fe80::1",
		"192.0.2.10",   // TEST-NET-1
		"198.51.100.1", // TEST-NET-2
		"203.0.113.1",  // TEST-NET-3
		"100.64.0.1",   // carrier-grade NAT
		"198.18.0.1",   // benchmarking
	}

	for _, host := range disallowed {
		if err := checkHost(host); err == nil {
			t.Errorf("checkHost(%q) = nil, want ErrBlockedHost", host)
		}
	}
}

func TestCheckHost_AllowsPublicAddresses(t *testing.T) {
	allowed := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34"}

	for _, host := range allowed {
		if err := checkHost(host); err != nil {
			t.Errorf("checkHost(%q) = %v, want nil", host, err)
		}
	}
}

func TestCheckURL_ValidatesHostname(t *testing.T) {
	if err := checkURL("http://127.0.0.1:8080/getNumber"); err == nil {
		t.Error("checkURL on loopback target = nil, want ErrBlockedHost")
	}
	if err := checkURL("http://8.8.8.8/getNumber"); err != nil {
		t.Errorf("checkURL on public target = %v, want nil", err)
	}
	if err := checkURL("://not a url"); err == nil {
		t.Error("checkURL on malformed URL = nil, want error")
	}
}

func TestCheckHost_RejectsEmptyHost(t *testing.T) {
	if err := checkHost(""); err == nil {
		t.Error("checkHost(\"\") = nil, want error")
	}
}
