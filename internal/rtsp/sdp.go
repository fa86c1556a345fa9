package rtsp

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
)

// BuildDescription returns the SDP body announced in DESCRIBE responses for
// a single H.264 video stream carried as payload type 96. Every line is CRLF
// terminated. sps must hold at least four bytes.
func BuildDescription(host string, sps, pps []byte) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	line("v=0")
	line("o=- 0 0 IN IP4 %s", host)
	line("s=No Title")
	line("c=IN IP4 0.0.0.0")
	line("t=0 0")
	line("m=video 0 RTP/AVP 96")
	line("a=rtpmap:96 H264/90000")
	line("a=control:1")
	line("a=fmtp:96 packetization-mode=1;sprop-parameter-sets=%s,%s;profile-level-id=%s",
		base64.StdEncoding.EncodeToString(sps),
		base64.StdEncoding.EncodeToString(pps),
		profileLevelID(sps))
	return b.String()
}

func profileLevelID(sps []byte) string {
	if len(sps) < 4 {
		return "000000"
	}
	return fmt.Sprintf("%02x%02x%02x", sps[1], sps[2], sps[3])
}

// HostIPv4 returns the first non-loopback IPv4 address of this host, or
// "0.0.0.0" when there is none.
func HostIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "0.0.0.0"
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "0.0.0.0"
}
