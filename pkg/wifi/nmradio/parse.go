package nmradio

import (
	"bufio"
	"bytes"
	"net/netip"
	"strconv"
	"strings"

	"github.com/asnowfix/wifimgr/pkg/wifi"
)

const listFields = "IN-USE,BSSID,SSID,CHAN,SIGNAL,SECURITY"

func listArgs(iface string) []string {
	return []string{"-t", "-e", "yes", "-f", listFields, "device", "wifi", "list", "ifname", iface}
}

// splitTerse splits one line of `nmcli -t -e yes` output. Separators inside
// values are escaped as `\:` and backslashes as `\\`.
func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

// signalToDBm maps the NetworkManager quality percentage back onto the dBm
// scale it was derived from.
func signalToDBm(signal int) int {
	if signal < 0 {
		signal = 0
	}
	if signal > 100 {
		signal = 100
	}
	return signal/2 - 100
}

type row struct {
	wifi.Network
	inUse bool
}

func parseWifiList(out []byte) []row {
	var rows []row
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := splitTerse(sc.Text())
		if len(f) < 6 {
			continue
		}
		bssid, err := wifi.ParseBSSID(f[1])
		if err != nil {
			continue
		}
		ssid := f[2]
		if ssid == "--" {
			ssid = ""
		}
		channel, _ := strconv.Atoi(f[3])
		signal, _ := strconv.Atoi(f[4])
		auth := 3
		if sec := strings.TrimSpace(f[5]); sec == "" || sec == "--" {
			auth = 0
		}
		rows = append(rows, row{
			Network: wifi.Network{
				SSID:    ssid,
				BSSID:   bssid,
				Auth:    auth,
				Channel: channel,
				RSSI:    signalToDBm(signal),
				Hidden:  ssid == "",
			},
			inUse: strings.TrimSpace(f[0]) == "*",
		})
	}
	return rows
}

// parseDeviceShow reads the GENERAL.STATE and IP4.ADDRESS lines of
// `nmcli -t device show`. State 100 is "activated".
func parseDeviceShow(out []byte) link {
	var l link
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.Join(splitTerse(value), ":")
		switch {
		case key == "GENERAL.STATE":
			code, _, _ := strings.Cut(value, " ")
			l.connected = code == "100"
		case strings.HasPrefix(key, "IP4.ADDRESS") && !l.ip.IsValid():
			if p, err := netip.ParsePrefix(value); err == nil {
				l.ip = p.Addr()
			}
		}
	}
	return l
}
