package controller

import (
	"fmt"
	"net"
	"strings"
)

const (
	ColorGreen = "\033[32m"
	ColorReset = "\033[0m"
)

// Identity derives the access point name and mDNS hostname from the last
// two bytes of the hardware address, so neighbouring devices differ.
func Identity(mac net.HardwareAddr, apBase, hostBase string) (apSSID, hostname string) {
	var a, b byte
	if n := len(mac); n >= 2 {
		a, b = mac[n-2], mac[n-1]
	}
	apSSID = fmt.Sprintf("%s_%02X%02X", apBase, a, b)
	hostname = strings.ToLower(fmt.Sprintf("%s-%02x%02x", hostBase, a, b))
	return apSSID, hostname
}
