package util

import (
	"strings"

	"github.com/go-ble/ble"
)

func AddrEqualAddr(a string, b string) bool {
	return strings.ToUpper(a) == strings.ToUpper(b)
}

func UuidEqualStr(u ble.UUID, s string) bool {
	compare := strings.Replace(s, "-", "", -1)
	return AddrEqualAddr(compare, u.String())
}

// HasService returns true if uuids contains the service uuid given as string
func HasService(uuids []ble.UUID, s string) bool {
	for _, u := range uuids {
		if UuidEqualStr(u, s) {
			return true
		}
	}
	return false
}
