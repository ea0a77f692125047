package translator

import (
	"crypto/md5"
	"encoding/hex"

	_ "embed"
)

// FilterHelper is the on-host helper script the InstallFilter and
// ApplyShaping steps drive. Init plans ship it; the reconciler
// MD5-resyncs it before use so upgraded control planes converge hosts
// on the next plan.
//
//go:embed assets/iptables.sh
var FilterHelper string

// HelperMD5 keys server bootstraps: a server whose config.init equals
// it has the current helper installed and skips the init plan.
func HelperMD5() string {
	sum := md5.Sum([]byte(FilterHelper))
	return hex.EncodeToString(sum[:])
}
