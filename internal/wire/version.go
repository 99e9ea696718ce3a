package wire

import (
	"strings"

	"golang.org/x/mod/semver"
)

// normalize turns a Jupyter protocol version such as "5.4" into a semver-comparable
// string such as "v5.4.0", since golang.org/x/mod/semver requires a "v" prefix and
// a full major.minor.patch triplet while Jupyter only ever sends major.minor.
func normalize(v string) string {
	v = strings.TrimPrefix(v, "v")
	switch strings.Count(v, ".") {
	case 0:
		v += ".0.0"
	case 1:
		v += ".0"
	}
	return "v" + v
}

// CompatibleProtocolVersion reports whether a front end declaring protocolVersion in its
// kernel_info_request can be served by this kernel, which speaks ProtocolVersion. Per the
// Jupyter messaging spec, clients and kernels are compatible as long as they share the same
// major version; an unparsable version is treated as incompatible rather than erroring,
// since kernel_info negotiation must never fail a session outright.
func CompatibleProtocolVersion(protocolVersion string) bool {
	client := normalize(protocolVersion)
	server := normalize(ProtocolVersion)
	if !semver.IsValid(client) || !semver.IsValid(server) {
		return false
	}
	return semver.Major(client) == semver.Major(server)
}
