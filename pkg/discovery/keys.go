package discovery

import "strings"

// serverKey returns the directory key for a single server, bit-exact with
// original_source's EtcdLazy::get_etcd_server_key: "<prefix>/servers/<kind>/<id>".
func serverKey(prefix, kind, id string) string {
	return prefix + "/servers/" + kind + "/" + id
}

// serversPrefix returns the watch/list prefix for all servers:
// "<prefix>/servers/".
func serversPrefix(prefix string) string {
	return prefix + "/servers/"
}

// parseServerKey extracts (kind, id) from a directory key produced by
// serverKey. It reports ok=false for any key outside the expected shape.
func parseServerKey(prefix, key string) (kind, id string, ok bool) {
	base := serversPrefix(prefix)
	if !strings.HasPrefix(key, base) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, base)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
