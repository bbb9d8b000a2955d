package transport

import "fmt"

// ServerRPCSubject returns the inbound RPC subject for a server, bit-exact
// with spec.md ยง4.4 so interop with Go/C++ peers holds:
// "pitaya/servers/<kind>/<id>/rpc".
func ServerRPCSubject(kind, id string) string {
	return fmt.Sprintf("pitaya/servers/%s/%s/rpc", kind, id)
}

// UserPushSubject returns the inbound push subject for a user:
// "pitaya/user/<user_id>/push".
func UserPushSubject(userID string) string {
	return fmt.Sprintf("pitaya/user/%s/push", userID)
}

// UserKickSubject returns the inbound kick subject for a frontend server:
// "pitaya/user/<server_id>/kick".
func UserKickSubject(serverID string) string {
	return fmt.Sprintf("pitaya/user/%s/kick", serverID)
}
