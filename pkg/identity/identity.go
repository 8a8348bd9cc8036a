// Package identity defines the principal on whose behalf backends run.
package identity

import "fmt"

// Identity is an authenticated caller. UID is the key used by the
// supervisor; Host and IP are carried for auditing only.
type Identity struct {
	UID  uint32
	Host string
	IP   string
}

// String renders the identity the way it appears in log lines.
func (id Identity) String() string {
	host := id.Host
	if host == "" {
		host = "unknown"
	}
	if id.IP == "" {
		return fmt.Sprintf("uid %d host %s", id.UID, host)
	}
	return fmt.Sprintf("uid %d host %s(%s)", id.UID, host, id.IP)
}
