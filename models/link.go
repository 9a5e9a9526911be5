package models

// LinkInfo describes an established link from the local side's view. The
// address pair is what role determination ran on.
type LinkInfo struct {
	Role       Role   `json:"role"`
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
}
