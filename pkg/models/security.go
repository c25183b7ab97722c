package models

// TLSConfig points at the PEM material for an mTLS connection.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

// SecurityConfig describes how the daemon authenticates to the bus. Only
// mode "mtls" is supported; an empty config means a plaintext connection.
type SecurityConfig struct {
	Mode       string    `json:"mode"`
	CertDir    string    `json:"cert_dir,omitempty"`
	ServerName string    `json:"server_name,omitempty"`
	TLS        TLSConfig `json:"tls"`
}
