package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `host = "127.0.0.1"
port = 3389
identity = "isoctl"
reconnect = false
connect_timeout = "5s"
read_timeout = "30s"
write_timeout = "15s"
max_connect_attempts = 3
security_mode = "development"

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""

[backoff]
initial = "250ms"
multiplier = 2.0
max = "5s"
jitter = true
`

const serverTemplate = `addr = "127.0.0.1:3389"
metrics_addr = "127.0.0.1:9464"
security_mode = "development"
read_timeout = "0s"
write_timeout = "15s"

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
`
