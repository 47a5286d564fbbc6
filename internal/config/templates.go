package config

import (
	"fmt"
	"os"
	"strings"
)

// Template kinds accepted by Template and WriteTemplate.
const (
	KindControl    = "control"
	KindObserver   = "observer"
	KindController = "controller"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindControl:
		return controlTemplate, nil
	case KindObserver:
		return observerTemplate, nil
	case KindController:
		return controllerTemplate, nil
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

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindControl, KindObserver:
		_, err := LoadClientConfig(path)
		return err
	case KindController:
		_, err := LoadControllerConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const controlTemplate = `endpoint = "ws://127.0.0.1:8765/ws"
role = "control"
# credential may also come from RIGSYNC_API_KEY
credential = ""
auto_reconnect = true
reconnect_delay = "3s"
handshake_timeout = "10s"
write_timeout = "5s"
ping_interval = "0s"
debounce_window = "2s"
max_reconnect_attempts = 0
backoff_multiplier = 1.0
backoff_max_delay = "30s"
backoff_jitter = false
metrics_addr = ""

[tls]
ca_file = ""
server_name = ""
insecure_skip_verify = false
`

const observerTemplate = `endpoint = "ws://127.0.0.1:8765/ws"
role = "observer"
auto_reconnect = true
reconnect_delay = "5s"
debounce_window = "2s"
metrics_addr = ""
`

const controllerTemplate = `listen_addr = "127.0.0.1:8765"
path = "/ws"
# api_key may also come from RIGSYNC_CONTROLLER_API_KEY; empty means demo access for all
api_key = ""
initial_mode = "manual"
state_interval = "5s"
enforce_access = false
allowed_origins = []
metrics_addr = "127.0.0.1:9108"
`
