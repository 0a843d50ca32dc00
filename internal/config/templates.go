package config

import (
	"fmt"
	"os"
)

func Template() string {
	return bridgeTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(bridgeTemplate), 0o600)
}

const bridgeTemplate = `# tftbridge configuration
simulate = false
log_level = "info"
# log_file = "/var/log/tftbridge.jsonl"

[serial]
device = "/dev/ttyUSB0"
baud = 250000
auto_detect = false
max_line_length = 256
reconnect_initial = "1s"
reconnect_max = "60s"
reconnect_multiplier = 1.5

[backend]
host = "localhost"
port = 7125
# api_key = ""
timeout = "5s"
attempt_timeout = "2s"
max_retries = 5
retry_initial = "250ms"
retry_max = "2s"
probe_interval = "10s"
reconnect_initial = "1s"
reconnect_max = "30s"
reconnect_multiplier = 2.0
security_mode = "development"

[backend.tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
insecure_skip_verify = false

[ratelimit]
capacity = 10
refill_interval = "100ms"
queue_size = 8

[telemetry]
# always | on_request (wait for M155/M154)
auto_report = "always"
temperature_interval = "2s"
position_interval = "1s"
flush_interval = "100ms"
host_actions = true

[admin]
# listen = "127.0.0.1:7130"
cors_origins = ["http://localhost:3000"]
# token = ""

# Extra rules are matched before the built-in table.
# [[rules]]
# name = "purge"
# verb = "M702"
# match = ["T=1"]
# action = "macro"
# macros = ["PURGE_NOZZLE"]
# forward_params = false

# [[fallbacks]]
# kind = "backend_call_failed"
# verb = "G28"
# reply = "echo:homing failed: {REASON}\n!! homing"
`
