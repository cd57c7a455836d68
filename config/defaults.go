// File: config/defaults.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package config

// Defaults returns the key set spec.md §6 ("Config & logging") lists
// as what the runtime consumes, pre-seeded with conservative values.
// Callers layer a config file or flags on top via Set.
func Defaults() map[string]string {
	return map[string]string{
		"tcp.connect.timeout":        "5000",
		"tcp.recv.timeout":           "30s",
		"http.request.buffer_size":   "8192",
		"http.request.max_body_size": "1048576",
		"http.response.buffer_size":  "8192",
		"http.response.max_body_size": "4194304",
		"daemon.restart_interval":    "1",
		"server.work_path":           ".",
		"server.pid_file":            "fiberd.pid",
	}
}

// NewDefault constructs a Store pre-seeded with Defaults().
func NewDefault() *Store {
	return NewWithDefaults(Defaults())
}
