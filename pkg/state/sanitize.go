package state

import "strings"

// secretMarkers flag environment keys whose values stay out of state.json.
var secretMarkers = []string{
	"PASSWORD", "PASSWD", "PASSPHRASE", "SECRET", "TOKEN", "KEY",
	"CREDENTIAL", "AUTH", "PRIVATE", "CERT", "DSN",
}

const redacted = "[REDACTED]"

// SanitizeEnv returns a copy of env with the values of secret-looking keys replaced, so
// that state.json never carries database passwords or tokens.
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if secretKey(k) {
			v = redacted
		}
		out[k] = v
	}
	return out
}

func secretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, m := range secretMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}
