package overpass

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/grafana/regexp"
	"github.com/timwie/go-overpass/internal/errkind"
	"golang.org/x/crypto/blake2b"
)

// Settings defaults.
const (
	DefaultTimeoutSecs = 180
	DefaultMaxsizeMiB  = 512
)

const mib = 1024 * 1024

// reSettingsPrefix matches a leading run of one or more `[k:v]` tokens,
// optionally separated by whitespace, followed by the statement-ending
// `;` Overpass QL uses to close the settings declaration, and the newline
// that conventionally follows it.
var reSettingsPrefix = regexp.MustCompile(`^(?:\s*\[\w+?:.+?\])+\s*;?\n?`)

// reSetting is the single-token pattern for one [key:value] declaration.
var reSetting = regexp.MustCompile(`\[(\w+?):(.+?)\]`)

// splitSettings separates any leading `[k:v]...;` declaration from the rest
// of input_code, returning the declared pairs (in first-seen order lost —
// stored in a map, last one wins on duplicate keys, same as Overpass
// itself) and the remaining QL body.
func splitSettings(inputCode string) (map[string]string, string) {
	prefix := reSettingsPrefix.FindString(inputCode)
	body := inputCode[len(prefix):]

	settings := make(map[string]string)
	for _, m := range reSetting.FindAllStringSubmatch(prefix, -1) {
		settings[m[1]] = m[2]
	}

	return settings, body
}

// buildSettings merges a query's user-declared settings with the enforced
// and defaulted ones: `out` is always `json` and is rejected if the user
// declared anything else; `timeout`/`maxsize` default when absent.
func buildSettings(declared map[string]string) (map[string]string, error) {
	if v, ok := declared["out"]; ok && v != "json" {
		return nil, errkind.Validationf("[out:%s] is not supported, only [out:json]", v)
	}

	settings := make(map[string]string, len(declared)+3)
	for k, v := range declared {
		settings[k] = v
	}

	settings["out"] = "json"

	if _, ok := settings["timeout"]; !ok {
		settings["timeout"] = strconv.Itoa(DefaultTimeoutSecs)
	}
	if _, ok := settings["maxsize"]; !ok {
		settings["maxsize"] = strconv.Itoa(DefaultMaxsizeMiB * mib)
	}

	if n, err := strconv.Atoi(settings["timeout"]); err != nil || n < 1 {
		return nil, errkind.Validationf("[timeout:%s] must be a positive integer", settings["timeout"])
	}
	if n, err := strconv.Atoi(settings["maxsize"]); err != nil || n < 1 {
		return nil, errkind.Validationf("[maxsize:%s] must be a positive integer", settings["maxsize"])
	}

	return settings, nil
}

// rewriteQL rebuilds the effective QL sent on the wire: strip whatever
// settings declaration input_code had, and prepend one assembled from
// settings, with `timeout` overridden to effectiveTimeoutSecs for this try.
// Map iteration order is not guaranteed, so keys are sorted for a stable,
// reproducible rewrite.
func rewriteQL(body string, settings map[string]string, effectiveTimeoutSecs int) string {
	keys := sortedKeys(settings)

	decl := ""
	for _, k := range keys {
		v := settings[k]
		if k == "timeout" {
			v = strconv.Itoa(effectiveTimeoutSecs)
		}
		decl += fmt.Sprintf("[%s:%s]", k, v)
	}
	decl += ";\n"

	return decl + body
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort is plenty for the handful of settings keys this ever
	// holds (out, timeout, maxsize, plus whatever the user declared).
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// fingerprint computes the cache_key for a settings-stripped QL body: a
// 64-bit BLAKE2b digest, hex-encoded.
func fingerprint(body string) string {
	sum := blake2b.Sum512([]byte(body))
	// BLAKE2b-512 truncated to the first 8 bytes gives a 64-bit digest
	// without pulling in a second hash construction for the shorter size.
	return hex.EncodeToString(sum[:8])
}

