package volume

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/brickd/pkg/types"
)

// Value validators for option map entries. Each returns nil when the value
// is acceptable for the option it guards.

func validateBool(value string) error {
	switch strings.ToLower(value) {
	case "on", "off", "yes", "no", "true", "false":
		return nil
	}
	return fmt.Errorf("%q is not a boolean (expected on/off, yes/no, true/false)", value)
}

// ParseBool interprets the boolean option vocabulary. Unparseable values
// report false, matching how the volfile generator treats a missing option.
func ParseBool(value string) bool {
	switch strings.ToLower(value) {
	case "on", "yes", "true", "1":
		return true
	}
	return false
}

func validateUint(min, max uint64) func(string) error {
	return func(value string) error {
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%q is not a number", value)
		}
		if n < min || n > max {
			return fmt.Errorf("%s is out of range [%d, %d]", value, min, max)
		}
		return nil
	}
}

// validateSize accepts a byte count with an optional KB/MB/GB suffix.
func validateSize(value string) error {
	if _, err := parseSize(value); err != nil {
		return err
	}
	return nil
}

func parseSize(value string) (uint64, error) {
	s := strings.ToUpper(strings.TrimSpace(value))
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult, s = 1<<30, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		mult, s = 1<<20, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult, s = 1<<10, strings.TrimSuffix(s, "KB")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a size", value)
	}
	return n * mult, nil
}

// validMTUs are the InfiniBand path MTU sizes a transport can negotiate.
var validMTUs = map[string]bool{
	"256": true, "512": true, "1024": true, "2048": true, "4096": true,
}

// DefaultMTU is used when transport.ib-verbs.mtu is unset.
const DefaultMTU = 2048

func validateMTU(value string) error {
	if !validMTUs[value] {
		return fmt.Errorf("%q is not a valid MTU (expected one of 256, 512, 1024, 2048, 4096)", value)
	}
	return nil
}

// Table is the global option map. The internal name differs from the public
// key where the translator spells it differently; a leading '!' marks the
// entry as handled by a special case in the volfile generator rather than
// copied verbatim.
var Table = []types.OptionMapEntry{
	{Key: "cluster.lookup-unhashed", Target: types.XlatorDistribute, Validate: validateBool},
	{Key: "cluster.min-free-disk", Target: types.XlatorDistribute},
	{Key: "cluster.min-free-inodes", Target: types.XlatorDistribute},

	{Key: "cluster.entry-change-log", Target: types.XlatorReplicate, Validate: validateBool},
	{Key: "cluster.read-subvolume", Target: types.XlatorReplicate},
	{Key: "cluster.background-self-heal-count", Target: types.XlatorReplicate, Validate: validateUint(0, 256)},
	{Key: "cluster.metadata-self-heal", Target: types.XlatorReplicate, Validate: validateBool},
	{Key: "cluster.data-self-heal", Target: types.XlatorReplicate, Validate: validateBool},
	{Key: "cluster.entry-self-heal", Target: types.XlatorReplicate, Validate: validateBool},
	{Key: "cluster.self-heal-daemon", Target: types.XlatorReplicate, Internal: "!self-heal-daemon", Validate: validateBool},
	{Key: "cluster.strict-readdir", Target: types.XlatorReplicate, Validate: validateBool},
	{Key: "cluster.self-heal-window-size", Target: types.XlatorReplicate, Internal: "data-self-heal-window-size", Validate: validateUint(1, 1024)},
	{Key: "cluster.data-change-log", Target: types.XlatorReplicate, Validate: validateBool},
	{Key: "cluster.metadata-change-log", Target: types.XlatorReplicate, Validate: validateBool},
	{Key: "cluster.data-self-heal-algorithm", Target: types.XlatorReplicate, Internal: "data-self-heal-algorithm"},

	{Key: "cluster.stripe-block-size", Target: types.XlatorStripe, Internal: "block-size", Validate: validateSize},

	{Key: "diagnostics.latency-measurement", Target: types.XlatorIOStats, Internal: "latency-measurement", Default: "off", Validate: validateBool},
	{Key: "diagnostics.dump-fd-stats", Target: types.XlatorIOStats, Validate: validateBool},
	{Key: "diagnostics.count-fop-hits", Target: types.XlatorIOStats, Internal: "count-fop-hits", Default: "off", Validate: validateBool},
	{Key: "diagnostics.brick-log-level", Target: types.XlatorIOStats, Internal: "!brick-log-level"},
	{Key: "diagnostics.client-log-level", Target: types.XlatorIOStats, Internal: "!client-log-level"},

	{Key: "performance.cache-max-file-size", Target: types.XlatorIOCache, Internal: "max-file-size", Validate: validateSize},
	{Key: "performance.cache-min-file-size", Target: types.XlatorIOCache, Internal: "min-file-size", Validate: validateSize},
	{Key: "performance.cache-refresh-timeout", Target: types.XlatorIOCache, Internal: "cache-timeout", Validate: validateUint(0, 61)},
	{Key: "performance.cache-priority", Target: types.XlatorIOCache, Internal: "priority"},
	{Key: "performance.cache-size", Target: types.XlatorIOCache, Validate: validateSize},
	{Key: "performance.cache-size", Target: types.XlatorQuickRead, Validate: validateSize},
	{Key: "performance.flush-behind", Target: types.XlatorWriteBehind, Internal: "flush-behind", Validate: validateBool},
	{Key: "performance.io-thread-count", Target: types.XlatorIOThreads, Internal: "thread-count", Validate: validateUint(1, 64)},
	{Key: "performance.write-behind-window-size", Target: types.XlatorWriteBehind, Internal: "cache-size", Validate: validateSize},

	{Key: "network.frame-timeout", Target: types.XlatorProtocolClient, Validate: validateUint(0, 86400)},
	{Key: "network.ping-timeout", Target: types.XlatorProtocolClient, Validate: validateUint(0, 1013)},
	{Key: "network.inode-lru-limit", Target: types.XlatorProtocolServer, Validate: validateUint(0, 1 << 20)},

	{Key: "auth.allow", Target: types.XlatorProtocolServer, Internal: "!server-auth", Default: "*"},
	{Key: "auth.reject", Target: types.XlatorProtocolServer, Internal: "!server-auth"},

	{Key: "transport.keepalive", Target: types.XlatorProtocolServer, Internal: "transport.socket.keepalive", Validate: validateBool},
	{Key: "transport.ib-verbs.mtu", Target: types.XlatorProtocolServer, Internal: "transport.ib-verbs.mtu", Validate: validateMTU},
	{Key: "server.allow-insecure", Target: types.XlatorProtocolServer, Internal: "rpc-auth-allow-insecure", Validate: validateBool},

	{Key: "performance.write-behind", Target: types.XlatorWriteBehind, Internal: "!perf", Default: "on", Validate: validateBool},
	{Key: "performance.read-ahead", Target: types.XlatorReadAhead, Internal: "!perf", Default: "on", Validate: validateBool},
	{Key: "performance.io-cache", Target: types.XlatorIOCache, Internal: "!perf", Default: "on", Validate: validateBool},
	{Key: "performance.quick-read", Target: types.XlatorQuickRead, Internal: "!perf", Default: "on", Validate: validateBool},
	{Key: "performance.stat-prefetch", Target: types.XlatorStatPrefetch, Internal: "!perf", Default: "on", Validate: validateBool},
	{Key: "performance.client-io-threads", Target: types.XlatorClientIOThread, Internal: "!perf", Default: "off", Validate: validateBool},

	{Key: "features.marker.xtime", Target: types.XlatorMarker, Internal: "!xtime", Default: "off", Validate: validateBool},
	{Key: "features.quota", Target: types.XlatorMarker, Internal: "quota", Default: "off", Validate: validateBool},
	{Key: "features.limit-usage", Target: types.XlatorQuota, Internal: "limit-set"},
	{Key: "features.quota-timeout", Target: types.XlatorQuota, Internal: "timeout", Default: "0", Validate: validateUint(0, 3600)},

	{Key: "nfs.enable-ino32", Target: types.XlatorNFSServer, Internal: "nfs.enable-ino32", Validate: validateBool},
	{Key: "nfs.mem-factor", Target: types.XlatorNFSServer, Internal: "nfs.mem-factor", Validate: validateUint(1, 1024)},
	{Key: "nfs.export-dirs", Target: types.XlatorNFSServer, Internal: "nfs3.export-dirs", Validate: validateBool},
	{Key: "nfs.export-volumes", Target: types.XlatorNFSServer, Internal: "nfs3.export-volumes", Validate: validateBool},
	{Key: "nfs.addr-namelookup", Target: types.XlatorNFSServer, Internal: "rpc-auth.addr.namelookup", Validate: validateBool},
	{Key: "nfs.dynamic-volumes", Target: types.XlatorNFSServer, Internal: "nfs.dynamic-volumes", Validate: validateBool},
	{Key: "nfs.register-with-portmap", Target: types.XlatorNFSServer, Internal: "rpc.register-with-portmap", Validate: validateBool},
	{Key: "nfs.port", Target: types.XlatorNFSServer, Internal: "nfs.port", Validate: validateUint(1, 65535)},
	{Key: "nfs.rpc-auth-unix", Target: types.XlatorNFSServer, Internal: "!rpc-auth.auth-unix.*", Validate: validateBool},
	{Key: "nfs.rpc-auth-null", Target: types.XlatorNFSServer, Internal: "!rpc-auth.auth.null.*", Validate: validateBool},
	{Key: "nfs.rpc-auth-allow", Target: types.XlatorNFSServer, Internal: "!rpc-auth.addr.*.allow"},
	{Key: "nfs.rpc-auth-reject", Target: types.XlatorNFSServer, Internal: "!rpc-auth.addr.*.reject"},
	{Key: "nfs.ports-insecure", Target: types.XlatorNFSServer, Internal: "!rpc-auth.ports.*.insecure", Validate: validateBool},
	{Key: "nfs.transport-type", Target: types.XlatorNFSServer, Internal: "!nfs.transport-type"},
	{Key: "nfs.trusted-sync", Target: types.XlatorNFSServer, Internal: "!nfs3.*.trusted-sync", Validate: validateBool},
	{Key: "nfs.trusted-write", Target: types.XlatorNFSServer, Internal: "!nfs3.*.trusted-write", Validate: validateBool},
	{Key: "nfs.volume-access", Target: types.XlatorNFSServer, Internal: "!nfs3.*.volume-access"},
	{Key: "nfs.export-dir", Target: types.XlatorNFSServer, Internal: "!nfs3.*.export-dir"},
	{Key: "nfs.disable", Target: types.XlatorNFSServer, Internal: "!nfs-disable", Validate: validateBool},

	{Key: "server.statedump-path", Target: types.XlatorProtocolServer, Internal: "statedump-path"},
}

// OptionError is a failed option validation: the key involved, the reason,
// and, for unknown keys, a did-you-mean suggestion.
type OptionError struct {
	Key        string
	Reason     string
	Suggestion string
}

func (e *OptionError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("option %s: %s (did you mean %s?)", e.Key, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("option %s: %s", e.Key, e.Reason)
}

// LookupOption returns every option map entry registered under the public
// key. A key can map to more than one translator (performance.cache-size
// configures both io-cache and quick-read).
func LookupOption(key string) []types.OptionMapEntry {
	var out []types.OptionMapEntry
	for _, e := range Table {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

// OptionDefault returns the table default for key, if any entry carries one.
func OptionDefault(key string) (string, bool) {
	for _, e := range Table {
		if e.Key == key && e.Default != "" {
			return e.Default, true
		}
	}
	return "", false
}

// EffectiveOption resolves key against the volume's options map, falling
// back to the table default. Defaults are applied here, at read time; they
// are never written into the volume's options map.
func EffectiveOption(v *types.Volume, key string) (string, bool) {
	if val, ok := v.Options[key]; ok {
		return val, true
	}
	return OptionDefault(key)
}

// ValidateOptionValue checks a (key, value) pair against the option map:
// unknown keys are rejected with a spelling suggestion, and known keys run
// their registered validator. The volume is consulted for pairwise checks
// such as cache-min-file-size <= cache-max-file-size, which are evaluated
// against the post-change pair.
func ValidateOptionValue(v *types.Volume, key, value string) error {
	entries := LookupOption(key)
	if len(entries) == 0 {
		return &OptionError{Key: key, Reason: "unknown option", Suggestion: Suggest(key)}
	}
	for _, e := range entries {
		if e.Validate == nil {
			continue
		}
		if err := e.Validate(value); err != nil {
			return &OptionError{Key: key, Reason: err.Error()}
		}
	}

	if key == "performance.cache-min-file-size" || key == "performance.cache-max-file-size" {
		if err := validateCachePair(v, key, value); err != nil {
			return err
		}
	}
	return nil
}

// validateCachePair enforces min <= max across the two io-cache file-size
// bounds, using the value being set plus the other bound's current
// effective value.
func validateCachePair(v *types.Volume, key, value string) error {
	minStr, maxStr := "0", ""
	if s, ok := EffectiveOption(v, "performance.cache-min-file-size"); ok {
		minStr = s
	}
	if s, ok := EffectiveOption(v, "performance.cache-max-file-size"); ok {
		maxStr = s
	}
	if key == "performance.cache-min-file-size" {
		minStr = value
	} else {
		maxStr = value
	}
	if maxStr == "" {
		return nil
	}
	minN, err := parseSize(minStr)
	if err != nil {
		return &OptionError{Key: "performance.cache-min-file-size", Reason: err.Error()}
	}
	maxN, err := parseSize(maxStr)
	if err != nil {
		return &OptionError{Key: "performance.cache-max-file-size", Reason: err.Error()}
	}
	if minN > maxN {
		return &OptionError{
			Key:    key,
			Reason: fmt.Sprintf("cache-min-file-size %s exceeds cache-max-file-size %s", minStr, maxStr),
		}
	}
	return nil
}
