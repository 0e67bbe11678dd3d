// Package config parses OCR's config descriptor: a key-value section
// naming component types per PD (allocator, scheduler, commPlatform,
// workerCount, neighbors). The top-level is split as plain INI-like
// key=value pairs (the real platform descriptor stays out of scope here);
// embedded JSON-shaped values — neighbor lists, hint dictionaries — are
// decoded with github.com/json-iterator/go rather than the standard
// encoding/json, for parity with the rest of OCR's request/response body
// decoding.
package config

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocr-runtime/ocr/internal/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is OCR's parsed runtime config for one PD.
type Config struct {
	Allocator    string     // TLSF|QUICK|SIMPLE
	Scheduler    string     // HC|CE|XE|COMMON
	CommPlatform string     // NULL|CE|XE|MPI|GASNET
	WorkerCount  int
	Neighbors    []cmn.Loc
	Raw          map[string]string // every key=value pair seen, for component-specific lookups
}

// defaults mirror the config descriptor's enumerated values where a
// reasonable single-process default exists.
func defaults() *Config {
	return &Config{
		Allocator:    "SIMPLE",
		Scheduler:    "COMMON",
		CommPlatform: "NULL",
		WorkerCount:  1,
		Raw:          make(map[string]string),
	}
}

// Parse reads a config descriptor: one `key=value` pair per line, blank
// lines and lines starting with `#` or `;` ignored.
func Parse(r io.Reader) (*Config, error) {
	cfg := defaults()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, cmn.WrapProtocol(cmn.ErrInvalid, "config: malformed line %q", line)
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		cfg.Raw[key] = val
		if err := cfg.apply(key, val); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, cmn.WrapResource(err, "config: scan")
	}
	return cfg, nil
}

// ParseString is a convenience wrapper for callers (tests, cmd/ocrd flags)
// holding the descriptor as a string already.
func ParseString(s string) (*Config, error) {
	return Parse(strings.NewReader(s))
}

func (cfg *Config) apply(key, val string) error {
	switch key {
	case "allocator":
		cfg.Allocator = val
	case "scheduler":
		cfg.Scheduler = val
	case "commPlatform":
		cfg.CommPlatform = val
	case "workerCount":
		n, err := strconv.Atoi(val)
		if err != nil {
			return cmn.WrapProtocol(cmn.ErrInvalid, "config: workerCount=%q: %v", val, err)
		}
		cfg.WorkerCount = n
	case "neighbors":
		var locs []int
		if err := json.UnmarshalFromString(val, &locs); err != nil {
			return cmn.WrapProtocol(cmn.ErrInvalid, "config: neighbors=%q: %v", val, err)
		}
		cfg.Neighbors = make([]cmn.Loc, len(locs))
		for i, l := range locs {
			cfg.Neighbors[i] = cmn.Loc(l)
		}
	}
	return nil
}

// DecodeHints parses a JSON-object-shaped string (e.g. `{"0":12345}`,
// keyed by cmn.HintKey ordinal) into a cmn.Hints dictionary — used for
// config-embedded EDT/DB hint sub-blocks.
func DecodeHints(s string) (cmn.Hints, error) {
	if s == "" {
		return nil, nil
	}
	raw := map[string]uint64{}
	if err := json.UnmarshalFromString(s, &raw); err != nil {
		return nil, cmn.WrapProtocol(cmn.ErrInvalid, "config: hints %q: %v", s, err)
	}
	h := make(cmn.Hints, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, cmn.WrapProtocol(cmn.ErrInvalid, "config: hint key %q: %v", k, err)
		}
		h[cmn.HintKey(n)] = v
	}
	return h, nil
}
