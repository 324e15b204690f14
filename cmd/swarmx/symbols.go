package main

import (
	"os"
	"strings"
)

// symbolSet holds the status markers printed by the CLI.
type symbolSet struct {
	OK     string
	Fail   string
	Warn   string
	Bullet string
}

var unicodeSymbols = symbolSet{
	OK:     "\u2713", // ✓
	Fail:   "\u2717", // ✗
	Warn:   "\u26A0", // ⚠
	Bullet: "\u2022", // •
}

var asciiSymbols = symbolSet{
	OK:     "[OK]",
	Fail:   "[ERR]",
	Warn:   "[!]",
	Bullet: "*",
}

var symbols = detectSymbols()

// detectSymbols picks ASCII markers when SWARMX_ASCII_SYMBOLS is set or the
// locale names a non-UTF-8 charset.
func detectSymbols() symbolSet {
	if v := os.Getenv("SWARMX_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return asciiSymbols
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return unicodeSymbols
		}
		if val == "c" || val == "posix" {
			return asciiSymbols
		}
		break
	}
	return unicodeSymbols
}
