package cmn

import "github.com/dustin/go-humanize"

// ParseSize parses a human-readable size string such as "10MiB" or "512kB"
// into a byte count. Used by config.Policy.Size and config.Rule.SizeLimit,
// both of which are declared as human-size strings in the config file.
func ParseSize(s string) (uint64, error) {
	return humanize.ParseBytes(s)
}

// B2S renders a byte count as a human-readable size, mirroring the teacher's
// own cmn.B2S helper used throughout its log lines. precision is accepted
// for call-site compatibility with that helper but humanize's IEC output is
// fixed-precision.
func B2S(b int64, _ int) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}
