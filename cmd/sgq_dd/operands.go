package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehrlich-b/go-sgdd"
)

// config is everything the command line decides
type config struct {
	params  sgdd.Params
	verbose int
	timing  bool
	format  string
}

// parseOperands maps dd style key=value operands onto a config
func parseOperands(args []string) (*config, error) {
	cfg := &config{params: sgdd.DefaultParams(), format: "text"}
	p := &cfg.params
	bptSet := false

	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("unrecognised operand %q, expected key=value", arg)
		}
		var err error
		switch key {
		case "if":
			p.In = val
		case "of":
			p.Out = val
			if val == "" {
				p.Out = "."
			}
		case "bs":
			p.BlockSize, err = parseInt(val)
		case "bpt":
			p.BlocksPerTransfer, err = parseInt(val)
			bptSet = true
		case "count":
			p.Count, err = parseNum(val)
		case "skip":
			p.Skip, err = parseNum(val)
		case "seek":
			p.Seek, err = parseNum(val)
		case "iflag":
			p.InFlags, err = sgdd.ParseFlags(val)
		case "oflag":
			p.OutFlags, err = sgdd.ParseFlags(val)
		case "rt_sig":
			p.RealtimeSignal, err = parseBool(val)
		case "dio":
			p.DirectIO, err = parseBool(val)
		case "time":
			cfg.timing, err = parseBool(val)
		case "deb":
			cfg.verbose, err = parseInt(val)
		case "notify":
			p.Notify = sgdd.NotifyMode(val)
		case "rd_ahead":
			p.ReadAhead, err = parseInt(val)
		case "wr_ahead":
			p.WriteAhead, err = parseInt(val)
		case "log":
			cfg.format = val
		default:
			return nil, fmt.Errorf("unrecognised operand %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("bad argument to %s=: %w", key, err)
		}
	}

	if p.BlockSize <= 0 {
		return nil, fmt.Errorf("bs=%d must be positive", p.BlockSize)
	}
	if !bptSet {
		p.BlocksPerTransfer = 0 // scaled to bs by Copy
	} else if p.BlocksPerTransfer <= 0 {
		return nil, fmt.Errorf("bpt=%d must be positive", p.BlocksPerTransfer)
	}
	if p.Count < -1 {
		return nil, fmt.Errorf("count=%d cannot be negative", p.Count)
	}
	return cfg, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("expected 0 or 1, got %q", s)
}

func parseInt(s string) (int, error) {
	n, err := parseNum(s)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > int64(^uint32(0)>>1) {
		return 0, fmt.Errorf("%q out of range", s)
	}
	return int(n), nil
}

var multipliers = []struct {
	suffix string
	mult   int64
}{
	{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30}, {"TiB", 1 << 40},
	{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000}, {"TB", 1000 * 1000 * 1000 * 1000},
	{"k", 1 << 10}, {"K", 1 << 10}, {"m", 1 << 20}, {"M", 1 << 20},
	{"g", 1 << 30}, {"G", 1 << 30}, {"t", 1 << 40}, {"T", 1 << 40},
	{"b", 512}, {"w", 2}, {"c", 1},
}

// parseNum parses a count with the usual sg3_utils suffixes: 0x hex,
// c/w/b, k/m/g/t binary and KB/MB/GB/TB decimal multipliers, and a
// product written as AxB.
func parseNum(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	if a, b, ok := strings.Cut(s, "x"); ok && !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		x, err := parseNum(a)
		if err != nil {
			return 0, err
		}
		y, err := parseNum(b)
		if err != nil {
			return 0, err
		}
		return x * y, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	if s == "-1" {
		return -1, nil
	}

	mult := int64(1)
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			mult = m.mult
			s = strings.TrimSuffix(s, m.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n * mult, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T", "P"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
