// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package boot models the multiboot information (v1 and v2) that kcore
// consumes and parses the kernel command line. It does not decode a raw
// MBI blob.
package boot

import (
	"strconv"
	"strings"
)

// MBIVersion distinguishes the multiboot info layout.
type MBIVersion int

const (
	MBI1 MBIVersion = 1
	MBI2 MBIVersion = 2
)

// MemoryMapEntry is one multiboot memory-map record.
type MemoryMapEntry struct {
	BaseAddr, Length uint64
	Type             uint32
}

// Info is the subset of multiboot data the rest of kcore consumes:
// memory map and command line (no module list). A real implementation
// parses these out of the raw MBI blob handed off by the bootloader;
// here the fields are populated directly by whatever constructs Info
// (a test, or a loader shim), since kcore never actually receives a
// bootloader handoff.
type Info struct {
	Version   MBIVersion
	MemoryMap []MemoryMapEntry
	CmdLine   string
}

// TotalMemory sums the available (type==1) regions of the memory map.
func (i Info) TotalMemory() uint64 {
	var total uint64
	for _, e := range i.MemoryMap {
		if e.Type == 1 {
			total += e.Length
		}
	}
	return total
}

// CmdLineOptions is the parsed command line: recognized boolean flags
// and key=value tokens.
type CmdLineOptions struct {
	NoSMP  bool
	Target string
	Root   string
	Extra  map[string]string
}

// ParseCmdLine tokenizes a whitespace-separated command line into
// recognized flags (nosmp) and key=value pairs (target=, root=, and any
// other key=value token, kept in Extra for drivers that consume their
// own options).
func ParseCmdLine(cmdline string) CmdLineOptions {
	opts := CmdLineOptions{Extra: make(map[string]string)}
	for _, tok := range strings.Fields(cmdline) {
		if tok == "nosmp" {
			opts.NoSMP = true
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			opts.Extra[key] = ""
			continue
		}
		switch key {
		case "target":
			opts.Target = value
		case "root":
			opts.Root = value
		default:
			opts.Extra[key] = value
		}
	}
	return opts
}

// ParseUint is a convenience used by drivers pulling a numeric option
// out of Extra (e.g. a fixed IRQ override).
func ParseUint(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 0, 64)
	return v, err == nil
}
