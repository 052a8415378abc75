// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// MountEntry is one line of /proc/mounts or /etc/mtab.
type MountEntry struct {
	Source  string
	Dir     string
	FSType  string
	Options string
}

// ParseMounts parses the fstab(5)-style format used by /proc/mounts
// and /etc/mtab.  Blank lines and comments are skipped.
func ParseMounts(r io.Reader) ([]MountEntry, error) {
	var ret []MountEntry
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 fields, got %d", lineNum, len(fields))
		}
		ent := MountEntry{
			Source: unescapeMountField(fields[0]),
			Dir:    unescapeMountField(fields[1]),
			FSType: fields[2],
		}
		if len(fields) > 3 {
			ent.Options = fields[3]
		}
		ret = append(ret, ent)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// unescapeMountField undoes the kernel's octal escaping of space,
// tab, newline and backslash.
func unescapeMountField(str string) string {
	if !strings.Contains(str, `\`) {
		return str
	}
	var out strings.Builder
	for i := 0; i < len(str); i++ {
		if str[i] == '\\' && i+4 <= len(str) {
			if n, err := strconv.ParseUint(str[i+1:i+4], 8, 8); err == nil {
				out.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		out.WriteByte(str[i])
	}
	return out.String()
}

func readMountsFile(filename string) ([]MountEntry, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	ret, err := ParseMounts(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return ret, nil
}

func (env *Env) matchMount(entries []MountEntry, devNo DevNo) (MountEntry, bool) {
	for _, ent := range entries {
		if ent.FSType == "rootfs" {
			continue
		}
		entDev, err := env.statDev(ent.Dir)
		if err != nil {
			continue
		}
		if entDev == devNo {
			return ent, true
		}
	}
	return MountEntry{}, false
}

// findMount locates the mount of devNo.  /proc/mounts is preferred;
// /etc/mtab is consulted when /proc/mounts is unreadable, and when
// /proc/mounts claims "ext2" (which is what the kernel reports for a
// root filesystem mounted with a stale rootfstype=).
func (env *Env) findMount(devNo DevNo) (MountEntry, error) {
	procEntries, procErr := readMountsFile(env.MountsFile)
	mtabEntries, mtabErr := readMountsFile(env.MtabFile)
	if procErr != nil && mtabErr != nil {
		return MountEntry{}, fmt.Errorf("cannot read mount table: %w", procErr)
	}

	if procErr == nil {
		ent, ok := env.matchMount(procEntries, devNo)
		if ok && ent.FSType == "ext2" && mtabErr == nil {
			if alt, ok := env.matchMount(mtabEntries, devNo); ok {
				ent.FSType = alt.FSType
			}
		}
		if ok {
			return ent, nil
		}
	}
	if mtabErr == nil {
		if ent, ok := env.matchMount(mtabEntries, devNo); ok {
			return ent, nil
		}
	}
	return MountEntry{}, fmt.Errorf("device %v is not mounted", devNo)
}
