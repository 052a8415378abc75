// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package ext4_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/e4rat-ng/lib/ext4"
)

func TestParseMounts(t *testing.T) {
	t.Parallel()
	input := `rootfs / rootfs rw 0 0
/dev/sda1 / ext4 rw,relatime 0 0

# comment
/dev/sdb1 /mnt/my\040disk ext4 rw 0 0
tmpfs /tmp tmpfs
`
	entries, err := ext4.ParseMounts(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []ext4.MountEntry{
		{Source: "rootfs", Dir: "/", FSType: "rootfs", Options: "rw"},
		{Source: "/dev/sda1", Dir: "/", FSType: "ext4", Options: "rw,relatime"},
		{Source: "/dev/sdb1", Dir: "/mnt/my disk", FSType: "ext4", Options: "rw"},
		{Source: "tmpfs", Dir: "/tmp", FSType: "tmpfs"},
	}, entries)

	_, err = ext4.ParseMounts(strings.NewReader("/dev/sda1 /\n"))
	assert.EqualError(t, err, "line 1: expected at least 3 fields, got 2")
}
