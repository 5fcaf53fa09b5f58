// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import "testing"

func TestInteresting(t *testing.T) {
	for _, c := range []struct {
		path string
		want bool
	}{
		{"s3://bucket/checkpoints/sum__0a1b2c3d/job0.checkpoint", true},
		{"s3://bucket/checkpoints/sum__0a1b2c3d/job0.checkpoint_indexerror", true},
		{"/tmp/checkpoints/sum__0a1b2c3d/job0.progress", true},
		{"/tmp/logs/sum__0a1b2c3d/job0.stdout", false},
		{"/tmp/logs/sum__0a1b2c3d/job0.stderr", false},
		{"s3://bucket/checkpoints/sum__0a1b2c3d", false},
	} {
		if got := interesting(c.path); got != c.want {
			t.Errorf("interesting(%q): got %v, want %v", c.path, got, c.want)
		}
	}
}
