// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package parexec

import (
	"context"
	"strings"
	"time"

	"github.com/grailbio/parexec/checkpoint"
)

// RestoreAndRun re-invokes the call stored in the checkpoint file at
// path, synchronously and in the current process, passing the stored
// state as the resume argument. It is intended for offline debugging
// of a specific failure (e.g. from a tagged diagnostic checkpoint),
// not for the live scheduling loop; the file is left in place. The
// binary must have registered the same funcs, in the same order, as
// the one that wrote the checkpoint.
func RestoreAndRun(ctx context.Context, path string) (interface{}, error) {
	rec, err := checkpoint.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	inv := Invocation{Func: rec.Func, Args: rec.Args}
	prefix := restorePrefix(path)
	job := NewJob(ctx, "restore", prefix, inv, time.Time{}, rec.State != nil)
	return inv.Invoke(job, rec.State)
}

// restorePrefix recovers the job's checkpoint key prefix from a
// checkpoint file path, stripping the suffix and any diagnostic tag
// so that progress reports and fresh checkpoints from the restored
// run land in the job's usual locations.
func restorePrefix(path string) string {
	if i := strings.LastIndex(path, checkpoint.Suffix); i >= 0 {
		return path[:i]
	}
	return path
}
