// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint implements the durable store for resumable job
// state. A checkpoint record holds a job's resumable state together
// with the original call (func and arguments), so that the job can be
// re-invoked from the record alone. Records are gob-encoded through
// streaming zstd compression and stored through grailbio/base/file,
// so a checkpoint directory may live on any registered filesystem
// (e.g. S3), giving checkpoints written on one host visibility on
// another.
//
// Writes are not atomic at the filesystem level; instead, a worker
// always completes its checkpoint write before exiting or reporting
// suspension, and the coordinating process only looks for the file
// after that report. This ordering is the write barrier.
package checkpoint

import (
	"context"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/traverse"
)

// Suffixes of the files maintained per job below the checkpoint
// directory. The progress file holds a single number in [0, 100],
// overwritten in place; it is a display side-channel only and its
// absence is never an error.
const (
	Suffix         = ".checkpoint"
	ProgressSuffix = ".progress"
)

// A Record is the persisted unit of resumption: the opaque resumable
// state together with the registered func index and the original
// arguments. At most one live (untagged) record exists per job at any
// time; a fresh write may occur only after the previous record has
// been consumed.
type Record struct {
	Func  uint64
	State interface{}
	Args  []interface{}
}

// Path returns the checkpoint file path for the given job prefix. A
// non-empty tag names a diagnostic side-checkpoint, which is excluded
// from normal consumption and sweeping.
func Path(prefix, tag string) string {
	if tag == "" {
		return prefix + Suffix
	}
	return prefix + Suffix + "_" + tag
}

// ProgressPath returns the progress file path for the given job prefix.
func ProgressPath(prefix string) string {
	return prefix + ProgressSuffix
}

// Write persists rec under the given job prefix, applying streaming
// zstd compression. Disk failures are surfaced to the caller:
// checkpoint loss would silently break resumption, so callers must
// treat a write error as fatal.
func Write(ctx context.Context, prefix string, rec Record, tag string) (path string, err error) {
	path = Path(prefix, tag)
	f, err := file.Create(ctx, path)
	if err != nil {
		return "", errors.E("checkpoint.Write", path, err)
	}
	zw, err := zstd.NewWriter(f.Writer(ctx))
	if err != nil {
		f.Discard(ctx)
		return "", errors.E("checkpoint.Write", path, err)
	}
	if err = gob.NewEncoder(zw).Encode(rec); err == nil {
		err = zw.Close()
	} else {
		zw.Close()
	}
	if err != nil {
		f.Discard(ctx)
		return "", errors.E("checkpoint.Write", path, err)
	}
	if err = f.Close(ctx); err != nil {
		return "", errors.E("checkpoint.Write", path, err)
	}
	return path, nil
}

// Read reads the full checkpoint record stored at path.
func Read(ctx context.Context, path string) (rec Record, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return Record{}, err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	zr, err := zstd.NewReader(f.Reader(ctx))
	if err != nil {
		return Record{}, errors.E("checkpoint.Read", path, err)
	}
	defer fileio.CloseAndReport(zr, &err)
	if err = gob.NewDecoder(zr).Decode(&rec); err != nil {
		return Record{}, errors.E("checkpoint.Read", path, err)
	}
	return rec, nil
}

// ReadState reads only the resumable state from the record at path.
func ReadState(ctx context.Context, path string) (interface{}, error) {
	rec, err := Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

// Consume reads the live checkpoint for the given job prefix, if any,
// and deletes it immediately so that a stale record can never be
// consumed twice. It returns ok=false when no checkpoint exists (a
// first run).
func Consume(ctx context.Context, prefix string) (state interface{}, ok bool, err error) {
	path := Path(prefix, "")
	rec, err := Read(ctx, path)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err = file.Remove(ctx, path); err != nil {
		return nil, false, errors.E("checkpoint.Consume", path, err)
	}
	return rec.State, true, nil
}

// Exists tells whether a live checkpoint is visible for the given job
// prefix. It is a poll, not an event: the file may be written from a
// different host, and filesystem visibility is not instantaneous.
func Exists(ctx context.Context, prefix string) (bool, error) {
	_, err := file.Stat(ctx, Path(prefix, ""))
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WriteProgress overwrites the job's progress file with the given
// fraction, recorded as a percentage rounded up to a whole number.
func WriteProgress(ctx context.Context, prefix string, frac float64) (err error) {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	f, err := file.Create(ctx, ProgressPath(prefix))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = fmt.Fprintf(f.Writer(ctx), "%g", math.Ceil(100*frac))
	return err
}

// ReadProgress reads the job's last reported progress percentage.
// A missing or unparseable progress file reads as 0.
func ReadProgress(ctx context.Context, prefix string) float64 {
	f, err := file.Open(ctx, ProgressPath(prefix))
	if err != nil {
		return 0
	}
	defer f.Close(ctx)
	b, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil || v < 0 || v > 100 {
		return 0
	}
	return v
}

// Sweep removes the live checkpoint and progress files for each of
// the given job prefixes. It is idempotent: missing files are not
// errors. Tagged diagnostic checkpoints are left in place for
// post-mortem inspection.
func Sweep(ctx context.Context, prefixes ...string) error {
	return traverse.Each(len(prefixes), func(i int) error {
		for _, path := range []string{Path(prefixes[i], ""), ProgressPath(prefixes[i])} {
			if err := file.Remove(ctx, path); err != nil && !errors.Is(errors.NotExist, err) {
				return err
			}
		}
		return nil
	})
}
