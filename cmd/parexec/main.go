// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Parexec is a tool for inspecting and cleaning up the checkpoint
// directories left behind by parexec batches. Batches sweep their own
// live checkpoints on exit, but tagged diagnostic checkpoints, and
// the files of batches that were killed outright, stay behind.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/parexec/checkpoint"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Parexec inspects and cleans up batch checkpoint directories.

Usage:

	parexec <command> [arguments]

The commands are:

	ls <dir>        list checkpoint and progress files under dir
	cat <dir>       print last reported progress per job under dir
	clean <dir>     remove checkpoint and progress files under dir
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("parexec: ")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "ls":
		ls(args)
	case "cat":
		cat(args)
	case "clean":
		clean(args)
	default:
		fmt.Fprintf(os.Stderr, "parexec: unknown command %q\n", cmd)
		flag.Usage()
	}
}

// interesting tells whether path is one of ours: a live checkpoint, a
// tagged diagnostic checkpoint, or a progress file.
func interesting(path string) bool {
	base := file.Base(path)
	return strings.Contains(base, checkpoint.Suffix) ||
		strings.HasSuffix(base, checkpoint.ProgressSuffix)
}

func ls(args []string) {
	if len(args) != 1 {
		flag.Usage()
	}
	ctx := backgroundcontext.Get()
	lister := file.List(ctx, args[0], true)
	for lister.Scan() {
		path := lister.Path()
		if !interesting(path) {
			continue
		}
		info, err := file.Stat(ctx, path)
		if err != nil {
			log.Error.Printf("stat %s: %v", path, err)
			continue
		}
		fmt.Printf("%s\t%s\t%s\n",
			path, data.Size(info.Size()), info.ModTime().Format("2006-01-02T15:04:05"))
	}
	if err := lister.Err(); err != nil {
		log.Fatalf("ls %s: %v", args[0], err)
	}
}

func cat(args []string) {
	if len(args) != 1 {
		flag.Usage()
	}
	ctx := backgroundcontext.Get()
	lister := file.List(ctx, args[0], true)
	for lister.Scan() {
		path := lister.Path()
		if !strings.HasSuffix(path, checkpoint.ProgressSuffix) {
			continue
		}
		prefix := strings.TrimSuffix(path, checkpoint.ProgressSuffix)
		fmt.Printf("%s\t%.0f%%\n", prefix, checkpoint.ReadProgress(ctx, prefix))
	}
	if err := lister.Err(); err != nil {
		log.Fatalf("cat %s: %v", args[0], err)
	}
}

func clean(args []string) {
	if len(args) != 1 {
		flag.Usage()
	}
	ctx := backgroundcontext.Get()
	lister := file.List(ctx, args[0], true)
	var paths []string
	for lister.Scan() {
		if path := lister.Path(); interesting(path) {
			paths = append(paths, path)
		}
	}
	if err := lister.Err(); err != nil {
		log.Fatalf("clean %s: %v", args[0], err)
	}
	for _, path := range paths {
		if err := file.Remove(ctx, path); err != nil {
			log.Error.Printf("remove %s: %v", path, err)
			continue
		}
		log.Printf("removed %s", path)
	}
}
