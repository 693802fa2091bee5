// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command openrelik-worker-timesketch executes one Timesketch upload task:
// it resolves the target sketch, imports each input file as a timeline and
// prints the encoded task result to stdout.
//
// Connection parameters come from the environment (TIMESKETCH_SERVER_URL,
// TIMESKETCH_SERVER_PUBLIC_URL, TIMESKETCH_USERNAME, TIMESKETCH_PASSWORD,
// REDIS_URL), task parameters from flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/common/flag/stringlistflag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/server/redisconn"

	"github.com/openrelik/openrelik-worker-timesketch/internal/config"
	"github.com/openrelik/openrelik-worker-timesketch/internal/redislock"
	"github.com/openrelik/openrelik-worker-timesketch/internal/taskutils"
	"github.com/openrelik/openrelik-worker-timesketch/internal/timesketch"
	"github.com/openrelik/openrelik-worker-timesketch/internal/upload"
)

var (
	verbose    = flag.Bool("verbose", false, "print debug messages to stderr")
	workflowID = flag.String("workflow-id", "", "ID of the OpenRelik workflow this task belongs to")
	pipeResult = flag.String("pipe-result", "", "encoded result of a previous task; its output files become this task's inputs")
	inputs     = stringlistflag.Flag{}
	sketchID   = flag.String("sketch-id", "", "numerical ID of an existing sketch to add timelines to")
	sketchName = flag.String("sketch-name", "", "name of a new sketch to create")
	timeline   = flag.String("timeline-name", "", "timeline name to use for every file instead of its display name")
	public     = flag.Bool("make-sketch-public", true, "make the sketch publicly accessible in Timesketch")
)

func run(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx = redisconn.UsePool(ctx, &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(cfg.RedisURL)
		},
	})

	client, err := timesketch.NewClient(ctx, timesketch.Options{
		ServerURL: cfg.ServerURL,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return err
	}

	taskConfig, err := upload.ParseTaskConfig(map[string]any{
		"sketch_id":          *sketchID,
		"sketch_name":        *sketchName,
		"timeline_name":      *timeline,
		"make_sketch_public": *public,
	})
	if err != nil {
		return err
	}

	task := &upload.Task{
		Resolver: &upload.Resolver{
			API:  client,
			Lock: redislock.Mutex{Opts: redislock.DefaultOptions},
		},
		Importer:  upload.NewImporter(client),
		PublicURL: cfg.PublicURL,
	}
	result, err := task.Run(ctx, &upload.Request{
		PipeResult: *pipeResult,
		InputFiles: parseInputs(inputs),
		WorkflowID: *workflowID,
		Config:     taskConfig,
	})
	if err != nil {
		return err
	}

	logging.Infof(ctx, "Task %s finished", upload.TaskName)
	fmt.Println(result)
	return nil
}

// parseInputs turns "-input path[=display name]" values into input files,
// preserving their order.
func parseInputs(entries []string) []taskutils.File {
	files := make([]taskutils.File, 0, len(entries))
	for _, e := range entries {
		path, display, ok := strings.Cut(e, "=")
		if !ok || display == "" {
			display = filepath.Base(path)
		}
		files = append(files, taskutils.File{Path: path, DisplayName: display})
	}
	return files
}

func setupLogging(ctx context.Context) context.Context {
	lvl := logging.Info
	if *verbose {
		lvl = logging.Debug
	}
	return logging.SetLevel(gologger.StdConfig.Use(ctx), lvl)
}

func main() {
	flag.Var(
		&inputs,
		"input",
		"input file as path or path=display name; "+
			"may be specified multiple times, files are imported in order.")
	flag.Parse()

	ctx := setupLogging(context.Background())
	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
