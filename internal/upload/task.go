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

// Package upload implements the Timesketch upload task: it resolves the
// target sketch (creating it at most once per workflow, cluster-wide) and
// imports each input file as its own timeline.
package upload

import (
	"context"
	"fmt"
	"strconv"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/openrelik/openrelik-worker-timesketch/internal/taskutils"
	"github.com/openrelik/openrelik-worker-timesketch/internal/timesketch"
)

// TaskName registers and routes the task to the correct queue.
const TaskName = "openrelik-worker-timesketch.tasks.upload"

// resultCommand is the command label reported in the task result.
const resultCommand = "Timesketch Importer Client"

// MetadataField describes one user-facing task configuration option.
type MetadataField struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Metadata declares a task for registration in the core system.
type Metadata struct {
	DisplayName string          `json:"display_name"`
	Description string          `json:"description"`
	TaskConfig  []MetadataField `json:"task_config"`
}

// TaskMetadata is this task's registration declaration.
var TaskMetadata = Metadata{
	DisplayName: "Upload to Timesketch",
	Description: "Upload resulting file to Timesketch",
	TaskConfig: []MetadataField{
		{
			Name:        "sketch_id",
			Label:       "Add to an existing sketch",
			Description: "Provide the numerical sketch ID of the existing sketch",
			Type:        "text",
		},
		{
			Name:        "sketch_name",
			Label:       "Name of the new sketch to create",
			Description: "Create a new sketch",
			Type:        "text",
		},
		{
			Name:        "timeline_name",
			Label:       "Name of the timeline to create",
			Description: "Timeline name",
			Type:        "text",
		},
		{
			Name:        "make_sketch_public",
			Label:       "Make sketch public",
			Description: "Set the sketch to be publicly accessible in Timesketch.",
			Type:        "boolean",
			Default:     true,
		},
	},
}

// TaskConfig is the user-supplied configuration of one task invocation.
type TaskConfig struct {
	// SketchID targets an existing sketch. Takes precedence over SketchName.
	SketchID int
	// SketchName creates a new sketch with that name.
	SketchName string
	// TimelineName overrides the per-file timeline name. When empty each
	// file's display name is used.
	TimelineName string
	// MakeSketchPublic shares the sketch with all users. Defaults to true.
	MakeSketchPublic bool
}

// Identity returns the sketch identity this configuration targets.
func (c TaskConfig) Identity() SketchIdentity {
	return SketchIdentity{ID: c.SketchID, Name: c.SketchName}
}

// ParseTaskConfig builds a TaskConfig from the raw configuration map of a
// task invocation.
func ParseTaskConfig(raw map[string]any) (TaskConfig, error) {
	cfg := TaskConfig{MakeSketchPublic: true}
	if v, ok := raw["sketch_id"]; ok {
		switch id := v.(type) {
		case string:
			if id != "" {
				n, err := strconv.Atoi(id)
				if err != nil {
					return cfg, errors.Fmt("invalid sketch_id %q: %w", id, err)
				}
				cfg.SketchID = n
			}
		case float64:
			cfg.SketchID = int(id)
		case int:
			cfg.SketchID = id
		case nil:
		default:
			return cfg, errors.Fmt("invalid sketch_id type %T", v)
		}
	}
	if v, ok := raw["sketch_name"].(string); ok {
		cfg.SketchName = v
	}
	if v, ok := raw["timeline_name"].(string); ok {
		cfg.TimelineName = v
	}
	if v, ok := raw["make_sketch_public"].(bool); ok {
		cfg.MakeSketchPublic = v
	}
	return cfg, nil
}

// ImportStream is a scoped import session, see timesketch.ImportStreamer.
type ImportStream interface {
	AddFile(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// Importer opens import sessions against resolved sketches.
type Importer interface {
	OpenStream(ctx context.Context, sketch *timesketch.Sketch, timelineName string) (ImportStream, error)
}

// NewImporter adapts a Timesketch client to the Importer seam.
func NewImporter(c *timesketch.Client) Importer {
	return clientImporter{c}
}

type clientImporter struct {
	c *timesketch.Client
}

func (i clientImporter) OpenStream(ctx context.Context, sketch *timesketch.Sketch, timelineName string) (ImportStream, error) {
	return i.c.OpenStream(ctx, sketch, timelineName)
}

// Request is one task invocation.
type Request struct {
	// PipeResult is the encoded result of a previous task, if any. When set,
	// its output files become this task's input files.
	PipeResult string
	// InputFiles are the files to import when PipeResult is empty.
	InputFiles []taskutils.File
	// WorkflowID identifies the workflow this task belongs to.
	WorkflowID string
	// Config is the user-supplied task configuration.
	Config TaskConfig
}

// Task uploads processed files into a Timesketch sketch.
type Task struct {
	Resolver *Resolver
	Importer Importer
	// PublicURL is the user-facing Timesketch URL used for the sketch link in
	// the task result.
	PublicURL string
}

// Run executes one upload task and returns the encoded task result.
//
// Files are imported sequentially in the order given. The first import
// failure aborts the remaining files and fails the task; timelines imported
// before the failure are kept.
func (t *Task) Run(ctx context.Context, req *Request) (string, error) {
	files, err := taskutils.GetInputFiles(req.PipeResult, req.InputFiles)
	if err != nil {
		return "", err
	}

	sketch, err := t.Resolver.Resolve(ctx, req.Config.Identity(), req.WorkflowID)
	if err != nil {
		return "", err
	}
	logging.Infof(ctx, "Uploading %d file(s) to sketch %d (%q)", len(files), sketch.ID, sketch.Name)

	if req.Config.MakeSketchPublic {
		if err := t.Resolver.API.SetSketchPublic(ctx, sketch.ID); err != nil {
			return "", errors.Fmt("failed to make sketch %d (%q) public: %w", sketch.ID, sketch.Name, err)
		}
	}

	for _, f := range files {
		timelineName := req.Config.TimelineName
		if timelineName == "" {
			timelineName = f.DisplayName
		}
		if err := t.importFile(ctx, sketch, timelineName, f.Path); err != nil {
			return "", errors.Fmt("importing %q into sketch %d: %w", f.Path, sketch.ID, err)
		}
	}

	return taskutils.CreateTaskResult(&taskutils.TaskResult{
		WorkflowID: req.WorkflowID,
		Command:    resultCommand,
		Meta: map[string]string{
			"sketch": fmt.Sprintf("%s/sketch/%d", t.PublicURL, sketch.ID),
		},
	})
}

// importFile streams one file into its own timeline, releasing the import
// session on all exit paths.
func (t *Task) importFile(ctx context.Context, sketch *timesketch.Sketch, timelineName, path string) (err error) {
	stream, err := t.Importer.OpenStream(ctx, sketch, timelineName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stream.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	err = stream.AddFile(ctx, path)
	return err
}
