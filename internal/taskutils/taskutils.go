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

// Package taskutils implements the OpenRelik task envelope: the encoded result
// objects workers hand back to the server, and the decoding of a previous
// task's result into this task's input file list.
package taskutils

import (
	"encoding/base64"
	"encoding/json"

	"go.chromium.org/luci/common/errors"
)

// File describes one artifact file passed between workers.
type File struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
}

// TaskResult is the result object a worker reports for one task execution.
//
// It travels between workers as a base64-encoded JSON blob, see
// CreateTaskResult and GetInputFiles.
type TaskResult struct {
	OutputFiles []File            `json:"output_files"`
	WorkflowID  string            `json:"workflow_id"`
	Command     string            `json:"command"`
	Meta        map[string]string `json:"meta"`
}

// CreateTaskResult encodes a TaskResult for the task invocation boundary.
func CreateTaskResult(r *TaskResult) (string, error) {
	if r.OutputFiles == nil {
		r.OutputFiles = []File{}
	}
	blob, err := json.Marshal(r)
	if err != nil {
		return "", errors.Fmt("encoding task result: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// GetInputFiles returns the files this task should process.
//
// If pipeResult is non-empty it is the encoded result of a previous task in
// the workflow and its output files win; otherwise the explicitly supplied
// files are used as-is. Never returns a nil slice.
func GetInputFiles(pipeResult string, inputFiles []File) ([]File, error) {
	if pipeResult == "" {
		if inputFiles == nil {
			inputFiles = []File{}
		}
		return inputFiles, nil
	}
	blob, err := base64.StdEncoding.DecodeString(pipeResult)
	if err != nil {
		return nil, errors.Fmt("decoding piped task result: %w", err)
	}
	prior := &TaskResult{}
	if err := json.Unmarshal(blob, prior); err != nil {
		return nil, errors.Fmt("unmarshaling piped task result: %w", err)
	}
	if prior.OutputFiles == nil {
		return []File{}, nil
	}
	return prior.OutputFiles, nil
}
