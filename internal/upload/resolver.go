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

package upload

import (
	"context"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/openrelik/openrelik-worker-timesketch/internal/timesketch"
)

// ErrSketchNotFound is returned when an explicitly requested sketch id does
// not exist.
var ErrSketchNotFound = errors.New("no such sketch")

// ErrSketchCreation is returned when sketch creation yields no sketch.
var ErrSketchCreation = errors.New("sketch creation failed")

// SketchAPI is the subset of the Timesketch API the worker consumes.
// *timesketch.Client implements it.
type SketchAPI interface {
	GetSketch(ctx context.Context, id int) (*timesketch.Sketch, error)
	CreateSketch(ctx context.Context, name string) (*timesketch.Sketch, error)
	ListSketches(ctx context.Context) ([]*timesketch.Sketch, error)
	SetSketchPublic(ctx context.Context, id int) error
}

// Locker runs a function under a named distributed lock.
// redislock.Mutex implements it.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// SketchIdentity names the sketch a task should target. At most one field is
// meaningful: a non-zero ID wins over a Name, and the zero value means "no
// identity", resolved to a workflow-derived default name.
type SketchIdentity struct {
	ID   int
	Name string
}

// DefaultSketchName derives the sketch name used when a task supplies no
// sketch identity. All workers of one workflow derive the same name.
func DefaultSketchName(workflowID string) string {
	return "openrelik-workflow-" + workflowID
}

// Resolver produces one authoritative sketch handle per identity, correct
// under concurrent callers across worker processes.
type Resolver struct {
	API  SketchAPI
	Lock Locker
}

// Resolve returns an existing or newly created sketch for the identity.
//
// With an explicit id the sketch is looked up, failing with ErrSketchNotFound
// if absent. With an explicit name a new sketch is always created, duplicate
// names included. With no identity the default workflow name is resolved
// under a distributed lock keyed by that exact name, so concurrent workers of
// the same workflow create at most one sketch: whoever holds the lock scans
// the existing sketches first (first name match in list order wins) and
// creates only when no match is found. A lock acquisition timeout fails the
// resolution, resolving unlocked would reintroduce the create race.
func (r *Resolver) Resolve(ctx context.Context, identity SketchIdentity, workflowID string) (*timesketch.Sketch, error) {
	switch {
	case identity.ID != 0:
		sketch, err := r.API.GetSketch(ctx, identity.ID)
		if err != nil {
			return nil, errors.Fmt("retrieving sketch with ID '%d': %w", identity.ID, err)
		}
		if sketch == nil {
			return nil, errors.Fmt("failed to retrieve sketch with ID '%d': %w", identity.ID, ErrSketchNotFound)
		}
		return sketch, nil

	case identity.Name != "":
		sketch, err := r.API.CreateSketch(ctx, identity.Name)
		if err != nil {
			return nil, errors.Fmt("creating sketch with name '%s': %w", identity.Name, err)
		}
		if sketch == nil {
			return nil, errors.Fmt("failed to create sketch with name '%s': %w", identity.Name, ErrSketchCreation)
		}
		return sketch, nil

	default:
		name := DefaultSketchName(workflowID)
		var sketch *timesketch.Sketch
		err := r.Lock.WithLock(ctx, name, func(ctx context.Context) error {
			sketches, err := r.API.ListSketches(ctx)
			if err != nil {
				return errors.Fmt("listing sketches: %w", err)
			}
			for _, s := range sketches {
				if s.Name == name {
					logging.Infof(ctx, "Reusing existing sketch %d (%q)", s.ID, s.Name)
					sketch = s
					return nil
				}
			}
			sketch, err = r.API.CreateSketch(ctx, name)
			if err != nil {
				return errors.Fmt("creating sketch with name '%s': %w", name, err)
			}
			if sketch == nil {
				return errors.Fmt("failed to create sketch with name '%s': %w", name, ErrSketchCreation)
			}
			logging.Infof(ctx, "Created sketch %d (%q)", sketch.ID, sketch.Name)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return sketch, nil
	}
}
