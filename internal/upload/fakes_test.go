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
	"sync"

	"go.chromium.org/luci/common/errors"

	"github.com/openrelik/openrelik-worker-timesketch/internal/timesketch"
)

var errFailPath = errors.New("import stream rejected file")

// fakeAPI is an in-memory SketchAPI.
type fakeAPI struct {
	mu       sync.Mutex
	sketches []*timesketch.Sketch
	nextID   int

	getErr    error
	createErr error
	listErr   error
	publicErr error
	// createNil makes CreateSketch return (nil, nil), simulating a server
	// that accepts the request but returns no sketch.
	createNil bool

	getCalls    int
	createCalls int
	listCalls   int
	publicIDs   []int
}

func (f *fakeAPI) GetSketch(ctx context.Context, id int) (*timesketch.Sketch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, s := range f.sketches {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeAPI) CreateSketch(ctx context.Context, name string) (*timesketch.Sketch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createNil {
		return nil, nil
	}
	f.nextID++
	s := &timesketch.Sketch{ID: f.nextID, Name: name}
	f.sketches = append(f.sketches, s)
	return s, nil
}

func (f *fakeAPI) ListSketches(ctx context.Context) ([]*timesketch.Sketch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]*timesketch.Sketch(nil), f.sketches...), nil
}

func (f *fakeAPI) SetSketchPublic(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publicErr != nil {
		return f.publicErr
	}
	f.publicIDs = append(f.publicIDs, id)
	return nil
}

// fakeLocker serializes callers with an in-process mutex and records lock
// names.
type fakeLocker struct {
	mu    sync.Mutex
	err   error
	names []string
}

func (l *fakeLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

// fakeImporter hands out fakeStreams and records every opened session.
type fakeImporter struct {
	mu      sync.Mutex
	openErr error
	// failPath makes AddFile fail for that path.
	failPath string
	streams  []*fakeStream
}

func (i *fakeImporter) OpenStream(ctx context.Context, sketch *timesketch.Sketch, timelineName string) (ImportStream, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.openErr != nil {
		return nil, i.openErr
	}
	s := &fakeStream{importer: i, sketch: sketch, timeline: timelineName}
	i.streams = append(i.streams, s)
	return s, nil
}

type fakeStream struct {
	importer *fakeImporter
	sketch   *timesketch.Sketch
	timeline string
	files    []string
	closed   bool
	err      error
}

func (s *fakeStream) AddFile(ctx context.Context, path string) error {
	if path == s.importer.failPath {
		s.err = errFailPath
		return errFailPath
	}
	s.files = append(s.files, path)
	return nil
}

func (s *fakeStream) Close(ctx context.Context) error {
	s.closed = true
	return nil
}
