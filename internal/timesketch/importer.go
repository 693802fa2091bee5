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

package timesketch

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/net/context/ctxhttp"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// ImportStreamer is a scoped import session against one sketch and one
// timeline. Open it with Client.OpenStream, submit files with AddFile and
// always Close it when done, on error paths too.
type ImportStreamer struct {
	client   *Client
	sketch   *Sketch
	timeline string
	closed   bool
}

// OpenStream opens an import session bound to the given sketch and timeline
// name.
func (c *Client) OpenStream(ctx context.Context, sketch *Sketch, timelineName string) (*ImportStreamer, error) {
	switch {
	case sketch == nil:
		return nil, errors.New("no sketch bound to import stream")
	case timelineName == "":
		return nil, errors.New("no timeline name bound to import stream")
	}
	logging.Debugf(ctx, "Opening import stream for sketch %d, timeline %q", sketch.ID, timelineName)
	return &ImportStreamer{
		client:   c,
		sketch:   sketch,
		timeline: timelineName,
	}, nil
}

// AddFile submits the content of one local file into the session's timeline.
//
// The file is streamed, not buffered, so arbitrarily large exports work.
func (s *ImportStreamer) AddFile(ctx context.Context, path string) error {
	if s.closed {
		return errors.New("import stream is closed")
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Fmt("opening %q: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Fmt("stat %q: %w", path, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(func() error {
			if err := mw.WriteField("name", s.timeline); err != nil {
				return err
			}
			if err := mw.WriteField("sketch_id", strconv.Itoa(s.sketch.ID)); err != nil {
				return err
			}
			if err := mw.WriteField("total_file_size", strconv.FormatInt(info.Size(), 10)); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}())
	}()

	req, err := http.NewRequest(http.MethodPost, s.client.apiURL("/upload/"), pr)
	if err != nil {
		return errors.Fmt("uploading %q: %w", path, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := ctxhttp.Do(ctx, s.client.http, req)
	if err != nil {
		return errors.Fmt("uploading %q: %w", path, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Fmt("uploading %q: HTTP %d", path, resp.StatusCode)
	}
	return nil
}

// Close releases the session. Subsequent AddFile calls fail. Closing twice
// is a no-op.
func (s *ImportStreamer) Close(ctx context.Context) error {
	if !s.closed {
		logging.Debugf(ctx, "Closing import stream for sketch %d, timeline %q", s.sketch.ID, s.timeline)
		s.closed = true
	}
	return nil
}
