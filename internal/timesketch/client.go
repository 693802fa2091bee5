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

// Package timesketch is a minimal client for the Timesketch REST API.
//
// It covers only the operations the upload worker needs: fetching, creating
// and listing sketches, sharing a sketch publicly, and importing timeline
// files. Authentication is the session login flow, the session cookie is kept
// in the HTTP client's cookie jar.
package timesketch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/context/ctxhttp"

	"go.chromium.org/luci/common/errors"
)

// Sketch is a handle to one remote investigation sketch.
type Sketch struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Options configure a Client.
type Options struct {
	// ServerURL is the base URL of the Timesketch server.
	ServerURL string
	// Username and Password are the login credentials.
	Username string
	Password string
	// Client is the http.Client to use. Defaults to a fresh client. A cookie
	// jar is installed on it if it has none, the session cookie lives there.
	Client *http.Client
}

// Client talks to one Timesketch server as one authenticated user.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient authenticates against the Timesketch server and returns a client
// holding the session.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	hc := opts.Client
	if hc == nil {
		hc = &http.Client{}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, errors.Fmt("creating cookie jar: %w", err)
		}
		hc.Jar = jar
	}
	c := &Client{
		baseURL: strings.TrimSuffix(opts.ServerURL, "/"),
		http:    hc,
	}
	if err := c.login(ctx, opts.Username, opts.Password); err != nil {
		return nil, errors.Fmt("authenticating to Timesketch at %s: %w", opts.ServerURL, err)
	}
	return c, nil
}

func (c *Client) login(ctx context.Context, username, password string) error {
	// Note: never log the form values, they contain the password.
	resp, err := ctxhttp.PostForm(ctx, c.http, c.baseURL+"/login/", url.Values{
		"username": {username},
		"password": {password},
	})
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Fmt("login returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// sketchEnvelope is the standard resource envelope of the Timesketch API.
type sketchEnvelope struct {
	Objects []*Sketch `json:"objects"`
	Meta    struct {
		Next string `json:"next"`
	} `json:"meta"`
}

// GetSketch fetches a sketch by id.
//
// Returns (nil, nil) if no sketch with that id is visible to the caller.
func (c *Client) GetSketch(ctx context.Context, id int) (*Sketch, error) {
	resp, err := ctxhttp.Get(ctx, c.http, c.apiURL(fmt.Sprintf("/sketches/%d/", id)))
	if err != nil {
		return nil, errors.Fmt("fetching sketch %d: %w", id, err)
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Fmt("fetching sketch %d: HTTP %d", id, resp.StatusCode)
	}
	env := &sketchEnvelope{}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		return nil, errors.Fmt("decoding sketch %d: %w", id, err)
	}
	if len(env.Objects) == 0 {
		return nil, nil
	}
	return env.Objects[0], nil
}

// CreateSketch creates a new sketch with the given name.
//
// Returns (nil, nil) if the server accepted the request but returned no
// sketch object.
func (c *Client) CreateSketch(ctx context.Context, name string) (*Sketch, error) {
	resp, err := c.postJSON(ctx, "/sketches/", map[string]string{
		"name":        name,
		"description": name,
	})
	if err != nil {
		return nil, errors.Fmt("creating sketch %q: %w", name, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, errors.Fmt("creating sketch %q: HTTP %d", name, resp.StatusCode)
	}
	env := &sketchEnvelope{}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		return nil, errors.Fmt("decoding created sketch %q: %w", name, err)
	}
	if len(env.Objects) == 0 {
		return nil, nil
	}
	return env.Objects[0], nil
}

// ListSketches returns all sketches visible to the caller, in server order,
// following pagination.
func (c *Client) ListSketches(ctx context.Context) ([]*Sketch, error) {
	sketches := []*Sketch{}
	next := c.apiURL("/sketches/")
	for next != "" {
		resp, err := ctxhttp.Get(ctx, c.http, next)
		if err != nil {
			return nil, errors.Fmt("listing sketches: %w", err)
		}
		err = func() error {
			defer drain(resp)
			if resp.StatusCode != http.StatusOK {
				return errors.Fmt("listing sketches: HTTP %d", resp.StatusCode)
			}
			env := &sketchEnvelope{}
			if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
				return errors.Fmt("decoding sketch list: %w", err)
			}
			sketches = append(sketches, env.Objects...)
			if env.Meta.Next != "" {
				next = c.baseURL + env.Meta.Next
			} else {
				next = ""
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}
	return sketches, nil
}

// SetSketchPublic shares the sketch with all authenticated users.
func (c *Client) SetSketchPublic(ctx context.Context, id int) error {
	resp, err := c.postJSON(ctx, fmt.Sprintf("/sketches/%d/collaborators/", id), map[string]bool{
		"public": true,
	})
	if err != nil {
		return errors.Fmt("sharing sketch %d: %w", id, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Fmt("sharing sketch %d: HTTP %d", id, resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	blob, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return ctxhttp.Post(ctx, c.http, c.apiURL(path), "application/json", bytes.NewReader(blob))
}

func (c *Client) apiURL(path string) string {
	return c.baseURL + "/api/v1" + path
}

// drain consumes and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
