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

// Package config reads the worker configuration from the environment.
package config

import (
	"os"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Config holds the connection parameters for the external services this
// worker talks to.
type Config struct {
	// ServerURL is the Timesketch API endpoint.
	ServerURL string
	// PublicURL is the user-facing Timesketch URL used to build sketch links.
	PublicURL string
	// Username and Password authenticate against the Timesketch server.
	Username string
	Password string
	// RedisURL points at the Redis instance used for distributed locking.
	RedisURL string
}

// FromEnv loads Config from environment variables.
//
// All variables are required. If any are unset, the returned error names
// every missing one, not just the first.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ServerURL: os.Getenv("TIMESKETCH_SERVER_URL"),
		PublicURL: os.Getenv("TIMESKETCH_SERVER_PUBLIC_URL"),
		Username:  os.Getenv("TIMESKETCH_USERNAME"),
		Password:  os.Getenv("TIMESKETCH_PASSWORD"),
		RedisURL:  os.Getenv("REDIS_URL"),
	}
	required := []struct {
		name  string
		value string
	}{
		{"TIMESKETCH_SERVER_URL", cfg.ServerURL},
		{"TIMESKETCH_SERVER_PUBLIC_URL", cfg.PublicURL},
		{"TIMESKETCH_USERNAME", cfg.Username},
		{"TIMESKETCH_PASSWORD", cfg.Password},
		{"REDIS_URL", cfg.RedisURL},
	}
	var missing []string
	for _, v := range required {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Fmt(
			"missing required environment variables for Timesketch worker: %s",
			strings.Join(missing, ", "))
	}
	return cfg, nil
}
