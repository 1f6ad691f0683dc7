// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package controller assembles a switchboard process from configuration.

The Controller owns every long-lived component and wires them together:

  - Registry: builtin and directory descriptors, optionally hot reloaded
  - Credentials: the encrypted SQLite store with OAuth2 refresh
  - Limiter and Cache: in memory or shared through Redis
  - Router: keyword or embedding scorer
  - Engine: the execution pipeline over all of the above
  - Metrics and tracing: Prometheus collectors and an OTel provider

# Usage

	cfg, _ := config.Load(path)
	c, err := controller.New(ctx, cfg, controller.Options{Version: "1.0.0"})
	if err != nil {
	    return err
	}
	defer c.Close(context.Background())

	c.Start(ctx)
	return c.NewAPIServer().Start(ctx)

Start launches background loops (descriptor watcher and cache and limiter
janitors). Close stops them and releases Redis, SQLite and the tracer.
*/
package controller
