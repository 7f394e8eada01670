/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package main

import (
	"fmt"
	"log/slog"
	"os"

	"opensketch/internal/config"
	"opensketch/internal/crash"
	applog "opensketch/internal/log"
	"opensketch/internal/storage"
	"opensketch/internal/telemetry"
)

func main() {
	cfg, token, err := config.Load()
	applog.Init(cfg.Logging.LogOptions())
	l := applog.WithComponent("cli")
	if err != nil {
		l.Warn("config load", slog.Any("err", err))
	}
	telemetry.NewDefault(telemetry.FromEnv().WithOptIn(cfg.General.TelemetryOptIn))

	e := &env{cfg: cfg, token: token, out: os.Stdout}
	defer crash.Recover(func() *storage.Handle { return e.handle })

	l.Debug("start", slog.Int("args", len(os.Args)))
	if err := newCLIApp(e).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
