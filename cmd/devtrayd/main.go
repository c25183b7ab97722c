/*
 * Copyright 2026 VigilHQ
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/vigilhq/devtray/pkg/admin/qvmcli"
	"github.com/vigilhq/devtray/pkg/config"
	"github.com/vigilhq/devtray/pkg/logger"
	"github.com/vigilhq/devtray/pkg/tray"
	"github.com/vigilhq/devtray/pkg/version"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/devtray/devtrayd.json", "Path to devtrayd config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg tray.Config

	cfgLoader := config.NewConfig(nil)
	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := cfg.Logger
	if logConfig == nil {
		logConfig = &logger.Config{Level: "info", Output: "stdout"}
	}

	lg, err := logger.New(logConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	client := qvmcli.New(lg)

	srv, err := tray.NewServer(ctx, &cfg, client, client, nil, lg)
	if err != nil {
		return err
	}

	lg.Info().
		Str("version", version.Full()).
		Str("config", *configPath).
		Msg("devtrayd starting")

	// An error out of the run loop means the event order broke; the view
	// cannot be trusted, so the process dies and the supervisor restarts it.
	return srv.Run(ctx)
}
