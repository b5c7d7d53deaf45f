/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"gatescan/app"
	"gatescan/config"
)

const sigintExitCode = 130

func main() {
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	interrupted := false

	go func() {
		sig := <-signals
		interrupted = sig == os.Interrupt
		cancel()
	}()

	err := app.StartProducer(ctx, pflag.CommandLine)
	if err != nil {
		log.Printf("Producer being stopped. Err: %s", err)

		var startupErr *app.StartupError
		if errors.As(err, &startupErr) {
			os.Exit(startupErr.Code)
		}

		os.Exit(1)
	}

	if interrupted {
		os.Exit(sigintExitCode)
	}
}
