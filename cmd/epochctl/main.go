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

// epochctl signals every consumer to perform a coordinated engine reload
// by advancing clamav:target_epoch.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"gatescan/config"
	"gatescan/pkg/redisutils"
)

func main() {
	config.RegisterFlags(pflag.CommandLine)
	epoch := pflag.Int64("epoch", -1, "target epoch to set; omit to increment the current one")
	pflag.Parse()

	cfg, err := config.LoadConfig(pflag.CommandLine)
	if err != nil {
		log.Printf("invalid configuration: %s", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := redisutils.NewStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.UseTLS)
	if err := store.Ping(ctx); err != nil {
		log.Printf("redis not reachable: %s", err)
		os.Exit(2)
	}

	targetKey := cfg.Redis.Prefix + "clamav:target_epoch"

	newEpoch := *epoch
	if newEpoch < 0 {
		current, err := store.Get(ctx, targetKey)
		if err != nil && !redisutils.IsNil(err) {
			log.Printf("failed to read current epoch: %s", err)
			os.Exit(2)
		}

		parsed, _ := strconv.ParseInt(current, 10, 64)
		newEpoch = parsed + 1
	}

	if err := store.Set(ctx, targetKey, strconv.FormatInt(newEpoch, 10), 0); err != nil {
		log.Printf("failed to set target epoch: %s", err)
		os.Exit(2)
	}

	updatedAtKey := cfg.Redis.Prefix + "clamav:target_epoch_updated_at"
	if err := store.Set(ctx, updatedAtKey, strconv.FormatInt(time.Now().Unix(), 10), 0); err != nil {
		log.Printf("failed to record epoch update time: %s", err)
	}

	fmt.Printf("Target epoch set to %d. Nodes will reload sequentially (with surge if needed).\n", newEpoch)
}
