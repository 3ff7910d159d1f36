// Copyright 2026 The Postkit Authors
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

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	monthsAhead int
	keepMonths  int
)

var ensurePartitionsCmd = &cobra.Command{
	Use:   "ensure-partitions",
	Short: "Create upcoming monthly audit partitions",
	Long:  `Idempotently create the audit partition for the current month and the next N months.`,
	Example: `  # Keep three months of partitions ahead
  postkit-admin ensure-partitions --months-ahead 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		created, err := svc.EnsureAuditPartitions(cmd.Context(), monthsAhead)
		if err != nil {
			return err
		}
		if len(created) == 0 {
			fmt.Println("All partitions already exist.")
			return nil
		}
		for _, name := range created {
			fmt.Println("created", name)
		}
		return nil
	},
}

var dropPartitionsCmd = &cobra.Command{
	Use:   "drop-partitions",
	Short: "Drop audit partitions outside the retention window",
	Long:  `Drop audit partitions older than the retention window. Partitions inside the window, including future-dated ones, are preserved.`,
	Example: `  # Keep twelve months of audit history
  postkit-admin drop-partitions --keep-months 12`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		dropped, err := svc.DropAuditPartitions(cmd.Context(), keepMonths)
		if err != nil {
			return err
		}
		if len(dropped) == 0 {
			fmt.Println("No partitions outside the retention window.")
			return nil
		}
		for _, name := range dropped {
			fmt.Println("dropped", name)
		}
		return nil
	},
}

func init() {
	ensurePartitionsCmd.Flags().IntVar(&monthsAhead, "months-ahead", 3, "months ahead of the current one to create")
	dropPartitionsCmd.Flags().IntVar(&keepMonths, "keep-months", 12, "months of audit history to keep")
}
