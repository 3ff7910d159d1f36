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

var namespaceFlag string

var cleanupExpiredCmd = &cobra.Command{
	Use:   "cleanup-expired",
	Short: "Remove expired grants from a namespace",
	Long:  `Remove tuples whose expiration has passed. Expired grants are already invisible to queries; this reclaims storage.`,
	Example: `  postkit-admin cleanup-expired --namespace org:acme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		session, err := svc.Session(namespaceFlag)
		if err != nil {
			return err
		}
		removed, err := session.CleanupExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired grants.\n", removed)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Scan a namespace for integrity issues",
	Example: `  postkit-admin verify --namespace org:acme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		session, err := svc.Session(namespaceFlag)
		if err != nil {
			return err
		}
		issues, err := session.Verify(cmd.Context())
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Println("Namespace is healthy.")
			return nil
		}
		for _, issue := range issues {
			fmt.Printf("%s: %s:%s %s\n", issue.Status, issue.ResourceType, issue.ResourceID, issue.Details)
		}
		return fmt.Errorf("%d integrity issues found", len(issues))
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print namespace statistics",
	Example: `  postkit-admin stats --namespace org:acme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		session, err := svc.Session(namespaceFlag)
		if err != nil {
			return err
		}
		st, err := session.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("tuples:          %d\n", st.TupleCount)
		fmt.Printf("hierarchy rules: %d\n", st.HierarchyRuleCount)
		fmt.Printf("subjects:        %d\n", st.UniqueSubjects)
		fmt.Printf("resources:       %d\n", st.UniqueResources)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{cleanupExpiredCmd, verifyCmd, statsCmd} {
		cmd.Flags().StringVar(&namespaceFlag, "namespace", "", "tenant namespace")
		_ = cmd.MarkFlagRequired("namespace")
	}
}
