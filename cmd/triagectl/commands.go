// Copyright (c) 2026 John Earle
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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bcem/triage/internal/app"
	"github.com/bcem/triage/internal/auth"
	"github.com/bcem/triage/internal/models"
)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Administer the email triage service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newOrgCmd(open), newUserCmd(open), newWorkerCmd(open))
	return root
}

// withEnv opens the backends around fn.
func withEnv(open opener, fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd, e, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- org ---

func newOrgCmd(open opener) *cobra.Command {
	org := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
	}

	org.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create an organization and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(open, func(cmd *cobra.Command, e *env, args []string) error {
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			o, err := e.store.CreateOrganization(cmd.Context(), args[0], key)
			if err != nil {
				return fmt.Errorf("create organization: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":      o.ID,
				"name":    o.Name,
				"api_key": key,
			})
		}),
	})

	org.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List organizations",
		Args:  cobra.NoArgs,
		RunE: withEnv(open, func(cmd *cobra.Command, e *env, _ []string) error {
			orgs, err := e.store.ListOrganizations(cmd.Context())
			if err != nil {
				return fmt.Errorf("list organizations: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), orgs)
		}),
	})

	org.AddCommand(&cobra.Command{
		Use:   "rotate-key ORG_ID",
		Short: "Replace an organization's API key",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(open, func(cmd *cobra.Command, e *env, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid organization id %q: %w", args[0], err)
			}
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			if err := e.store.RotateAPIKey(cmd.Context(), id, key); err != nil {
				return fmt.Errorf("rotate API key: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "api_key": key})
		}),
	})

	return org
}

// --- user ---

func newUserCmd(open opener) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var orgID, subject, email, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Link an identity provider subject to an organization",
		Args:  cobra.NoArgs,
		RunE: withEnv(open, func(cmd *cobra.Command, e *env, _ []string) error {
			id, err := uuid.Parse(orgID)
			if err != nil {
				return fmt.Errorf("invalid --org %q: %w", orgID, err)
			}
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("invalid --role %q (want admin or member)", role)
			}
			u, err := e.store.CreateUser(cmd.Context(), models.User{
				OrgID:   id,
				Subject: subject,
				Email:   email,
				Role:    r,
			})
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), u)
		}),
	}
	create.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	create.Flags().StringVar(&subject, "subject", "", "token subject claim (required)")
	create.Flags().StringVar(&email, "email", "", "contact email")
	create.Flags().StringVar(&role, "role", string(models.RoleMember), "admin or member")
	_ = create.MarkFlagRequired("org")
	_ = create.MarkFlagRequired("subject")
	user.AddCommand(create)

	return user
}

// --- worker ---

func newWorkerCmd(open opener) *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Run worker maintenance tasks",
	}

	w.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run a single worker cycle and print its result",
		Args:  cobra.NoArgs,
		RunE: withEnv(open, func(cmd *cobra.Command, e *env, _ []string) error {
			wk := app.NewWorker(e.cfg, e.store, app.NewClassifier(cmd.Context(), e.cfg.Scorer), e.rdb, nil)
			res, err := wk.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"skipped":     res.Skipped,
				"fetched":     res.Fetched,
				"completed":   res.Completed,
				"failed":      res.Failed,
				"conflicts":   res.Conflicts,
				"stale_fails": res.StaleFails,
				"elapsed":     res.Elapsed.String(),
			})
		}),
	})

	var olderThan time.Duration
	failStale := &cobra.Command{
		Use:   "fail-stale",
		Short: "Fail emails stuck in processing",
		Args:  cobra.NoArgs,
		RunE: withEnv(open, func(cmd *cobra.Command, e *env, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			n, err := e.store.FailStale(cmd.Context(), olderThan)
			if err != nil {
				return fmt.Errorf("fail stale: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"failed": n})
		}),
	}
	failStale.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "claim age after which an email is failed")
	w.AddCommand(failStale)

	return w
}
