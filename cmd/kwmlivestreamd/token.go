/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmlivestream/livestream/auth"
)

func commandToken() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Create a bearer token for the control plane",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := token(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	tokenCmd.Flags().String("jwt-secret", "", "HS256 secret to sign the token with (env KWMLIVESTREAMD_JWT_SECRET)")
	tokenCmd.Flags().String("role", "", fmt.Sprintf("Role claim of the token, for example %q", auth.RoleAdmin))
	tokenCmd.Flags().Duration("ttl", time.Hour, "Validity of the token")

	return tokenCmd
}

func token(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("jwt-secret")
	if secret == "" {
		secret = os.Getenv("KWMLIVESTREAMD_JWT_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("jwt-secret required but not given")
	}
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	signed, err := auth.NewToken([]byte(secret), args[0], role, ttl)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}

	fmt.Fprintln(os.Stdout, signed)
	return nil
}
